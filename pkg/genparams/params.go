// Package genparams defines generation request parameters, the clamp-to-
// default validation rules applied before submission, and YAML request
// manifests for the CLI.
package genparams

// Request is the body of a generate call. Field names follow the backend's
// wire contract.
type Request struct {
	Prompt         string  `json:"prompt" yaml:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty" yaml:"negative_prompt"`
	Width          int     `json:"width" yaml:"width"`
	Height         int     `json:"height" yaml:"height"`
	Steps          int     `json:"steps" yaml:"steps"`
	CfgScale       float64 `json:"cfg_scale" yaml:"cfg_scale"`
	Seed           int64   `json:"seed" yaml:"seed"`
	BatchCount     int     `json:"batch_count" yaml:"batch_count"`
	BatchSize      int     `json:"batch_size" yaml:"batch_size"`
}

// Defaults returns the request defaults applied when a field is unset or out
// of range.
func Defaults() Request {
	return Request{
		Width:      512,
		Height:     512,
		Steps:      20,
		CfgScale:   7.0,
		Seed:       -1,
		BatchCount: 1,
		BatchSize:  1,
	}
}

// Clamp normalizes a request in place of rejecting it: every out-of-range
// field falls back to its default. Dimensions must be in [64,2048] and a
// multiple of 8; steps in [1,150]; cfg_scale in [1,30]; batch_count in
// [1,10]; batch_size in [1,4]. Any seed is accepted; zero (unset) becomes -1
// (random).
func Clamp(r Request) Request {
	d := Defaults()

	if !validDimension(r.Width) {
		r.Width = d.Width
	}
	if !validDimension(r.Height) {
		r.Height = d.Height
	}
	if r.Steps < 1 || r.Steps > 150 {
		r.Steps = d.Steps
	}
	if r.CfgScale < 1 || r.CfgScale > 30 {
		r.CfgScale = d.CfgScale
	}
	if r.Seed == 0 {
		r.Seed = d.Seed
	}
	if r.BatchCount < 1 || r.BatchCount > 10 {
		r.BatchCount = d.BatchCount
	}
	if r.BatchSize < 1 || r.BatchSize > 4 {
		r.BatchSize = d.BatchSize
	}
	return r
}

func validDimension(n int) bool {
	return n >= 64 && n <= 2048 && n%8 == 0
}
