package genparams

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name string
		in   Request
		want Request
	}{
		{
			name: "zero value falls back to defaults",
			in:   Request{Prompt: "cat"},
			want: Request{Prompt: "cat", Width: 512, Height: 512, Steps: 20, CfgScale: 7.0, Seed: -1, BatchCount: 1, BatchSize: 1},
		},
		{
			name: "valid values survive untouched",
			in:   Request{Prompt: "cat", Width: 1024, Height: 768, Steps: 30, CfgScale: 9.5, Seed: 42, BatchCount: 4, BatchSize: 2},
			want: Request{Prompt: "cat", Width: 1024, Height: 768, Steps: 30, CfgScale: 9.5, Seed: 42, BatchCount: 4, BatchSize: 2},
		},
		{
			name: "dimension not a multiple of 8",
			in:   Request{Width: 513, Height: 770, Steps: 20, CfgScale: 7, Seed: 1, BatchCount: 1, BatchSize: 1},
			want: Request{Width: 512, Height: 512, Steps: 20, CfgScale: 7, Seed: 1, BatchCount: 1, BatchSize: 1},
		},
		{
			name: "dimension out of range",
			in:   Request{Width: 4096, Height: 32, Steps: 20, CfgScale: 7, Seed: 1, BatchCount: 1, BatchSize: 1},
			want: Request{Width: 512, Height: 512, Steps: 20, CfgScale: 7, Seed: 1, BatchCount: 1, BatchSize: 1},
		},
		{
			name: "steps and cfg out of range",
			in:   Request{Width: 512, Height: 512, Steps: 200, CfgScale: 0.5, Seed: 1, BatchCount: 1, BatchSize: 1},
			want: Request{Width: 512, Height: 512, Steps: 20, CfgScale: 7, Seed: 1, BatchCount: 1, BatchSize: 1},
		},
		{
			name: "batch counts out of range",
			in:   Request{Width: 512, Height: 512, Steps: 20, CfgScale: 7, Seed: 1, BatchCount: 50, BatchSize: 8},
			want: Request{Width: 512, Height: 512, Steps: 20, CfgScale: 7, Seed: 1, BatchCount: 1, BatchSize: 1},
		},
		{
			name: "negative seed accepted",
			in:   Request{Width: 512, Height: 512, Steps: 20, CfgScale: 7, Seed: -7, BatchCount: 1, BatchSize: 1},
			want: Request{Width: 512, Height: 512, Steps: 20, CfgScale: 7, Seed: -7, BatchCount: 1, BatchSize: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clamp(tt.in); got != tt.want {
				t.Fatalf("Clamp mismatch:\n got=%+v\nwant=%+v", got, tt.want)
			}
		})
	}
}

func TestLoadManifest_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.yaml")
	manifest := `prompt: a cat in space
width: 768
height: 768
steps: 40
cfg_scale: 8.5
`
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	req, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error: %v", err)
	}
	if req.Prompt != "a cat in space" || req.Width != 768 || req.Steps != 40 {
		t.Fatalf("unexpected request: %+v", req)
	}
	// Unset fields clamp to defaults.
	if req.Seed != -1 || req.BatchCount != 1 {
		t.Fatalf("defaults not applied: %+v", req)
	}
}

func TestLoadManifest_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.json")
	manifest := `{"prompt":"dog","width":513,"steps":25}`
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	req, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error: %v", err)
	}
	if req.Prompt != "dog" || req.Steps != 25 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.Width != 512 {
		t.Fatalf("out-of-range width not clamped: %d", req.Width)
	}
}

func TestLoadManifest_UnknownExtensionFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.conf")
	if err := os.WriteFile(path, []byte(`{"prompt":"dog"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	req, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() error: %v", err)
	}
	if req.Prompt != "dog" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestLoadManifest_Errors(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing manifest")
	}

	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected error for empty manifest")
	}

	path = filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte(`{{{`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected error for malformed manifest")
	}
}
