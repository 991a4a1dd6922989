package genparams

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadManifest reads a generation request from a YAML or JSON file.
//
// The format is determined by extension: .yaml/.yml for YAML, .json for JSON;
// an unrecognized extension tries YAML first, then JSON. Out-of-range fields
// are clamped to defaults, not rejected; the prompt itself is the caller's
// responsibility to validate.
func LoadManifest(path string) (Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Request{}, fmt.Errorf("request manifest not found: %s", path)
		}
		return Request{}, fmt.Errorf("read request manifest: %w", err)
	}
	return LoadManifestFromBytes(data, path)
}

// LoadManifestFromBytes parses a request manifest from raw bytes. The path
// parameter is used only for format detection and error messages.
func LoadManifestFromBytes(data []byte, path string) (Request, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Request{}, errors.New("request manifest is empty")
	}

	var req Request
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &req); err != nil {
			return Request{}, fmt.Errorf("parse YAML request manifest: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &req); err != nil {
			return Request{}, fmt.Errorf("parse JSON request manifest: %w", err)
		}
	default:
		if yamlErr := yaml.Unmarshal(data, &req); yamlErr != nil {
			if jsonErr := json.Unmarshal(data, &req); jsonErr != nil {
				return Request{}, fmt.Errorf("parse request manifest as YAML (%v) or JSON: %w", yamlErr, jsonErr)
			}
		}
	}

	return Clamp(req), nil
}
