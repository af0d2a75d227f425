package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"
)

// LoadDocument decodes a JSONC or YAML file into v, chosen by extension.
// JSON files may carry comments and trailing commas.
func LoadDocument(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return decodeDocument(path, data, v)
}

func decodeDocument(path string, data []byte, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported document type %q", path)
	}
	return nil
}

// LoadEnvironment reads and normalizes the environment document.
func LoadEnvironment(path string) (*Environment, error) {
	var e Environment
	if err := LoadDocument(path, &e); err != nil {
		return nil, err
	}
	if err := e.Normalize(); err != nil {
		return nil, fmt.Errorf("environment %s: %w", path, err)
	}
	return &e, nil
}

// LoadFiltersets reads the per-role filter templates. Role names are
// lower-cased.
func LoadFiltersets(path string) (firewall.Filtersets, error) {
	var raw firewall.Filtersets
	if err := LoadDocument(path, &raw); err != nil {
		return nil, err
	}
	out := lowerKeys(raw)
	for role, fs := range out {
		if fs.Timeout < 0 || fs.RenewalAmount < 0 {
			return nil, fmt.Errorf("filterset %s: negative timeout or renewal amount", role)
		}
		for i, r := range fs.Filters {
			if _, _, _, err := r.DstPort.Range(); err != nil {
				return nil, fmt.Errorf("filterset %s filter %d: %w", role, i, err)
			}
		}
	}
	return out, nil
}
