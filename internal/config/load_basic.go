// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"

	"grimm.is/bricks/internal/errors"
)

// LoadFile loads a config file (HCL or JSON by extension), applies
// defaults and validates it.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to read config file")
	}

	var cfg *Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		cfg, err = LoadJSON(data)
	default:
		cfg, err = LoadHCL(data, path)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RulesFile != "" && !filepath.IsAbs(cfg.RulesFile) {
		cfg.RulesFile = filepath.Join(filepath.Dir(path), cfg.RulesFile)
	}
	return cfg, nil
}

// LoadHCL decodes HCL bytes. filename is used in diagnostics and must end
// in .hcl for hclsimple to pick the native syntax.
func LoadHCL(data []byte, filename string) (*Config, error) {
	if !strings.HasSuffix(filename, ".hcl") {
		filename += ".hcl"
	}
	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to decode config")
	}
	return finish(&cfg)
}

// LoadJSON decodes JSON bytes.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "failed to parse JSON")
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()
	if errs := cfg.Validate(); errs.HasErrors() {
		return nil, errors.Attr(errors.Wrap(errs, errors.KindValidation, "invalid configuration"), "errors", len(errs))
	}
	return cfg, nil
}

// GenerateHCL renders cfg as HCL.
func GenerateHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return hclwrite.Format(f.Bytes())
}
