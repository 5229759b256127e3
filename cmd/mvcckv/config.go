package main

import (
	"os"

	"github.com/bootjp/mvcckv/store"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// overrides carries flag values that win over the config file. Empty
// strings leave the file (or default) value alone.
type overrides struct {
	dataDir string
	backend string
}

// loadConfig starts from the defaults, overlays the YAML file at path (if
// any), applies flag overrides and validates the result.
func loadConfig(path string, o overrides) (store.Config, error) {
	cfg := store.DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return store.Config{}, errors.WithStack(err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return store.Config{}, errors.Wrapf(err, "parse %s", path)
		}
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	if err := cfg.Validate(); err != nil {
		return store.Config{}, err
	}
	return cfg, nil
}
