package main

import (
	"io/fs"

	"github.com/pkg/errors"

	"hooktiller/pkg/config"
)

// loadConfig reads the manifest. A missing manifest runs on defaults and a
// starter file is written in its place; writeErr reports a failed write so
// it can be logged once logging is up.
func loadConfig() (cfg config.Config, path string, writeErr, err error) {
	path = config.ManifestPath()
	cfg, err = config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		writeErr = config.WriteDefault(path)
		cfg, err = config.Parse(nil)
	}
	return cfg, path, writeErr, err
}
