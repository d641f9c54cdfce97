// Package config loads the embuer daemon configuration, a small JSON
// key/value description read once at startup.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/NeroReflex/embuer/internal/embuererrors"
	"github.com/NeroReflex/embuer/internal/logger"
)

// Candidate config file locations, tried in order.
var DefaultPaths = []string{
	"/usr/share/embuer/config.json",
	"/etc/embuer/config.json",
}

// Config is the daemon's startup configuration.
type Config struct {
	UpdateURL          string `json:"update_url,omitempty"`
	AutoInstallUpdates bool   `json:"auto_install_updates"`
	PublicKeyPEM       string `json:"public_key_pem"`
	RootfsDir          string `json:"rootfs_dir"`

	// DeploymentsDir is derived, never read from JSON.
	DeploymentsDir string `json:"-"`
}

// Load reads the first existing file among paths. If none exists, it
// returns a zero-value Config and ErrMissingConfiguration so the caller can
// log a warning and apply defaults; this is not fatal.
func Load(paths []string) (*Config, error) {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, errors.Wrapf(err, "read config %s", path)
		}

		var c Config
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, errors.Wrap(embuererrors.ErrJSONDeserialize, err.Error())
		}

		c.DeploymentsDir = filepath.Join(c.RootfsDir, "deployments")

		logger.Info("Loaded configuration", logger.Ctx{"path": path})

		return &c, nil
	}

	return &Config{}, embuererrors.ErrMissingConfiguration
}

// Validate checks that rootfs_dir and deployments_dir exist and are
// directories, and that public_key_pem was set. Called once at startup;
// failure here is fatal for the service.
func (c *Config) Validate() error {
	if c.RootfsDir == "" {
		return embuererrors.ErrMissingRootfsDir
	}

	if err := mustBeDir(c.RootfsDir); err != nil {
		return errors.Wrap(embuererrors.ErrMissingRootfsDir, err.Error())
	}

	if c.DeploymentsDir == "" {
		c.DeploymentsDir = filepath.Join(c.RootfsDir, "deployments")
	}

	if err := mustBeDir(c.DeploymentsDir); err != nil {
		return errors.Wrap(embuererrors.ErrMissingDeploymentsDir, err.Error())
	}

	if c.PublicKeyPEM == "" {
		return embuererrors.ErrPublicKeyImport
	}

	return nil
}

func mustBeDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return errors.Errorf("%s is not a directory", path)
	}

	return nil
}
