// Package manifest parses the small structured record embedded in every
// deployment subvolume at usr/share/embuer/manifest.json.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/NeroReflex/embuer/internal/embuererrors"
)

// Path is the manifest's location relative to a deployment subvolume root.
const Path = "usr/share/embuer/manifest.json"

// Manifest is the per-deployment record. Every deployment produced by the
// install pipeline must contain a well-formed one; its absence is a hard
// failure that triggers deletion of the subvolume that was just received.
type Manifest struct {
	Version         string `json:"version"`
	Readonly        bool   `json:"readonly"`
	InstallScript   string `json:"install_script,omitempty"`
	UninstallScript string `json:"uninstall_script,omitempty"`
}

// Load reads and parses the manifest from inside subvolPath.
func Load(subvolPath string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(subvolPath, Path))
	if err != nil {
		return nil, errors.Wrap(embuererrors.ErrManifestMissing, err.Error())
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(embuererrors.ErrManifestMissing, err.Error())
	}

	if m.Version == "" {
		return nil, errors.Wrap(embuererrors.ErrManifestMissing, "empty version field")
	}

	return &m, nil
}

// InstallScriptPath resolves the install hook to an absolute path inside
// subvolPath, or "" if none is named.
func (m *Manifest) InstallScriptPath(subvolPath string) string {
	if m.InstallScript == "" {
		return ""
	}

	return filepath.Join(subvolPath, m.InstallScript)
}

// UninstallScriptPath resolves the uninstall hook to an absolute path
// inside subvolPath, or "" if none is named.
func (m *Manifest) UninstallScriptPath(subvolPath string) string {
	if m.UninstallScript == "" {
		return ""
	}

	return filepath.Join(subvolPath, m.UninstallScript)
}

// IsExecutable reports whether path exists and has at least one executable
// bit set.
func IsExecutable(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	return info.Mode()&0111 != 0
}
