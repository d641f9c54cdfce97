package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NeroReflex/embuer/internal/manifest"
)

func writeManifest(t *testing.T, subvolDir, body string) {
	t.Helper()

	dir := filepath.Join(subvolDir, "usr", "share", "embuer")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(body), 0644))
}

func TestLoadWellFormedManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `{"version":"1.2.3","readonly":true,"install_script":"usr/bin/install-hook"}`)

	m, err := manifest.Load(dir)
	require.NoError(t, err)
	require.Equal(t, "1.2.3", m.Version)
	require.True(t, m.Readonly)
	require.Equal(t, filepath.Join(dir, "usr/bin/install-hook"), m.InstallScriptPath(dir))
}

func TestLoadMissingManifestFails(t *testing.T) {
	dir := t.TempDir()

	_, err := manifest.Load(dir)
	require.Error(t, err)
}

func TestLoadMalformedManifestFails(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `not json`)

	_, err := manifest.Load(dir)
	require.Error(t, err)
}

func TestInstallScriptPathEmptyWhenUnset(t *testing.T) {
	m := &manifest.Manifest{Version: "1.0.0"}
	require.Equal(t, "", m.InstallScriptPath("/whatever"))
}

func TestIsExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hook.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0755))

	require.True(t, manifest.IsExecutable(path))

	nonExec := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(nonExec, []byte("hi"), 0644))
	require.False(t, manifest.IsExecutable(nonExec))

	require.False(t, manifest.IsExecutable(""))
	require.False(t, manifest.IsExecutable(filepath.Join(dir, "missing")))
}
