package scheduler

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/NeroReflex/embuer/internal/btrfs"
	"github.com/NeroReflex/embuer/internal/manifest"
)

// fakeBackend is an in-memory stand-in for btrfs.Backend. It models
// deployments as named entries with a manifest payload and a monotonic
// subvolume id counter, letting scheduler tests exercise the full state
// machine and GC sweep without a real btrfs volume.
type fakeBackend struct {
	mu         sync.Mutex
	nextID     uint64
	defaultID  uint64
	subvols    map[string]uint64 // path -> id
	manifests  map[string][]byte // path -> manifest.json contents
	readonly   map[string]bool
	deleted    []string
	receiveRet string // name Receive() should report finding

	// receiveManifest, when non-nil, is written to
	// <destination>/<receiveRet>/usr/share/embuer/manifest.json as part of
	// Receive, standing in for the payload the real btrfs send-stream would
	// have carried onto disk.
	receiveManifest []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nextID:    100,
		subvols:   map[string]uint64{},
		manifests: map[string][]byte{},
		readonly:  map[string]bool{},
	}
}

func (f *fakeBackend) addDeployment(deploymentsDir, name string, manifest []byte, makeDefault bool) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++

	path := deploymentsDir + "/" + name
	f.subvols[path] = id
	f.manifests[path] = manifest
	f.readonly[path] = true

	if makeDefault {
		f.defaultID = id
	}

	return id
}

func (f *fakeBackend) SubvolumeCreate(path string) error { return nil }

func (f *fakeBackend) SubvolumeDelete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.subvols, path)
	f.deleted = append(f.deleted, path)

	return nil
}

func (f *fakeBackend) SubvolumeSetRO(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readonly[path] = true
	return nil
}

func (f *fakeBackend) SubvolumeSetRW(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readonly[path] = false
	return nil
}

func (f *fakeBackend) SubvolumeSetDefault(id uint64, rootfs string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultID = id
	return nil
}

func (f *fakeBackend) SubvolumeGetDefault(rootfs string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.defaultID, nil
}

func (f *fakeBackend) SubvolumeGetID(path string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.subvols[path]
	if !ok {
		return 0, fmt.Errorf("no such subvolume: %s", path)
	}

	return id, nil
}

func (f *fakeBackend) IsSubvolume(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.subvols[path]
	return ok
}

func (f *fakeBackend) ListDeploymentSubvolumes(deploymentsDir string) ([]btrfs.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []btrfs.Deployment
	for path, id := range f.subvols {
		name := path[len(deploymentsDir)+1:]
		out = append(out, btrfs.Deployment{Name: name, SubvolID: id, Path: path})
	}

	return out, nil
}

func (f *fakeBackend) Receive(ctx context.Context, destination string, reader io.Reader) (string, error) {
	// Drain the reader the way the real driver would consume the send
	// stream, then report the pre-seeded name as "received".
	_, _ = io.Copy(io.Discard, reader)

	f.mu.Lock()
	name := f.receiveRet
	f.mu.Unlock()

	if name == "" {
		return "", fmt.Errorf("fakeBackend: no receive result configured")
	}

	path := destination + "/" + name

	f.mu.Lock()
	if _, exists := f.subvols[path]; !exists {
		f.subvols[path] = f.nextID
		f.nextID++
		f.readonly[path] = true
	}
	manifestData := f.receiveManifest
	f.mu.Unlock()

	if manifestData != nil {
		manifestDir := filepath.Join(path, filepath.Dir(manifest.Path))
		if err := os.MkdirAll(manifestDir, 0755); err != nil {
			return "", err
		}

		if err := os.WriteFile(filepath.Join(path, manifest.Path), manifestData, 0644); err != nil {
			return "", err
		}
	}

	return name, nil
}

// manifestJSON builds a minimal well-formed manifest payload.
func manifestJSON(version string, readonly bool) []byte {
	body := map[string]interface{}{"version": version, "readonly": readonly}
	data, _ := json.Marshal(body)
	return data
}

// bundleEntry is one named tar entry in a constructed bundle.
type bundleEntry struct {
	name string
	data []byte
}

// buildBundle tars up (CHANGELOG, update.signature, update.btrfs.xz) in
// order, matching the required bundle layout.
func buildBundle(changelog string, signature []byte, xzPayload []byte) []byte {
	return buildBundleOrdered([]bundleEntry{
		{"CHANGELOG", []byte(changelog)},
		{"update.signature", signature},
		{"update.btrfs.xz", xzPayload},
	})
}

// buildBundleOrdered tars up entries in exactly the given order, letting
// tests construct archives that violate the required ordering.
func buildBundleOrdered(entries []bundleEntry) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, e := range entries {
		writeEntry(tw, e.name, e.data)
	}

	_ = tw.Close()

	return buf.Bytes()
}

func writeEntry(tw *tar.Writer, name string, data []byte) {
	_ = tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(data)), Mode: 0644})
	_, _ = tw.Write(data)
}
