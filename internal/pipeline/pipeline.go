// Package pipeline implements the core install pipeline: source -> hashing
// adapter -> xz decoder -> btrfs receive, followed by manifest validation,
// Overlay Data Tree creation, signature verification, the install hook, and
// promotion to default.
package pipeline

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/NeroReflex/embuer/internal/btrfs"
	"github.com/NeroReflex/embuer/internal/embuererrors"
	"github.com/NeroReflex/embuer/internal/hashstream"
	"github.com/NeroReflex/embuer/internal/logger"
	"github.com/NeroReflex/embuer/internal/manifest"
	"github.com/NeroReflex/embuer/internal/sigverify"
)

// Signature pairs a public key with the raw signature bytes to verify
// against the computed digest. Nil means "no verification requested".
type Signature struct {
	Key   *sigverify.PublicKey
	Bytes []byte
}

// Pipeline orchestrates one update's ingest, verification and promotion.
type Pipeline struct {
	RootfsDir      string
	DeploymentsDir string
	BootName       string
	Driver         btrfs.Backend
}

// overlayDirs are the plain-directory overlay roots: a sibling upperdir and
// workdir pair, but no subvolume requirement of their own.
var overlayDirs = []string{"etc", "var", "root"}

// overlaySubvolumes are the overlay roots that must themselves be btrfs
// subvolumes, set read-only once their upperdir/workdir pair exists.
var overlaySubvolumes = []string{"usr", "opt"}

// deploymentsDataDir returns the sibling overlay-data tree root for a
// deployment: <rootfs>/deployments_data/<name>.
func (p *Pipeline) deploymentsDataDir(name string) string {
	return filepath.Join(p.RootfsDir, "deployments_data", name)
}

// Install runs the pipeline over xzInput, an xz-compressed btrfs
// send-stream positioned at its start. It returns the new deployment's
// name on success.
func (p *Pipeline) Install(ctx context.Context, xzInput io.Reader, sig *Signature) (string, error) {
	hashed, digest := hashstream.New(xzInput)

	xzReader, err := xz.NewReader(hashed)
	if err != nil {
		return "", errors.Wrap(embuererrors.ErrBtrfs, "open xz stream: "+err.Error())
	}

	name, err := p.Driver.Receive(ctx, p.DeploymentsDir, xzReader)
	if err != nil {
		return "", err
	}

	if name == "" {
		return "", embuererrors.ErrReceiveFailed
	}

	subvolPath := filepath.Join(p.DeploymentsDir, name)

	if err := p.finishInstall(subvolPath, name, digest, sig); err != nil {
		p.deleteFailed(subvolPath, name)
		return "", err
	}

	return name, nil
}

func (p *Pipeline) finishInstall(subvolPath, name string, digest *hashstream.Digest, sig *Signature) error {
	id, err := p.Driver.SubvolumeGetID(subvolPath)
	if err != nil {
		return err
	}

	m, err := manifest.Load(subvolPath)
	if err != nil {
		return err
	}

	if !m.Readonly {
		if err := p.Driver.SubvolumeSetRW(subvolPath); err != nil {
			return err
		}
	}

	if err := p.createOverlayTree(name); err != nil {
		return err
	}

	hexDigest, ok := digest.Get()
	if !ok {
		return embuererrors.ErrDigestMissing
	}

	if sig != nil {
		if err := sigverify.Verify(sig.Key, sig.Bytes, hexDigest); err != nil {
			return err
		}
	}

	p.runInstallHook(m, subvolPath, name)

	return p.Driver.SubvolumeSetDefault(id, p.RootfsDir)
}

// createOverlayTree materializes the deployment's sibling Overlay Data Tree
// at deployments_data/<name>/, one {upperdir,workdir} pair per {etc,var,
// root,usr,opt}_overlay. usr_overlay and opt_overlay are created as btrfs
// subvolumes and set read-only once populated; the other three are plain
// directories, since only those two roots are ever bind-mounted read-only
// alongside the deployment's own rootfs.
func (p *Pipeline) createOverlayTree(name string) error {
	base := p.deploymentsDataDir(name)

	for _, d := range overlayDirs {
		if err := mkUpperWorkDirs(filepath.Join(base, d+"_overlay")); err != nil {
			return err
		}
	}

	for _, d := range overlaySubvolumes {
		overlayRoot := filepath.Join(base, d+"_overlay")

		if err := os.MkdirAll(filepath.Dir(overlayRoot), 0755); err != nil {
			return errors.Wrap(embuererrors.ErrBtrfs, err.Error())
		}

		if err := p.Driver.SubvolumeCreate(overlayRoot); err != nil {
			return err
		}

		if err := mkUpperWorkDirs(overlayRoot); err != nil {
			return err
		}

		if err := p.Driver.SubvolumeSetRO(overlayRoot); err != nil {
			return err
		}
	}

	return nil
}

func mkUpperWorkDirs(overlayRoot string) error {
	for _, sub := range []string{"upperdir", "workdir"} {
		if err := os.MkdirAll(filepath.Join(overlayRoot, sub), 0755); err != nil {
			return errors.Wrap(embuererrors.ErrBtrfs, err.Error())
		}
	}

	return nil
}

func (p *Pipeline) runInstallHook(m *manifest.Manifest, subvolPath, name string) {
	hook := m.InstallScriptPath(subvolPath)
	if !manifest.IsExecutable(hook) {
		return
	}

	cmd := exec.Command(hook, p.RootfsDir, p.DeploymentsDir, name, p.BootName)

	if out, err := cmd.CombinedOutput(); err != nil {
		// Non-zero exit is logged, not fatal: the update still succeeds.
		logger.Warn("Install hook exited non-zero", logger.Ctx{
			"deployment": name,
			"hook":       hook,
			"err":        err,
			"output":     string(out),
		})
	}
}

func (p *Pipeline) deleteFailed(subvolPath, name string) {
	if err := p.Driver.SubvolumeDelete(subvolPath); err != nil {
		logger.Error("Failed to delete subvolume after failed install", logger.Ctx{
			"path": subvolPath,
			"err":  err,
		})
	}

	base := p.deploymentsDataDir(name)

	for _, d := range overlaySubvolumes {
		overlayRoot := filepath.Join(base, d+"_overlay")

		if !p.Driver.IsSubvolume(overlayRoot) {
			continue
		}

		if err := p.Driver.SubvolumeSetRW(overlayRoot); err != nil {
			logger.Error("Failed to unset read-only on overlay subvolume during cleanup", logger.Ctx{
				"path": overlayRoot,
				"err":  err,
			})
			continue
		}

		if err := p.Driver.SubvolumeDelete(overlayRoot); err != nil {
			logger.Error("Failed to delete overlay subvolume after failed install", logger.Ctx{
				"path": overlayRoot,
				"err":  err,
			})
		}
	}

	if err := os.RemoveAll(base); err != nil {
		logger.Error("Failed to remove overlay data tree after failed install", logger.Ctx{
			"path": base,
			"err":  err,
		})
	}
}
