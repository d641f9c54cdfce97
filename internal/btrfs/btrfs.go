// Package btrfs is a thin, synchronous wrapper around the host's btrfs
// administration tool (the "btrfs" binary): subvolume create/delete,
// read-only toggling, default-subvolume management, and receiving a send
// stream. Every piped child process has its standard streams drained
// concurrently so it can never deadlock on pipe back-pressure.
package btrfs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/NeroReflex/embuer/internal/embuererrors"
	"github.com/NeroReflex/embuer/internal/logger"
)

// btrfsSuperMagic is the statfs f_type value for a btrfs filesystem.
const btrfsSuperMagic = 0x9123683E

// Well-known subvolume root inode numbers.
const (
	subvolRootInode1 = 2
	subvolRootInode2 = 256
)

var subvolIDRegexp = regexp.MustCompile(`Subvolume ID:\s*(\d+)`)
var receivedSubvolRegexp = regexp.MustCompile(`At subvol (.+)$`)

// Deployment describes one immediate child of a deployments directory that
// was confirmed to be a btrfs subvolume.
type Deployment struct {
	Name     string
	SubvolID uint64
	Path     string
}

// Backend is the subset of Driver the install pipeline and scheduler
// depend on. Depending on this interface rather than the concrete *Driver
// lets tests substitute a fake filesystem without a real btrfs volume.
type Backend interface {
	SubvolumeCreate(path string) error
	SubvolumeDelete(path string) error
	SubvolumeSetRO(path string) error
	SubvolumeSetRW(path string) error
	SubvolumeSetDefault(id uint64, rootfs string) error
	SubvolumeGetDefault(rootfs string) (uint64, error)
	SubvolumeGetID(path string) (uint64, error)
	IsSubvolume(path string) bool
	ListDeploymentSubvolumes(deploymentsDir string) ([]Deployment, error)
	Receive(ctx context.Context, destination string, reader io.Reader) (string, error)
}

var _ Backend = (*Driver)(nil)

// Driver wraps the btrfs administration tool. It is internally stateless
// beyond the version string captured at construction.
type Driver struct {
	binary  string
	version string
}

// New probes the btrfs binary's version. Failure is fatal for the service.
func New() (*Driver, error) {
	return NewWithBinary("btrfs")
}

// NewWithBinary is New with an explicit binary path, for testing.
func NewWithBinary(binary string) (*Driver, error) {
	out, err := exec.Command(binary, "--version").CombinedOutput()
	if err != nil {
		return nil, errors.Wrap(embuererrors.ErrBtrfs, "probe btrfs version: "+err.Error())
	}

	version := strings.TrimSpace(string(out))

	logger.Info("btrfs tool probed", logger.Ctx{"version": version})

	return &Driver{binary: binary, version: version}, nil
}

// Version returns the probed version string.
func (d *Driver) Version() string {
	return d.version
}

func (d *Driver) run(args ...string) (string, error) {
	out, err := exec.Command(d.binary, args...).CombinedOutput()
	if err != nil {
		logger.Debug("btrfs command failed", logger.Ctx{"args": args, "output": string(out)})
		return string(out), errors.Wrap(embuererrors.ErrBtrfs, fmt.Sprintf("%s: %s", strings.Join(args, " "), string(out)))
	}

	return string(out), nil
}

// SubvolumeCreate creates a new, empty subvolume at path.
func (d *Driver) SubvolumeCreate(path string) error {
	_, err := d.run("subvolume", "create", path)
	return err
}

// SubvolumeDelete deletes the subvolume at path. Fails if the subvolume is
// currently the default or is mounted.
func (d *Driver) SubvolumeDelete(path string) error {
	_, err := d.run("subvolume", "delete", path)
	return err
}

// SubvolumeSetRO flips the read-only property on, confirming the resulting
// state. A no-op if already read-only.
func (d *Driver) SubvolumeSetRO(path string) error {
	return d.setProperty(path, true)
}

// SubvolumeSetRW flips the read-only property off, confirming the resulting
// state. A no-op if already read-write.
func (d *Driver) SubvolumeSetRW(path string) error {
	return d.setProperty(path, false)
}

func (d *Driver) setProperty(path string, wantRO bool) error {
	current, err := d.isReadOnly(path)
	if err != nil {
		return err
	}

	if current == wantRO {
		return nil
	}

	value := "false"
	if wantRO {
		value = "true"
	}

	if _, err := d.run("property", "set", "-ts", path, "ro", value); err != nil {
		return err
	}

	got, err := d.isReadOnly(path)
	if err != nil {
		return err
	}

	if got != wantRO {
		return errors.Wrapf(embuererrors.ErrBtrfs, "read-only property of %s did not change", path)
	}

	return nil
}

func (d *Driver) isReadOnly(path string) (bool, error) {
	out, err := d.run("property", "get", "-ts", path, "ro")
	if err != nil {
		return false, err
	}

	return strings.Contains(out, "ro=true"), nil
}

// SubvolumeSetDefault sets id as the default subvolume for the next boot.
func (d *Driver) SubvolumeSetDefault(id uint64, rootfs string) error {
	_, err := d.run("subvolume", "set-default", strconv.FormatUint(id, 10), rootfs)
	return err
}

// SubvolumeGetDefault returns the current default subvolume id.
func (d *Driver) SubvolumeGetDefault(rootfs string) (uint64, error) {
	out, err := d.run("subvolume", "get-default", rootfs)
	if err != nil {
		return 0, err
	}

	m := subvolIDRegexp.FindStringSubmatch(out)
	if m == nil {
		return 0, errors.Wrapf(embuererrors.ErrBtrfs, "could not parse default subvolume id from %q", out)
	}

	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, errors.Wrap(embuererrors.ErrBtrfs, err.Error())
	}

	return id, nil
}

// SubvolumeGetID requires IsSubvolume(path) to hold; it parses "Subvolume
// ID:" out of the administrative show output.
func (d *Driver) SubvolumeGetID(path string) (uint64, error) {
	if !d.IsSubvolume(path) {
		return 0, errors.Wrapf(embuererrors.ErrBtrfs, "%s is not a btrfs subvolume", path)
	}

	out, err := d.run("subvolume", "show", path)
	if err != nil {
		return 0, err
	}

	m := subvolIDRegexp.FindStringSubmatch(out)
	if m == nil {
		return 0, errors.Wrapf(embuererrors.ErrBtrfs, "could not parse subvolume id from %q", out)
	}

	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, errors.Wrap(embuererrors.ErrBtrfs, err.Error())
	}

	return id, nil
}

// IsSubvolume reports whether path is a btrfs subvolume root: its
// filesystem must be btrfs and its inode number must be one of the
// well-known subvolume root inodes (2 or 256).
func (d *Driver) IsSubvolume(path string) bool {
	var statfs syscall.Statfs_t
	if err := syscall.Statfs(path, &statfs); err != nil {
		return false
	}

	// int32/int64 differ by platform; compare as int64 after widening.
	if int64(statfs.Type) != btrfsSuperMagic {
		return false
	}

	var stat syscall.Stat_t
	if err := syscall.Stat(path, &stat); err != nil {
		return false
	}

	return stat.Ino == subvolRootInode1 || stat.Ino == subvolRootInode2
}

// ListDeploymentSubvolumes reads the immediate children of deploymentsDir,
// filters to directories that are subvolumes, and resolves each one's id.
func (d *Driver) ListDeploymentSubvolumes(deploymentsDir string) ([]Deployment, error) {
	entries, err := readDirNames(deploymentsDir)
	if err != nil {
		return nil, errors.Wrap(embuererrors.ErrBtrfs, err.Error())
	}

	var deployments []Deployment

	for _, name := range entries {
		path := joinPath(deploymentsDir, name)

		if !d.IsSubvolume(path) {
			continue
		}

		id, err := d.SubvolumeGetID(path)
		if err != nil {
			logger.Warn("Skipping unreadable deployment subvolume", logger.Ctx{"path": path, "err": err})
			continue
		}

		deployments = append(deployments, Deployment{Name: name, SubvolID: id, Path: path})
	}

	return deployments, nil
}

// Receive spawns "btrfs receive -e <destination>", pipes reader into its
// standard input, and concurrently drains its diagnostic stream looking for
// a line of the form "At subvol <name>". It returns the created subvolume
// name, or ErrReceiveFailed if no such line appeared. Concurrently draining
// both the input copy and the diagnostic stream prevents deadlock on pipe
// back-pressure; closing the input stream signals EOF to the tool.
func (d *Driver) Receive(ctx context.Context, destination string, reader io.Reader) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, "receive", "-e", destination)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", errors.Wrap(embuererrors.ErrBtrfs, err.Error())
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", errors.Wrap(embuererrors.ErrBtrfs, err.Error())
	}

	if err := cmd.Start(); err != nil {
		return "", errors.Wrap(embuererrors.ErrBtrfs, err.Error())
	}

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer func() { _ = stdin.Close() }()

		_, err := io.Copy(stdin, reader)
		// A broken pipe here usually just means receive exited (or
		// failed) early; that is not the primary error, receive's own
		// exit status is, so it is not returned from this goroutine.
		if err != nil && !errors.Is(err, syscall.EPIPE) {
			logger.Debug("btrfs receive input copy ended", logger.Ctx{"err": err})
		}

		return nil
	})

	var subvolName string

	g.Go(func() error {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()

			logger.Debug("btrfs receive", logger.Ctx{"line": line})

			if m := receivedSubvolRegexp.FindStringSubmatch(line); m != nil {
				subvolName = strings.TrimSpace(m[1])
			}
		}

		return scanner.Err()
	})

	if err := g.Wait(); err != nil {
		_ = cmd.Wait()
		return "", errors.Wrap(embuererrors.ErrBtrfs, err.Error())
	}

	if err := cmd.Wait(); err != nil {
		return "", errors.Wrap(embuererrors.ErrBtrfs, err.Error())
	}

	if subvolName == "" {
		return "", embuererrors.ErrReceiveFailed
	}

	return subvolName, nil
}

func readDirNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return f.Readdirnames(-1)
}

func joinPath(elems ...string) string {
	return filepath.Join(elems...)
}
