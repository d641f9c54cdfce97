// Package embuererrors defines the sentinel error taxonomy shared by the
// embuer daemon. Low-level causes are attached with github.com/pkg/errors so
// that errors.Cause recovers the sentinel for status rendering while the
// original error is preserved for logging.
package embuererrors

import "github.com/pkg/errors"

// Sentinel errors. Wrap with errors.Wrap(ErrX, "detail") or
// errors.Wrap(err, "detail") as appropriate; errors.Cause unwraps back to
// the sentinel (or the original low-level error, if no sentinel applies).
var (
	// ErrMissingPrivileges is fatal at startup: the process is not running
	// with administrative privilege.
	ErrMissingPrivileges = errors.New("missing administrative privileges")

	// ErrMissingConfiguration signals that no config file was found at
	// either candidate path. Not fatal: defaults apply.
	ErrMissingConfiguration = errors.New("missing configuration file")

	// ErrMissingRootfsDir is fatal at startup.
	ErrMissingRootfsDir = errors.New("rootfs directory does not exist")

	// ErrMissingDeploymentsDir is fatal at startup.
	ErrMissingDeploymentsDir = errors.New("deployments directory does not exist")

	// ErrBus wraps a transport failure on the system bus.
	ErrBus = errors.New("bus error")

	// ErrBtrfs signals that the btrfs administration tool reported an
	// error or produced output this driver could not parse.
	ErrBtrfs = errors.New("btrfs error")

	// ErrPublicKeyImport signals a failure loading/parsing the PEM public
	// key.
	ErrPublicKeyImport = errors.New("public key import failed")

	// ErrPkcs1 wraps a PKCS#1 v1.5 verification failure.
	ErrPkcs1 = errors.New("pkcs1 verification failed")

	// ErrJSONDeserialize wraps a config or manifest JSON parse failure.
	ErrJSONDeserialize = errors.New("json deserialize failed")

	// ErrNoUpdateAvailable is not a failure: it signals a non-2xx HTTP
	// response from an update URL, which transitions the scheduler back
	// to Idle instead of Failed.
	ErrNoUpdateAvailable = errors.New("no update available")

	// ErrInvalidState signals confirm_update was called with no update
	// pending, or while the status is not AwaitingConfirmation.
	ErrInvalidState = errors.New("invalid state")

	// ErrArchiveOrder signals that update.btrfs.xz was encountered before
	// CHANGELOG and update.signature had both been read.
	ErrArchiveOrder = errors.New("archive entries out of order")

	// ErrManifestMissing signals a received subvolume has no manifest, or
	// a malformed one.
	ErrManifestMissing = errors.New("manifest missing or malformed")

	// ErrDigestMissing signals the hashing reader never finalized a
	// digest (reading stopped before the source returned EOF or an error).
	ErrDigestMissing = errors.New("digest not finalized")

	// ErrReceiveFailed signals btrfs receive did not report a created
	// subvolume name.
	ErrReceiveFailed = errors.New("btrfs receive did not report a subvolume name")
)
