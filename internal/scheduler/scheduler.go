// Package scheduler owns the single update request queue, the status state
// machine, pending-confirmation state, and the deployment garbage
// collector. It is the core of the embuer update service.
package scheduler

import (
	"archive/tar"
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/NeroReflex/embuer/internal/btrfs"
	"github.com/NeroReflex/embuer/internal/config"
	"github.com/NeroReflex/embuer/internal/embuererrors"
	"github.com/NeroReflex/embuer/internal/logger"
	"github.com/NeroReflex/embuer/internal/pipeline"
	"github.com/NeroReflex/embuer/internal/progressstream"
	"github.com/NeroReflex/embuer/internal/sigverify"
	"github.com/NeroReflex/embuer/internal/status"
)

const requestQueueCapacity = 10

// Scheduler processes UpdateRequests strictly in arrival order, at most one
// active at a time, and owns the status and pending-update slots.
type Scheduler struct {
	cfg        *config.Config
	driver     btrfs.Backend
	publicKey  *sigverify.PublicKey
	bootRecord BootRecord
	httpClient *http.Client

	requests chan Request
	confirm  chan bool

	mu      sync.RWMutex
	current status.Status
	pending *status.Pending

	// updateAlreadyOccurred lets the URL poller avoid re-enqueueing once a
	// successful update has happened this run. Read from the poller's cron
	// goroutine and written from the run loop, so it is an atomic rather
	// than a plain bool.
	updateAlreadyOccurred atomic.Bool
}

// UpdateAlreadyOccurred reports whether a successful install has completed
// since the scheduler started, for the poller to avoid re-enqueueing.
func (s *Scheduler) UpdateAlreadyOccurred() bool {
	return s.updateAlreadyOccurred.Load()
}

// New constructs a Scheduler. publicKey may be nil if signature
// verification is not configured (tests only; production config requires
// public_key_pem).
func New(cfg *config.Config, driver btrfs.Backend, publicKey *sigverify.PublicKey) (*Scheduler, error) {
	record, err := captureBootRecord(driver, cfg.RootfsDir, cfg.DeploymentsDir)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		cfg:        cfg,
		driver:     driver,
		publicKey:  publicKey,
		bootRecord: record,
		httpClient: &http.Client{},
		requests:   make(chan Request, requestQueueCapacity),
		confirm:    make(chan bool, 1),
		current:    status.Status{Kind: status.Idle},
	}, nil
}

// BootInfo returns the immutable boot record captured at startup.
func (s *Scheduler) BootInfo() BootRecord {
	return s.bootRecord
}

// Status takes a short read lease and returns a snapshot of the current
// status.
func (s *Scheduler) Status() status.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// Pending takes a short read lease and returns a snapshot of the pending
// update, or nil if none is set.
func (s *Scheduler) Pending() *status.Pending {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pending == nil {
		return nil
	}

	p := *s.pending
	return &p
}

// EnqueueFile queues a local-file UpdateRequest.
func (s *Scheduler) EnqueueFile(ctx context.Context, path string) error {
	return s.enqueue(ctx, fileSource(path))
}

// EnqueueURL queues a URL UpdateRequest.
func (s *Scheduler) EnqueueURL(ctx context.Context, url string) error {
	return s.enqueue(ctx, urlSource(url))
}

func (s *Scheduler) enqueue(ctx context.Context, src Source) error {
	if err := src.validate(); err != nil {
		return err
	}

	select {
	case s.requests <- Request{Source: src}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConfirmUpdate validates that a confirmation is actually expected, then
// sends the decision. Either precondition failing produces ErrInvalidState
// and has no side effects.
func (s *Scheduler) ConfirmUpdate(accept bool) error {
	s.mu.RLock()
	valid := s.current.Kind == status.AwaitingConfirmation && s.pending != nil
	s.mu.RUnlock()

	if !valid {
		return embuererrors.ErrInvalidState
	}

	select {
	case s.confirm <- accept:
		return nil
	default:
		return embuererrors.ErrInvalidState
	}
}

// Run drives the request loop until ctx is cancelled or the request
// channel is closed, whichever happens first. In-flight installs always
// run to completion; there is no mid-stream cancellation.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case req, ok := <-s.requests:
			if !ok {
				return
			}

			s.process(ctx, req)
		case <-ctx.Done():
			s.drainAndExit()
			return
		}
	}
}

// drainAndExit processes whatever is already queued before the loop exits,
// per the termination protocol: closing the request channel drains queued
// requests rather than discarding them.
func (s *Scheduler) drainAndExit() {
	for {
		select {
		case req, ok := <-s.requests:
			if !ok {
				return
			}

			s.process(context.Background(), req)
		default:
			return
		}
	}
}

func (s *Scheduler) setStatus(st status.Status) {
	s.mu.Lock()
	s.current = st
	s.mu.Unlock()
}

func (s *Scheduler) setAwaitingConfirmation(version, source string, changelog string) {
	s.mu.Lock()
	s.current = status.Status{Kind: status.AwaitingConfirmation, Version: version, Source: source}
	s.pending = &status.Pending{Version: version, Changelog: changelog, Source: source}
	s.mu.Unlock()
}

func (s *Scheduler) clearPending(next status.Status) {
	s.mu.Lock()
	s.current = next
	s.pending = nil
	s.mu.Unlock()
}

func (s *Scheduler) process(ctx context.Context, req Request) {
	source := req.Source.String()

	s.setStatus(status.Status{Kind: status.Checking})

	reader, _, err := s.openSource(ctx, req.Source)
	if err != nil {
		if errors.Cause(err) == embuererrors.ErrNoUpdateAvailable {
			s.setStatus(status.Status{Kind: status.Idle})
			return
		}

		s.setStatus(status.Status{Kind: status.Failed, Source: source, Error: err.Error()})
		return
	}
	defer func() { _ = reader.Close() }()

	deployment, err := s.installFromArchive(ctx, source, reader)
	if err != nil {
		s.setStatus(status.Status{Kind: status.Failed, Source: source, Error: err.Error()})
		return
	}

	if deployment == "" {
		// Confirmation was rejected; installFromArchive already set
		// Failed and cleared pending.
		return
	}

	s.setStatus(status.Status{Kind: status.Clearing})

	deleted := s.garbageCollect(s.bootRecord.ID, s.mustDefaultID())

	logger.Info("GC complete", logger.Ctx{"deleted": deleted})

	s.updateAlreadyOccurred.Store(true)

	s.setStatus(status.Status{Kind: status.Completed, Source: source, Deployment: deployment})
}

func (s *Scheduler) mustDefaultID() uint64 {
	id, err := s.driver.SubvolumeGetDefault(s.cfg.RootfsDir)
	if err != nil {
		logger.Error("Failed to read default subvolume id after install", logger.Ctx{"err": err})
		return 0
	}

	return id
}

// openSource opens req as a tar archive. A URL is fetched via HTTP GET; a
// non-2xx response is ErrNoUpdateAvailable, not a hard error. A local file
// is opened directly. The second return value is the archive's total size:
// the file size, or the response's Content-Length (-1 when unknown). process
// does not use it; progress is computed from the update.btrfs.xz entry size.
func (s *Scheduler) openSource(ctx context.Context, src Source) (io.ReadCloser, int64, error) {
	if src.File != "" {
		f, err := os.Open(src.File)
		if err != nil {
			return nil, 0, errors.Wrap(err, "open update file")
		}

		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, 0, errors.Wrap(err, "stat update file")
		}

		return f, info.Size(), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, 0, errors.Wrap(err, "build update request")
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, errors.Wrap(err, "fetch update")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, 0, embuererrors.ErrNoUpdateAvailable
	}

	return resp.Body, resp.ContentLength, nil
}

// installFromArchive iterates the tar archive in entry order, requiring
// CHANGELOG and update.signature to precede update.btrfs.xz. It returns the
// new deployment's name, or "" if the user rejected a pending confirmation
// (Failed has already been published in that case).
func (s *Scheduler) installFromArchive(ctx context.Context, source string, r io.Reader) (string, error) {
	tr := tar.NewReader(r)

	var changelog string
	var signature []byte
	var haveChangelog, haveSignature bool

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return "", errors.New("archive is missing update.btrfs.xz")
		}

		if err != nil {
			return "", errors.Wrap(err, "read archive")
		}

		switch hdr.Name {
		case "CHANGELOG":
			data, err := io.ReadAll(tr)
			if err != nil {
				return "", errors.Wrap(err, "read CHANGELOG")
			}

			changelog = string(data)
			haveChangelog = true

		case "update.signature":
			data, err := io.ReadAll(tr)
			if err != nil {
				return "", errors.Wrap(err, "read update.signature")
			}

			signature = data
			haveSignature = true

		case "update.btrfs.xz":
			if !haveChangelog || !haveSignature {
				return "", embuererrors.ErrArchiveOrder
			}

			return s.installStream(ctx, source, tr, hdr.Size, changelog, signature)

		default:
			// Unknown entries are ignored; the bundle format names
			// exactly these three.
		}
	}
}

func (s *Scheduler) installStream(ctx context.Context, source string, stream io.Reader, size int64, changelog string, signature []byte) (string, error) {
	if !s.cfg.AutoInstallUpdates {
		version := extractVersion(changelog)

		s.setAwaitingConfirmation(version, source, changelog)

		accept, ok := <-s.confirm
		if !ok || !accept {
			s.clearPending(status.Status{Kind: status.Failed, Source: source, Error: "Update rejected by user"})
			return "", nil
		}

		s.clearPending(status.Status{Kind: status.Installing, Source: source, Progress: 0})
	} else {
		s.setStatus(status.Status{Kind: status.Installing, Source: source, Progress: 0})
	}

	progressed := progressstream.New(stream, size, func(snap progressstream.Snapshot) {
		s.setStatus(status.Status{Kind: status.Installing, Source: source, Progress: snap.Percent()})
	})

	p := &pipeline.Pipeline{
		RootfsDir:      s.cfg.RootfsDir,
		DeploymentsDir: s.cfg.DeploymentsDir,
		BootName:       s.bootRecord.Name,
		Driver:         s.driver,
	}

	var sig *pipeline.Signature
	if s.publicKey != nil {
		sig = &pipeline.Signature{Key: s.publicKey, Bytes: signature}
	}

	return p.Install(ctx, progressed, sig)
}
