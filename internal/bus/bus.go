// Package bus adapts the scheduler to the system message bus. It maps the
// external RPC surface (spec §6) onto Scheduler calls and emits a
// status-change signal on a ~200ms sampling cadence, suppressing repeats of
// an identical (status, details, progress) triple.
//
// The system-bus connection uses github.com/godbus/dbus/v5, the de facto
// standard Go D-Bus binding.
package bus

import (
	"context"
	"os"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/NeroReflex/embuer/internal/embuererrors"
	"github.com/NeroReflex/embuer/internal/logger"
	"github.com/NeroReflex/embuer/internal/scheduler"
	"github.com/NeroReflex/embuer/internal/status"
)

const (
	busName      = "org.neroreflex.embuer"
	objectPath   = "/org/neroreflex/embuer"
	ifaceName    = "org.neroreflex.embuer1"
	signalSample = 200 * time.Millisecond
)

// Service implements the exported D-Bus methods. Each exported method must
// have the (reply..., *dbus.Error) signature godbus expects.
type Service struct {
	scheduler *scheduler.Scheduler
}

// Conn is the subset of *dbus.Conn this package uses, so tests can supply a
// fake.
type Conn interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	Emit(path dbus.ObjectPath, iface string, args ...interface{}) error
}

// New requires administrative privilege, then connects to the system bus,
// exports the Service, and requests the well-known bus name.
func New(sched *scheduler.Scheduler) (*Service, Conn, error) {
	if os.Geteuid() != 0 {
		return nil, nil, embuererrors.ErrMissingPrivileges
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, nil, errors.Wrap(embuererrors.ErrBus, err.Error())
	}

	svc := &Service{scheduler: sched}

	if err := conn.Export(svc, objectPath, ifaceName); err != nil {
		return nil, nil, errors.Wrap(embuererrors.ErrBus, err.Error())
	}

	reply, err := conn.RequestName(busName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return nil, nil, errors.Wrap(embuererrors.ErrBus, err.Error())
	}

	if reply != dbus.RequestNameReplyPrimaryOwner {
		return nil, nil, errors.Wrap(embuererrors.ErrBus, "bus name already owned")
	}

	return svc, conn, nil
}

// InstallUpdateFromFile queues a file-based update and returns an opaque
// acknowledgement token generated with google/uuid.
func (s *Service) InstallUpdateFromFile(path string) (string, *dbus.Error) {
	token := uuid.New().String()

	if err := s.scheduler.EnqueueFile(context.Background(), path); err != nil {
		return "", dbus.MakeFailedError(err)
	}

	logger.Info("Queued file install", logger.Ctx{"token": token, "path": path})

	return token, nil
}

// InstallUpdateFromURL queues a URL-based update and returns an opaque
// acknowledgement token.
func (s *Service) InstallUpdateFromURL(url string) (string, *dbus.Error) {
	token := uuid.New().String()

	if err := s.scheduler.EnqueueURL(context.Background(), url); err != nil {
		return "", dbus.MakeFailedError(err)
	}

	logger.Info("Queued URL install", logger.Ctx{"token": token, "url": url})

	return token, nil
}

// GetUpdateStatus returns (status, details, progress).
func (s *Service) GetUpdateStatus() (string, string, int32, *dbus.Error) {
	st := s.scheduler.Status()
	return st.Kind.String(), st.Details(), int32(st.Progress), nil
}

// GetBootInfo returns (id, name).
func (s *Service) GetBootInfo() (uint64, string, *dbus.Error) {
	info := s.scheduler.BootInfo()
	return info.ID, info.Name, nil
}

// GetPendingUpdate returns (version, changelog, source).
func (s *Service) GetPendingUpdate() (string, string, string, *dbus.Error) {
	p := s.scheduler.Pending()
	if p == nil {
		return "", "", "", nil
	}

	return p.Version, p.Changelog, p.Source, nil
}

// ConfirmUpdate accepts or rejects a pending update.
func (s *Service) ConfirmUpdate(accept bool) (string, *dbus.Error) {
	if err := s.scheduler.ConfirmUpdate(accept); err != nil {
		return "", dbus.MakeFailedError(err)
	}

	return "ok", nil
}

// RunSignalEmitter samples the scheduler's status every ~200ms and emits
// update_status_changed whenever the (status, details, progress) triple
// changes. It runs until ctx is cancelled.
func RunSignalEmitter(ctx context.Context, conn Conn, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(signalSample)
	defer ticker.Stop()

	var last status.Status
	haveLast := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := sched.Status()

			if haveLast && current.Equal(last) {
				continue
			}

			last = current
			haveLast = true

			err := conn.Emit(objectPath, ifaceName+".update_status_changed",
				current.Kind.String(), current.Details(), int32(current.Progress))
			if err != nil {
				logger.Warn("Failed to emit status signal", logger.Ctx{"err": err})
			}
		}
	}
}
