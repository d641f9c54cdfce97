package bus

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"

	"github.com/NeroReflex/embuer/internal/btrfs"
	"github.com/NeroReflex/embuer/internal/config"
	"github.com/NeroReflex/embuer/internal/scheduler"
)

// emptyBackend is the minimal btrfs.Backend a bus test needs: just enough to
// let scheduler.New succeed over an empty, otherwise-unused deployment tree.
type emptyBackend struct{}

func (emptyBackend) SubvolumeCreate(string) error                     { return nil }
func (emptyBackend) SubvolumeDelete(string) error                     { return nil }
func (emptyBackend) SubvolumeSetRO(string) error                      { return nil }
func (emptyBackend) SubvolumeSetRW(string) error                      { return nil }
func (emptyBackend) SubvolumeSetDefault(uint64, string) error         { return nil }
func (emptyBackend) SubvolumeGetDefault(string) (uint64, error)       { return 0, nil }
func (emptyBackend) SubvolumeGetID(string) (uint64, error)            { return 0, nil }
func (emptyBackend) IsSubvolume(string) bool                          { return false }
func (emptyBackend) ListDeploymentSubvolumes(string) ([]btrfs.Deployment, error) {
	return nil, nil
}

func (emptyBackend) Receive(ctx context.Context, destination string, reader io.Reader) (string, error) {
	return "", nil
}

var _ btrfs.Backend = emptyBackend{}

func newTestService(t *testing.T) *Service {
	t.Helper()

	rootfs := t.TempDir()
	deployments := filepath.Join(rootfs, "deployments")
	require.NoError(t, os.MkdirAll(deployments, 0755))

	cfg := &config.Config{RootfsDir: rootfs, DeploymentsDir: deployments}

	sched, err := scheduler.New(cfg, emptyBackend{}, nil)
	require.NoError(t, err)

	return &Service{scheduler: sched}
}

// fakeConn records Emit calls instead of talking to a real system bus.
type fakeConn struct {
	emits [][]interface{}
}

func (f *fakeConn) Export(v interface{}, path dbus.ObjectPath, iface string) error { return nil }
func (f *fakeConn) RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error) {
	return dbus.RequestNameReplyPrimaryOwner, nil
}

func (f *fakeConn) Emit(path dbus.ObjectPath, iface string, args ...interface{}) error {
	f.emits = append(f.emits, args)
	return nil
}

func TestGetUpdateStatusReflectsSchedulerState(t *testing.T) {
	svc := newTestService(t)

	kind, details, progress, dErr := svc.GetUpdateStatus()
	require.Nil(t, dErr)
	require.Equal(t, "Idle", kind)
	require.Equal(t, "", details)
	require.Equal(t, int32(0), progress)
}

func TestGetBootInfoReflectsCapturedRecord(t *testing.T) {
	svc := newTestService(t)

	id, name, dErr := svc.GetBootInfo()
	require.Nil(t, dErr)
	require.Equal(t, uint64(0), id)
	require.Equal(t, "", name)
}

func TestGetPendingUpdateEmptyWhenNonePending(t *testing.T) {
	svc := newTestService(t)

	version, changelog, source, dErr := svc.GetPendingUpdate()
	require.Nil(t, dErr)
	require.Equal(t, "", version)
	require.Equal(t, "", changelog)
	require.Equal(t, "", source)
}

func TestConfirmUpdateFailsWhenNothingPending(t *testing.T) {
	svc := newTestService(t)

	reply, dErr := svc.ConfirmUpdate(true)
	require.NotNil(t, dErr)
	require.Equal(t, "", reply)
}

func TestRunSignalEmitterStopsOnContextCancel(t *testing.T) {
	svc := newTestService(t)
	conn := &fakeConn{}

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunSignalEmitter(ctx, conn, svc.scheduler)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSignalEmitter did not return after context cancellation")
	}
}
