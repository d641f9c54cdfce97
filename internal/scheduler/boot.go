package scheduler

import (
	"github.com/NeroReflex/embuer/internal/btrfs"
	"github.com/NeroReflex/embuer/internal/logger"
)

// BootRecord is captured once at service startup: (boot_id, boot_name),
// where boot_id is the filesystem's default subvolume id at that moment and
// boot_name is the deployment name mapping to it. It is immutable for the
// service's lifetime; the deployment it identifies is the running system
// and is never deleted, regardless of subsequent changes to the default
// subvolume.
type BootRecord struct {
	ID   uint64
	Name string
}

// captureBootRecord resolves the current default subvolume id and the
// deployment name mapping to it. If no deployment matches (e.g. the running
// system's subvolume lives outside deploymentsDir, as on first boot from a
// bootstrap install), Name is left empty but ID is still recorded so GC can
// still protect it by id.
func captureBootRecord(driver btrfs.Backend, rootfsDir, deploymentsDir string) (BootRecord, error) {
	id, err := driver.SubvolumeGetDefault(rootfsDir)
	if err != nil {
		return BootRecord{}, err
	}

	deployments, err := driver.ListDeploymentSubvolumes(deploymentsDir)
	if err != nil {
		return BootRecord{}, err
	}

	record := BootRecord{ID: id}

	for _, d := range deployments {
		if d.SubvolID == id {
			record.Name = d.Name
			break
		}
	}

	logger.Info("Captured boot record", logger.Ctx{"boot_id": record.ID, "boot_name": record.Name})

	return record, nil
}
