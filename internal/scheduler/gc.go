package scheduler

import (
	"os/exec"

	"github.com/NeroReflex/embuer/internal/logger"
	"github.com/NeroReflex/embuer/internal/manifest"
)

// garbageCollect runs after a successful install, before Completed is
// published. It enumerates deployment subvolumes and deletes every one
// whose id is neither bootID nor currentDefaultID, running each one's
// uninstall hook first if present. It returns the number of deployments
// successfully deleted; individual failures are logged and skipped so one
// bad deployment never poisons the rest of the sweep.
func (s *Scheduler) garbageCollect(bootID, currentDefaultID uint64) int {
	deployments, err := s.driver.ListDeploymentSubvolumes(s.cfg.DeploymentsDir)
	if err != nil {
		logger.Error("GC: failed to list deployments", logger.Ctx{"err": err})
		return 0
	}

	deleted := 0

	for _, d := range deployments {
		if d.SubvolID == bootID || d.SubvolID == currentDefaultID {
			continue
		}

		s.runUninstallHook(d.Path, d.Name)

		if err := s.driver.SubvolumeDelete(d.Path); err != nil {
			logger.Warn("GC: failed to delete deployment", logger.Ctx{"name": d.Name, "err": err})
			continue
		}

		deleted++
	}

	return deleted
}

func (s *Scheduler) runUninstallHook(subvolPath, name string) {
	m, err := manifest.Load(subvolPath)
	if err != nil {
		// No manifest, no hook to run; deletion proceeds regardless.
		return
	}

	hook := m.UninstallScriptPath(subvolPath)
	if !manifest.IsExecutable(hook) {
		return
	}

	cmd := exec.Command(hook, s.cfg.RootfsDir, s.cfg.DeploymentsDir, name)

	if out, err := cmd.CombinedOutput(); err != nil {
		logger.Warn("GC: uninstall hook exited non-zero", logger.Ctx{
			"deployment": name,
			"hook":       hook,
			"err":        err,
			"output":     string(out),
		})
	}
}
