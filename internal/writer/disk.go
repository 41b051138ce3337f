package writer

import (
	"log/slog"

	"github.com/shirou/gopsutil/v3/disk"
)

// DiskFreeMB returns the free space, in megabytes, of the filesystem
// holding dir.
func DiskFreeMB(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free / (1024 * 1024), nil
}

// CheckDiskSpace reports whether writing may continue. It queries the
// filesystem at most once per DiskCheckInterval. When free space is below
// the configured minimum it finalizes the open files, raises the shared
// disk-low flag and stops all further writes for the session.
func (s *State) CheckDiskSpace() bool {
	if s.diskStopped {
		return false
	}
	if s.minDiskSpaceMB == 0 {
		return true
	}

	now := s.now()
	if now.Sub(s.lastDiskCheck) < DiskCheckInterval {
		return true
	}
	s.lastDiskCheck = now

	free, err := s.freeSpaceMB(s.outputDir)
	if err != nil {
		slog.Debug("Disk space check failed", "dir", s.outputDir, "error", err)
		return true
	}
	if free >= s.minDiskSpaceMB {
		return true
	}

	slog.Warn("Disk space low, stopping recording",
		"available_mb", free, "required_mb", s.minDiskSpaceMB, "dir", s.outputDir)
	s.diskLow.Store(true)
	s.diskStopped = true
	s.remainder = s.remainder[:0]
	if err := s.FinalizeAll(); err != nil {
		slog.Error("Error finalizing files after disk space warning", "error", err)
	}
	s.observer.DiskStopped()
	return false
}
