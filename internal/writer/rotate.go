package writer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/audiolibrelab/blackbox/internal/errs"
	"github.com/audiolibrelab/blackbox/internal/silence"
)

// Rotate closes the current file set, renames it into place and opens a new
// one. A file whose encoder fails to close keeps its temporary name. Silence
// analysis of the closed files runs in the background so draining can resume
// immediately. A replacement file that cannot be created
// is logged and skipped. Rotation does nothing once disk space ran out.
func (s *State) Rotate() {
	if s.diskStopped {
		slog.Debug("Skipping rotation, writing stopped on low disk space")
		return
	}
	slog.Info("Rotating recording files", "files", len(s.pending))

	old := s.pending
	s.pending = nil
	failed := make(map[string]bool)
	for _, w := range s.openWriters() {
		if err := w.close(); err != nil {
			slog.Error("Error finalizing file during rotation", "file", w.tmp, "error", err)
			failed[w.tmp] = true
		}
	}
	s.writer = nil
	s.splitWriters = nil

	finals, renameErrs := s.renamePending(old, failed)
	for _, err := range renameErrs {
		slog.Error("Error renaming file during rotation", "error", err)
	}

	if s.silenceThreshold > 0 && len(finals) > 0 {
		threshold := s.silenceThreshold
		s.silenceW.Add(1)
		go func() {
			defer s.silenceW.Done()
			s.deleteSilent(finals, threshold)
		}()
	}

	s.applySnapshot()
	s.openFiles(false)
	s.observer.Rotated()
}

// applySnapshot takes the rotation-time settings, ignoring invalid ones.
func (s *State) applySnapshot() {
	if s.snapshot == nil {
		return
	}
	snap := s.snapshot()
	if snap == nil {
		return
	}

	mode, err := ParseOutputMode(snap.Mode)
	if err == nil {
		err = validateChannels(snap.Channels)
	}
	if err != nil {
		slog.Warn("Ignoring invalid settings at rotation", "error", err)
		return
	}

	if mode != s.mode || !slices.Equal(snap.Channels, s.channels) || snap.SilenceThreshold != s.silenceThreshold {
		slog.Info("Applying new recording settings",
			"mode", mode, "channels", snap.Channels, "silence_threshold", snap.SilenceThreshold)
	}
	s.mode = mode
	s.channels = append(s.channels[:0], snap.Channels...)
	s.silenceThreshold = snap.SilenceThreshold
}

// FinalizeAll closes every open encoder, renames the finished files into
// place and deletes the silent ones before returning. Every file is attempted
// even after a failure; all failures are returned joined. A file whose
// encoder failed keeps its temporary name. Calling it again is a no-op.
func (s *State) FinalizeAll() error {
	var errList []error
	failed := make(map[string]bool)
	for _, w := range s.openWriters() {
		if err := w.close(); err != nil {
			errList = append(errList, err)
			failed[w.tmp] = true
		}
	}
	s.writer = nil
	s.splitWriters = nil

	pending := s.pending
	s.pending = nil
	finals, renameErrs := s.renamePending(pending, failed)
	errList = append(errList, renameErrs...)

	if s.silenceThreshold > 0 && len(finals) > 0 {
		s.deleteSilent(finals, s.silenceThreshold)
	}
	return errors.Join(errList...)
}

// renamePending moves each temporary file to its final name, skipping
// missing files and the ones listed in skip.
func (s *State) renamePending(files []pendingFile, skip map[string]bool) ([]string, []error) {
	var finals []string
	var errList []error
	for _, p := range files {
		if skip[p.tmp] {
			continue
		}
		if _, err := os.Stat(p.tmp); err != nil {
			slog.Debug("Temporary file missing, skipping rename", "file", p.tmp)
			continue
		}
		if err := os.Rename(p.tmp, p.final); err != nil {
			errList = append(errList, fmt.Errorf("%w: failed to rename %s: %v", errs.ErrIO, p.tmp, err))
			continue
		}
		slog.Info("Finalized recording", "file", p.final)
		s.observer.FileFinalized(p.final)
		finals = append(finals, p.final)
	}
	return finals, errList
}

func (s *State) deleteSilent(files []string, threshold float64) {
	for _, path := range silence.CheckAndDelete(files, threshold) {
		s.observer.FileDeleted(path)
	}
}
