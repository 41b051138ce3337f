// Package silence decides whether a finished WAV file carries any signal and
// removes the files that do not.
package silence

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/blackbox/internal/errs"
)

// blockSize is the number of samples decoded per read.
const blockSize = 4096

// IsSilent reports whether the RMS amplitude of the file at path is below
// threshold. Samples are normalized by math.MaxInt32 whatever the bit depth
// of the file. A threshold <= 0 disables the check and always returns false.
// A file holding no samples is silent.
func IsSilent(path string, threshold float64) (bool, error) {
	if threshold <= 0 {
		return false, nil
	}

	rms, n, err := RMS(path)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return true, nil
	}
	return rms < threshold, nil
}

// Analysis describes the format and level of a WAV file.
type Analysis struct {
	SampleRate int
	Channels   int
	BitDepth   int
	// Samples counts individual samples across all channels.
	Samples int
	// RMS is normalized by math.MaxInt32, the scale IsSilent compares against.
	RMS float64
	// Peak is the largest absolute sample relative to the file's own full scale.
	Peak float64
}

// Duration is the playing time implied by the sample count.
func (a *Analysis) Duration() time.Duration {
	if a.SampleRate <= 0 || a.Channels <= 0 {
		return 0
	}
	frames := a.Samples / a.Channels
	return time.Duration(frames) * time.Second / time.Duration(a.SampleRate)
}

// RMS streams the PCM data of a WAV file and returns its root mean square
// amplitude normalized by math.MaxInt32, along with the sample count.
func RMS(path string) (float64, int, error) {
	a, err := Analyze(path)
	if err != nil {
		return 0, 0, err
	}
	return a.RMS, a.Samples, nil
}

// Analyze reads the whole file in blocks and measures its level.
func Analyze(path string) (*Analysis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s for silence check: %v", errs.ErrIO, path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", errs.ErrWav, path, err)
	}

	a := &Analysis{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
	}
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: a.Channels, SampleRate: a.SampleRate},
		Data:   make([]int, blockSize),
	}

	var sumSquares float64
	peak := 0
	for {
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read samples from %s: %v", errs.ErrWav, path, err)
		}
		if n == 0 {
			break
		}
		for _, s := range buf.Data[:n] {
			v := float64(s) / math.MaxInt32
			sumSquares += v * v
			if s < 0 {
				s = -s
			}
			if s > peak {
				peak = s
			}
		}
		a.Samples += n
	}

	if a.Samples > 0 {
		a.RMS = math.Sqrt(sumSquares / float64(a.Samples))
	}
	if a.BitDepth > 0 {
		a.Peak = float64(peak) / float64(int64(1)<<(a.BitDepth-1))
	}
	return a, nil
}

// CheckAndDelete removes every file in files that IsSilent reports as silent
// and returns the removed paths. Files that cannot be analyzed are kept.
func CheckAndDelete(files []string, threshold float64) []string {
	var deleted []string
	for _, path := range files {
		silent, err := IsSilent(path, threshold)
		if err != nil {
			slog.Error("Silence check failed, keeping file", "file", path, "error", err)
			continue
		}
		if !silent {
			slog.Debug("File has signal, keeping", "file", path)
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Error("Failed to remove silent file", "file", path, "error", err)
			continue
		}
		slog.Info("Removed silent recording", "file", path, "threshold", threshold)
		deleted = append(deleted, path)
	}
	return deleted
}
