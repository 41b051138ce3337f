package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/blackbox/internal/errs"
)

const (
	// TimestampFormat names every file set, e.g. 2024-01-15-14-30-05.
	TimestampFormat = "2006-01-02-15-04-05"
	// BitDepth is the sample size of every written file.
	BitDepth = 16

	tmpSuffix = ".recording.wav"
	pcmFormat = 1
)

// TempPath returns the in-progress path for a final .wav path.
func TempPath(finalPath string) string {
	return strings.TrimSuffix(finalPath, ".wav") + tmpSuffix
}

// IsTempPath reports whether path names a file still being recorded.
func IsTempPath(path string) bool {
	return strings.HasSuffix(path, tmpSuffix)
}

// pendingFile pairs a temporary path with the name it gets once complete.
type pendingFile struct {
	tmp   string
	final string
}

// plannedFile is one file of a file set.
type plannedFile struct {
	final    string
	channels int
}

// planFiles returns the final paths and channel counts for a new file set.
// If a file from an earlier set already uses the timestamp, a numeric suffix
// is added so nothing gets overwritten.
func planFiles(dir string, ts time.Time, l layout, channels []int) []plannedFile {
	base := ts.Format(TimestampFormat)
	for n := 0; ; n++ {
		stamp := base
		if n > 0 {
			stamp = fmt.Sprintf("%s-%d", base, n)
		}
		files := planFilesAt(dir, stamp, l, channels)
		if !anyExists(files) {
			return files
		}
	}
}

func planFilesAt(dir, stamp string, l layout, channels []int) []plannedFile {
	switch l {
	case layoutSplit:
		files := make([]plannedFile, len(channels))
		for i, ch := range channels {
			files[i] = plannedFile{
				final:    filepath.Join(dir, fmt.Sprintf("%s-ch%d.wav", stamp, ch)),
				channels: 1,
			}
		}
		return files
	case layoutMultichannel:
		return []plannedFile{{
			final:    filepath.Join(dir, stamp+"-multichannel.wav"),
			channels: l.fileChannels(len(channels)),
		}}
	default:
		return []plannedFile{{
			final:    filepath.Join(dir, stamp+".wav"),
			channels: l.fileChannels(len(channels)),
		}}
	}
}

func anyExists(files []plannedFile) bool {
	for _, f := range files {
		for _, p := range []string{f.final, TempPath(f.final)} {
			if _, err := os.Stat(p); err == nil {
				return true
			}
		}
	}
	return false
}

// wavFile is an open 16-bit PCM encoder writing to a temporary path.
type wavFile struct {
	pendingFile
	channels int

	f   *os.File
	enc *wav.Encoder
	buf audio.IntBuffer
}

// createWav creates the temporary file for finalPath and writes the WAV
// header right away, so the file is a valid (empty) recording from the start.
func createWav(finalPath string, sampleRate, channels int) (*wavFile, error) {
	tmp := TempPath(finalPath)
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create %s: %v", errs.ErrIO, tmp, err)
	}

	w := &wavFile{
		pendingFile: pendingFile{tmp: tmp, final: finalPath},
		channels:    channels,
		f:           f,
		enc:         wav.NewEncoder(f, sampleRate, BitDepth, channels, pcmFormat),
		buf: audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: BitDepth,
		},
	}
	if err := w.write(nil); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: failed to write header to %s: %v", errs.ErrWav, tmp, err)
	}
	return w, nil
}

// write appends interleaved frames. len(samples) must be a multiple of the
// file's channel count.
func (w *wavFile) write(samples []int) error {
	w.buf.Data = samples
	return w.enc.Write(&w.buf)
}

// close patches the header sizes and closes the file. The file is closed
// even when the encoder fails.
func (w *wavFile) close() error {
	encErr := w.enc.Close()
	fileErr := w.f.Close()
	if encErr != nil {
		return fmt.Errorf("%w: failed to finalize %s: %v", errs.ErrWav, w.tmp, encErr)
	}
	if fileErr != nil {
		return fmt.Errorf("%w: failed to close %s: %v", errs.ErrIO, w.tmp, fileErr)
	}
	return nil
}
