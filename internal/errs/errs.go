// Package errs defines the error kinds surfaced by the recorder.
//
// Callers wrap one of the sentinels with context using fmt.Errorf and %w,
// and match on the kind with errors.Is.
package errs

import "errors"

var (
	// ErrAudioDevice reports a capture device setup or stream failure.
	ErrAudioDevice = errors.New("audio device error")
	// ErrConfig reports an invalid configuration value, such as an unknown output mode.
	ErrConfig = errors.New("configuration error")
	// ErrIO reports a file create, rename or remove failure, or low disk space at startup.
	ErrIO = errors.New("io error")
	// ErrChannelParse reports an invalid channel selector string.
	ErrChannelParse = errors.New("channel parse error")
	// ErrWav reports a WAV encode, finalize or decode failure.
	ErrWav = errors.New("wav error")
)
