package audio

import (
	"time"
)

// Status represents the current state of the recorder
type Status string

const (
	StatusStandby   Status = "STANDBY"
	StatusRecording Status = "RECORDING"
	StatusDiskFull  Status = "DISK_FULL"
	StatusError     Status = "ERROR"
)

// SessionInfo contains information about the current recording session
type SessionInfo struct {
	ID             string    `json:"id"`
	StartTime      time.Time `json:"start_time"`
	Backend        string    `json:"backend"`
	Device         string    `json:"device"`
	SampleRate     int       `json:"sample_rate"`
	DeviceChannels int       `json:"device_channels"`
	Channels       []int     `json:"channels"`
	OutputMode     string    `json:"output_mode"`
	OutputDir      string    `json:"output_dir"`
}

// Stats are the counters shared between the capture path and status reporting
type Stats struct {
	WriteErrors    uint64 `json:"write_errors"`
	DroppedSamples uint64 `json:"dropped_samples"`
	Samples        uint64 `json:"samples"`
	DiskSpaceLow   bool   `json:"disk_space_low"`
}

// Recorder defines the interface that all recorders must implement
type Recorder interface {
	Start() error
	Stop() error

	// Status and information
	GetStatus() (Status, *SessionInfo)
	Stats() Stats
	Levels(reset bool) []float32

	// Cleanup
	Cleanup() error
}
