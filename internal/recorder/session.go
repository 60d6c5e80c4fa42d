package recorder

import (
	"time"

	"github.com/google/uuid"

	"github.com/jorgeblanc9/grabador-video-linux/internal/recorder/core"
)

// SessionHandle identifies one recording session.
type SessionHandle string

func newHandle() SessionHandle {
	return SessionHandle(uuid.NewString())
}

// State is the lifecycle of a session as seen by callers.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StatePaused
	StateStopping
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStarting:
		return "Starting"
	case StateRecording:
		return "Recording"
	case StatePaused:
		return "Paused"
	case StateStopping:
		return "Stopping"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the session has finished, successfully or not.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Stats are the session counters reported while recording and in the final output.
type Stats struct {
	FramesCaptured   uint64        `json:"frames_captured"`
	FramesEncoded    uint64        `json:"frames_encoded"`
	FramesDropped    uint64        `json:"frames_dropped"` // video queue overflow plus stale frames skipped by sync
	FramesDuplicated uint64        `json:"frames_duplicated"`
	AudioChunks      uint64        `json:"audio_chunks"`
	AudioBytes       uint64        `json:"audio_bytes"`
	LastDrift        time.Duration `json:"last_drift"`
	DriftCorrections uint64        `json:"drift_corrections"`
	BufferOverflows  uint64        `json:"buffer_overflows"`
}

// FinalizedOutput describes the file a session produced. It is also returned
// for failed sessions, whose partial file is left on disk.
type FinalizedOutput struct {
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
	Stats    Stats         `json:"stats"`
}

// SessionStatus is a point-in-time view of a session.
type SessionStatus struct {
	Handle  SessionHandle `json:"handle"`
	State   State         `json:"-"`
	Name    string        `json:"state"`
	Reason  string        `json:"reason,omitempty"` // set when Failed
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	Output  string        `json:"output"`
	Region  core.Region   `json:"region"` // absolute, on the selected monitor
	Stats   Stats         `json:"stats"`
}
