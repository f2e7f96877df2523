package session

import (
	"time"

	"github.com/duorec/duorec/internal/audiocore"
)

// State is the lifecycle position of a recording session
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateRecording
	StatePaused
	StateStopping
	StateMerging
	StateCompleted
	StateCancelled
	StateFailed
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StatePreparing: "preparing",
	StateRecording: "recording",
	StatePaused:    "paused",
	StateStopping:  "stopping",
	StateMerging:   "merging",
	StateCompleted: "completed",
	StateCancelled: "cancelled",
	StateFailed:    "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transitions can happen
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// isCapturing reports whether sources are open
func (s State) isCapturing() bool {
	return s == StateRecording || s == StatePaused
}

// SystemAudioStatus describes the optional loopback source
type SystemAudioStatus string

const (
	SystemAudioDisabled    SystemAudioStatus = "disabled"    // not configured
	SystemAudioPending     SystemAudioStatus = "pending"     // session not started yet
	SystemAudioProbing     SystemAudioStatus = "probing"     // capability probe pending
	SystemAudioActive      SystemAudioStatus = "active"      // recording
	SystemAudioUnavailable SystemAudioStatus = "unavailable" // unsupported platform or no device
	SystemAudioDenied      SystemAudioStatus = "denied"      // capture permission refused
	SystemAudioFailed      SystemAudioStatus = "failed"      // start or mid-recording failure
	SystemAudioStopped     SystemAudioStatus = "stopped"     // finalized with the session
)

// Snapshot is an immutable view of a session for observers
type Snapshot struct {
	State       State
	Elapsed     time.Duration
	Levels      []float64
	SystemAudio SystemAudioStatus
	Output      *audiocore.MergeOutput
	Err         error
}
