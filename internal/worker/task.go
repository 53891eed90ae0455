package worker

import "time"

// maxStrikes is the number of failures after which a key is skipped
const maxStrikes = 2

// Task represents one key to copy
type Task struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	// Strikes counts failed attempts that sent the key back to the queue
	Strikes int `json:"strikes"`
}

// Config contains worker configuration
type Config struct {
	RunID             string
	SourceBucket      string
	DestinationBucket string
	ACL               string
	IdleTimeout       time.Duration
	// MaxAuthRetries bounds in-place retries after a refresh that installed new credentials
	MaxAuthRetries    int
}

// State is the lifecycle state of one worker
type State int32

const (
	StateStarting State = iota
	StateDraining
	StateCopying
	StateAwaitingCredentialRefresh
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateDraining:
		return "draining"
	case StateCopying:
		return "copying"
	case StateAwaitingCredentialRefresh:
		return "awaiting_credential_refresh"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
