package domain

import (
	"time"

	"github.com/google/uuid"
)

// Log-type values accepted on invoke.
const (
	LogTypeNone = "None"
	LogTypeTail = "Tail"
)

// WorkItem is the immutable invocation record placed on a lane. It is
// consumed by exactly one worker via the runtime API.
type WorkItem struct {
	RequestID       string
	Function        *Function
	Key             FunctionKey
	Payload         []byte
	ClientContext   string
	CognitoIdentity string
	LogType         string
	TraceID         string

	// ResolvedEnv is the function environment with secret references
	// already expanded: the exact environment hashed into Key and injected
	// into any container created to serve this lane.
	ResolvedEnv map[string]string

	// DeadlineMS is the absolute handler deadline in epoch milliseconds,
	// computed at acceptance from the function timeout.
	DeadlineMS int64

	EnqueuedAt time.Time
}

// NewWorkItem builds a work item for one accepted invocation. The request id
// is a fresh UUID v4 and the deadline is now + timeout.
func NewWorkItem(fn *Function, key FunctionKey, payload []byte, resolvedEnv map[string]string) *WorkItem {
	now := time.Now()
	return &WorkItem{
		RequestID:   uuid.New().String(),
		Function:    fn,
		Key:         key,
		Payload:     payload,
		ResolvedEnv: resolvedEnv,
		DeadlineMS:  now.UnixMilli() + int64(fn.TimeoutS)*1000,
		EnqueuedAt:  now,
	}
}
