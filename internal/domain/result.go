package domain

import (
	"encoding/json"
	"fmt"
)

// Function error classifications carried in X-Amz-Function-Error.
const (
	FunctionErrorHandled   = "Handled"
	FunctionErrorUnhandled = "Unhandled"
)

// Result is what a pending waiter observes: either the worker's response or
// a synthesized failure.
type Result struct {
	Ok              bool
	Payload         []byte
	FunctionError   string // "", "Handled" or "Unhandled"
	ExecutedVersion string
	LogTailB64      string
	// InstanceID names the container instance that served the invocation.
	// Synthesized failures leave it empty.
	InstanceID string
}

// ErrorBody is the wire shape of a function error payload.
type ErrorBody struct {
	ErrorMessage string   `json:"errorMessage"`
	ErrorType    string   `json:"errorType"`
	StackTrace   []string `json:"stackTrace,omitempty"`
}

func (e *ErrorBody) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// TimeoutResult synthesizes the dispatcher-deadline failure.
func TimeoutResult(timeoutS int, executedVersion string) Result {
	body := ErrorBody{
		ErrorMessage: fmt.Sprintf("Task timed out after %d seconds", timeoutS),
		ErrorType:    "TaskTimedOut",
	}
	return Result{
		Payload:         body.Marshal(),
		FunctionError:   FunctionErrorUnhandled,
		ExecutedVersion: executedVersion,
	}
}

// InitErrorResult synthesizes the runtime-disappeared failure: the waiter
// closed without any delivery.
func InitErrorResult(executedVersion string) Result {
	body := ErrorBody{
		ErrorMessage: "Runtime channel closed",
		ErrorType:    "InitError",
	}
	return Result{
		Payload:         body.Marshal(),
		FunctionError:   FunctionErrorUnhandled,
		ExecutedVersion: executedVersion,
	}
}
