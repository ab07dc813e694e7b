package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RequestLog is one invocation outcome entry.
type RequestLog struct {
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
	TraceID       string    `json:"trace_id,omitempty"`
	Function      string    `json:"function"`
	Version       string    `json:"version,omitempty"`
	Runtime       string    `json:"runtime,omitempty"`
	InstanceID    string    `json:"instance_id,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	ColdStart     bool      `json:"cold_start"`
	Success       bool      `json:"success"`
	FunctionError string    `json:"function_error,omitempty"`
	Error         string    `json:"error,omitempty"`
	PayloadSize   int       `json:"payload_size"`
	ResponseSize  int       `json:"response_size,omitempty"`
}

// Logger writes invocation outcome entries to the console and/or a JSON file.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default request logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput appends JSON entries to the file at path.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables or disables the human-readable console line.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes one entry.
func (l *Logger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		cold := ""
		if entry.ColdStart {
			cold = " [cold]"
		}
		ferr := ""
		if entry.FunctionError != "" {
			ferr = fmt.Sprintf(" [%s]", entry.FunctionError)
		}
		fmt.Printf("[invoke] %s %s %s %dms%s%s\n",
			status, entry.RequestID, entry.Function, entry.DurationMs, cold, ferr)
		if entry.Error != "" {
			fmt.Printf("[invoke]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
