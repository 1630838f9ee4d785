// Package eventlog implements the append-only structured event stream
// described in the wire protocol spec: one line per event, of the form
// "[ISO-timestamp] [ROLE:PORT] LEVEL - message". A single writer goroutine
// drains a buffered channel so that callers holding other locks (the
// membership store, the proposal table, a suspect record) never block on
// I/O and never hold a lock while writing.
package eventlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Level is the severity of a logged event.
type Level string

const (
	Info    Level = "INFO"
	Warning Level = "WARNING"
	Error   Level = "ERROR"
)

const bufferSize = 256

// Logger is the append-only sink used by every component of a node.
type Logger struct {
	role string
	port int

	out     io.Writer
	entries chan string

	mu    sync.Mutex
	sinks []io.Writer

	done chan struct{}
}

// New creates a Logger tagged with role ("SEED" or "PEER") and port, and
// starts its writer goroutine. Callers must call Close on shutdown.
func New(role string, port int) *Logger {
	l := &Logger{
		role:    role,
		port:    port,
		out:     os.Stdout,
		entries: make(chan string, bufferSize),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// AddSink registers an additional writer that receives every formatted
// line (used by the observability WebSocket feed). Safe for concurrent use.
func (l *Logger) AddSink(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, w)
}

// RemoveSink unregisters a writer previously passed to AddSink (used when
// an observability WebSocket client disconnects).
func (l *Logger) RemoveSink(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range l.sinks {
		if s == w {
			l.sinks = append(l.sinks[:i], l.sinks[i+1:]...)
			return
		}
	}
}

func (l *Logger) run() {
	for line := range l.entries {
		fmt.Fprint(l.out, line)
		l.mu.Lock()
		for _, s := range l.sinks {
			fmt.Fprint(s, line)
		}
		l.mu.Unlock()
	}
	close(l.done)
}

func (l *Logger) emit(level Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] [%s:%d] %s - %s\n",
		time.Now().UTC().Format(time.RFC3339), l.role, l.port, level, msg)
	select {
	case l.entries <- line:
	default:
		// Buffer full: drop rather than block the caller. A saturated
		// event log means something else has already gone very wrong.
	}
}

// Infof logs an informational event.
func (l *Logger) Infof(format string, args ...interface{}) { l.emit(Info, format, args...) }

// Warnf logs a warning event.
func (l *Logger) Warnf(format string, args ...interface{}) { l.emit(Warning, format, args...) }

// Errorf logs an error event.
func (l *Logger) Errorf(format string, args ...interface{}) { l.emit(Error, format, args...) }

// Close stops accepting new entries and waits for the writer goroutine to
// drain the remaining buffer.
func (l *Logger) Close() {
	close(l.entries)
	<-l.done
}
