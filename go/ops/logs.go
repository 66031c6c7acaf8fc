// Package ops implements the node's operational logging: structured records
// carrying a hub severity, run status and progress, buffered locally until
// the platform's progress endpoint is attached and streamed thereafter.
package ops

import (
	"fmt"
	"sync"
	"time"

	"github.com/fedstar/core/go/config"
	log "github.com/sirupsen/logrus"
)

// Severity is one of the fixed severities understood by the hub.
type Severity string

const (
	SeverityInfo   Severity = "info"
	SeverityNotice Severity = "notice"
	SeverityDebug  Severity = "debug"
	SeverityWarn   Severity = "warn"
	SeverityAlert  Severity = "alert"
	SeverityEmerg  Severity = "emerg"
	SeverityError  Severity = "error"
	SeverityCrit   Severity = "crit"
)

var hubSeverities = map[Severity]struct{}{
	SeverityInfo:   {},
	SeverityNotice: {},
	SeverityDebug:  {},
	SeverityWarn:   {},
	SeverityAlert:  {},
	SeverityEmerg:  {},
	SeverityError:  {},
	SeverityCrit:   {},
}

// defaultAliases maps caller-facing log types onto hub severities.
// Callers may declare further aliases at runtime, but only onto severities
// the hub already knows.
func defaultAliases() map[string]Severity {
	return map[string]Severity{
		"info":           SeverityInfo,
		"normal":         SeverityInfo,
		"notice":         SeverityNotice,
		"debug":          SeverityDebug,
		"warning":        SeverityWarn,
		"alert":          SeverityAlert,
		"emergency":      SeverityEmerg,
		"error":          SeverityError,
		"critical-error": SeverityCrit,
	}
}

// Record is one operational log record.
type Record struct {
	Message   string
	Severity  Severity
	RunStatus config.RunState
	Progress  int
	Timestamp time.Time
}

// Streamer delivers records to the platform's progress endpoint.
type Streamer interface {
	Stream(Record) error
}

// Logger accumulates records while no Streamer is attached, and streams
// them (queue first) once one is. It also mirrors every record onto the
// local process log. There is one Logger per SDK facade; aliases and
// status are instance state, never package globals.
type Logger struct {
	mu       sync.Mutex
	aliases  map[string]Severity
	queue    []Record
	streamer Streamer

	runStatus config.RunState
	progress  int
}

// NewLogger returns a Logger in the queued phase with default aliases.
func NewLogger() *Logger {
	return &Logger{
		aliases:   defaultAliases(),
		runStatus: config.StateStarting,
	}
}

// Attach connects the Streamer and drains the queue through it.
// Attachment happens exactly once, during bootstrap.
func (l *Logger) Attach(s Streamer) {
	l.mu.Lock()
	var queued = l.queue
	l.queue, l.streamer = nil, s
	l.mu.Unlock()

	for _, rec := range queued {
		if err := s.Stream(rec); err != nil {
			log.WithField("err", err).Warn("failed to stream queued log record")
		}
	}
}

// SetRunStatus updates the run status attached to subsequent records.
func (l *Logger) SetRunStatus(state config.RunState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runStatus = state
}

// RunStatus returns the current run status.
func (l *Logger) RunStatus() config.RunState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runStatus
}

// SetProgress updates the progress percentage. Progress is monotonic:
// attempts to move it backwards are ignored. Values are clamped to [0, 100].
func (l *Logger) SetProgress(pct int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pct > 100 {
		pct = 100
	}
	if pct > l.progress {
		l.progress = pct
	}
}

// Progress returns the current progress percentage.
func (l *Logger) Progress() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.progress
}

// DeclareLogTypes registers new caller-facing log types as aliases of
// existing hub severities. Existing aliases cannot be overwritten, and the
// target severity must be one the hub knows.
func (l *Logger) DeclareLogTypes(aliases map[string]Severity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, target := range aliases {
		if _, ok := hubSeverities[target]; !ok {
			return fmt.Errorf("cannot declare log type %q: %q is not a hub severity", name, target)
		}
		if _, ok := l.aliases[name]; ok {
			return fmt.Errorf("cannot declare log type %q: it already exists", name)
		}
		l.aliases[name] = target
	}
	return nil
}

// Log emits a record with the given caller-facing log type. An unknown
// type is a developer error: it is reported as an error record, and the
// original message is still emitted at error severity so it is not lost.
func (l *Logger) Log(logType, message string) {
	l.mu.Lock()
	var severity, ok = l.aliases[logType]
	l.mu.Unlock()

	if !ok {
		l.emit(SeverityError, fmt.Sprintf("unknown log type %q used for: %s", logType, message))
		severity = SeverityError
	}
	l.emit(severity, message)
}

// Logf is Log with formatting.
func (l *Logger) Logf(logType, format string, args ...interface{}) {
	l.Log(logType, fmt.Sprintf(format, args...))
}

// Info, Warn and Error are shorthands for the common severities.
func (l *Logger) Info(message string)  { l.emit(SeverityInfo, message) }
func (l *Logger) Warn(message string)  { l.emit(SeverityWarn, message) }
func (l *Logger) Error(message string) { l.emit(SeverityError, message) }

// RaiseError emits the message at error severity, flips the run status to
// failed, and then sleeps for the grace period so the platform can scrape
// the health endpoint and observe the failure before the container exits.
// It returns an error carrying the message for the caller to propagate.
func (l *Logger) RaiseError(message string, grace time.Duration) error {
	l.SetRunStatus(config.StateFailed)
	l.emit(SeverityError, message)
	time.Sleep(grace)
	return fmt.Errorf("%s", message)
}

func (l *Logger) emit(severity Severity, message string) {
	l.mu.Lock()
	var rec = Record{
		Message:   message,
		Severity:  severity,
		RunStatus: l.runStatus,
		Progress:  l.progress,
		Timestamp: time.Now(),
	}
	var streamer = l.streamer
	if streamer == nil {
		l.queue = append(l.queue, rec)
	}
	l.mu.Unlock()

	mirrorLocal(rec)

	if streamer != nil {
		if err := streamer.Stream(rec); err != nil {
			log.WithField("err", err).Warn("failed to stream log record")
		}
	}
}

// mirrorLocal echoes the record onto the local process log.
func mirrorLocal(rec Record) {
	var entry = log.WithFields(log.Fields{
		"status":   rec.RunStatus,
		"progress": rec.Progress,
	})
	switch rec.Severity {
	case SeverityDebug:
		entry.Debug(rec.Message)
	case SeverityInfo, SeverityNotice:
		entry.Info(rec.Message)
	case SeverityWarn:
		entry.Warn(rec.Message)
	default:
		entry.Error(rec.Message)
	}
}
