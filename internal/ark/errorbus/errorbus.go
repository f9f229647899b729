// Package errorbus implements C5: error escalation, severity-scoped
// handler registration, resolution tracking, and an append-only on-disk
// error log.
package errorbus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/infrastructure/logging"
)

// Severity enumerates escalation severities (spec §3.3), ordered least to
// most severe.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Escalation is an Error Escalation record (spec §3.3).
type Escalation struct {
	ErrorID        string                 `json:"error_id"`
	CorrelationID  string                 `json:"correlation_id"`
	From           string                 `json:"from"`
	Severity       Severity               `json:"severity"`
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	ExceptionType  string                 `json:"exception_type,omitempty"`
	Stack          string                 `json:"stack,omitempty"`
	Context        map[string]interface{} `json:"context,omitempty"`
	RetryCount     int                    `json:"retry_count"`
	Recoverable    bool                   `json:"recoverable"`
	SuggestedAction string                `json:"suggested_action,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	Resolved       bool                   `json:"resolved"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
}

// Handler processes an escalation. A handler that panics does not stop other
// registered handlers for the same severity from running (spec §4.5:
// "critical errors always trigger every registered critical handler even
// if earlier handlers raise" — applied uniformly to every severity here,
// which is a strict superset of the stated requirement).
type Handler func(e *Escalation)

// Bus is the error bus (spec §4.5).
type Bus struct {
	mu         sync.RWMutex
	escalations map[string]*Escalation // error_id -> escalation
	order       []string                // insertion order, for stable iteration
	handlers    map[Severity][]Handler

	logPath string
	logMu   sync.Mutex
	logFile *os.File

	log *logging.Logger
}

// New creates an error bus that appends escalations to logPath (NDJSON, one
// escalation per line). Pass an empty logPath to disable on-disk logging
// (tests commonly do this).
func New(logPath string, log *logging.Logger) (*Bus, error) {
	b := &Bus{
		escalations: make(map[string]*Escalation),
		handlers:    make(map[Severity][]Handler),
		logPath:     logPath,
		log:         log,
	}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o700); err != nil {
			return nil, arkerrors.Internal("create error log directory", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, arkerrors.Internal("open error log", err)
		}
		b.logFile = f
	}
	return b, nil
}

// Close releases the on-disk log file handle, if any.
func (b *Bus) Close() error {
	if b.logFile != nil {
		return b.logFile.Close()
	}
	return nil
}

// Register adds handler for severity. Returns nothing to unregister by
// design: handlers are expected to live for the process lifetime, matching
// the fixed set of agent roles that consume escalations (orchestrator
// stage failure, federation sync failure, bus backpressure).
func (b *Bus) Register(severity Severity, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[severity] = append(b.handlers[severity], handler)
}

// Escalate implements the narrow bus.Escalator interface so
// internal/ark/bus can report handler failures and backpressure drops
// without this package importing that one. It builds a minimal Escalation
// from the given fields and delegates to Record.
func (b *Bus) Escalate(correlationID, from, severity, code, message string) {
	b.Record(&Escalation{
		CorrelationID: correlationID,
		From:          from,
		Severity:      Severity(severity),
		Code:          code,
		Message:       message,
		Recoverable:   Severity(severity) != SeverityCritical,
	})
}

// Record stores e (stamping error_id/created_at if unset), appends it to
// the on-disk log, and invokes every handler registered for e.Severity.
// Every registered handler runs regardless of whether an earlier one
// panics.
func (b *Bus) Record(e *Escalation) *Escalation {
	if e.ErrorID == "" {
		e.ErrorID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	b.mu.Lock()
	b.escalations[e.ErrorID] = e
	b.order = append(b.order, e.ErrorID)
	handlers := append([]Handler(nil), b.handlers[e.Severity]...)
	b.mu.Unlock()

	b.appendLog(e)

	for _, h := range handlers {
		b.runHandler(h, e)
	}

	if b.log != nil {
		b.log.WithFields(map[string]interface{}{
			"error_id":       e.ErrorID,
			"correlation_id": e.CorrelationID,
			"severity":       e.Severity,
			"code":           e.Code,
		}).Warn("error escalated")
	}
	return e
}

func (b *Bus) runHandler(h Handler, e *Escalation) {
	defer func() {
		if r := recover(); r != nil && b.log != nil {
			b.log.WithFields(map[string]interface{}{"error_id": e.ErrorID, "panic": r}).Error("error bus handler panicked")
		}
	}()
	h(e)
}

func (b *Bus) appendLog(e *Escalation) {
	if b.logFile == nil {
		return
	}
	buf, err := json.Marshal(e)
	if err != nil {
		return
	}
	buf = append(buf, '\n')

	b.logMu.Lock()
	defer b.logMu.Unlock()
	_, _ = b.logFile.Write(buf)
}

// Resolve marks an escalation resolved. Returns NotFound if error_id is
// unknown.
func (b *Bus) Resolve(errorID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.escalations[errorID]
	if !ok {
		return arkerrors.NotFound("escalation", errorID)
	}
	now := time.Now()
	e.Resolved = true
	e.ResolvedAt = &now
	return nil
}

// Filter selects escalations for ErrorsBy. Zero-value fields are ignored.
type Filter struct {
	CorrelationID string
	From          string
	Severity      Severity
}

// ErrorsBy returns escalations matching the AND of the filter's non-zero
// fields, in escalation order.
func (b *Bus) ErrorsBy(f Filter) []*Escalation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Escalation
	for _, id := range b.order {
		e := b.escalations[id]
		if f.CorrelationID != "" && e.CorrelationID != f.CorrelationID {
			continue
		}
		if f.From != "" && e.From != f.From {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Unresolved returns every escalation with Resolved == false, in
// escalation order.
func (b *Bus) Unresolved() []*Escalation {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Escalation
	for _, id := range b.order {
		if e := b.escalations[id]; !e.Resolved {
			out = append(out, e)
		}
	}
	return out
}
