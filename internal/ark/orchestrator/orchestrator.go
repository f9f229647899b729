// Package orchestrator implements C6: the six-role agent pipeline and its
// per-request state machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	arkerrors "github.com/ark-network/ark-core/infrastructure/errors"
	"github.com/ark-network/ark-core/infrastructure/logging"
	"github.com/ark-network/ark-core/internal/ark/bus"
	"github.com/ark-network/ark-core/internal/ark/lattice"
	"github.com/ark-network/ark-core/internal/ark/scoring"
)

// State is a pipeline request's position in the state machine.
type State string

const (
	StateReceived  State = "received"
	StateEnriched  State = "enriched"
	StateComposed  State = "composed"
	StateValidated State = "validated"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateReflected State = "reflected"
	StateFinalized State = "finalized"
	StateArchived  State = "archived"
	StateFailed    State = "failed"
)

// Default per-stage timeouts (spec §4.6).
const (
	ScanTimeout    = 2 * time.Second
	ScholarTimeout = 5 * time.Second
	BuilderTimeout = 10 * time.Second
	ArbiterTimeout = 2 * time.Second
	MirrorTimeout  = 3 * time.Second
)

// DefaultMaxRetries and DefaultRetryBase implement "base·2^attempt, capped
// at 3 attempts by default" (spec §4.6).
const (
	DefaultMaxRetries = 3
	DefaultRetryBase  = 200 * time.Millisecond
)

// DefaultGracePeriod is how long a stage may keep running past its deadline
// before it is recorded as a misbehaving agent (spec §5).
const DefaultGracePeriod = 500 * time.Millisecond

// Candidate is a Builder-produced artifact candidate, scored so the
// orchestrator can break ties among equally-good candidates (spec §4.6:
// fewer dependencies, then lexicographic id).
type Candidate struct {
	ID           string
	Score        float64
	Dependencies []string
	Artifact     interface{}
	Reasoning    []string
}

// Reflection is the Mirror stage's output (spec §4.7).
type Reflection struct {
	Strengths    []string
	Weaknesses   []string
	Improvements []string
	Patterns     []string
}

// Request is the pipeline's per-request state (owned by C6, distinct from
// the bus's Agent Message).
type Request struct {
	CorrelationID string
	State         State
	Attempts      int
	Input         interface{}
	Context       []lattice.Node
	Candidate     *Candidate
	Validation    *scoring.Result
	Reflection    *Reflection
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FailReason    string
}

// Enricher is the Scholar role: enriches a request with lattice context.
// Returning an empty slice with a nil error is not a failure (spec §4.6).
type Enricher interface {
	Enrich(ctx context.Context, req *Request) ([]lattice.Node, error)
}

// BuilderStage is the Builder role: composes one or more candidate
// artifacts from the request's enriched context.
type BuilderStage interface {
	Build(ctx context.Context, req *Request) ([]Candidate, error)
}

// ArbiterStage is the Arbiter role: validates a composed candidate.
type ArbiterStage interface {
	Validate(ctx context.Context, req *Request) (*scoring.Result, error)
}

// MirrorStage is the Mirror role: summarizes the request; its failures are
// logged as warnings and never block the pipeline.
type MirrorStage interface {
	Reflect(ctx context.Context, req *Request) (*Reflection, error)
}

// ReflectorStage is the Reflector role: updates long-term state
// asynchronously after a request reaches Finalized.
type ReflectorStage interface {
	UpdateLongTermState(ctx context.Context, req *Request) error
}

// Escalator mirrors internal/ark/bus.Escalator so the orchestrator can
// report stage failures without importing internal/ark/errorbus directly.
type Escalator interface {
	Escalate(correlationID, from, severity, code, message string)
}

// MetricsRecorder mirrors infrastructure/metrics.Metrics' stage recorder so
// the orchestrator can report timings without importing that package
// directly.
type MetricsRecorder interface {
	RecordStageDuration(service, stage, status string, duration time.Duration)
}

// Orchestrator runs requests through the six-role pipeline.
type Orchestrator struct {
	enricher  Enricher
	builder   BuilderStage
	arbiter   ArbiterStage
	mirror    MirrorStage
	reflector ReflectorStage

	bus       *bus.Bus
	escalator Escalator
	metrics   MetricsRecorder
	log       *logging.Logger

	maxRetries    int
	retryBase     time.Duration
	gracePeriod   time.Duration
	stageTimeouts map[string]time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// Config wires the five pluggable stages plus the shared bus/escalator.
// StageTimeouts and MaxRetries override the package defaults per
// `orchestrator.stage_timeouts`/`orchestrator.max_retries` (spec §6.4); a
// role absent from StageTimeouts keeps its package-default timeout.
type Config struct {
	Enricher      Enricher
	Builder       BuilderStage
	Arbiter       ArbiterStage
	Mirror        MirrorStage
	Reflector     ReflectorStage
	Bus           *bus.Bus
	Escalator     Escalator
	Metrics       MetricsRecorder
	Log           *logging.Logger
	StageTimeouts map[string]time.Duration
	MaxRetries    int
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Orchestrator{
		enricher:      cfg.Enricher,
		builder:       cfg.Builder,
		arbiter:       cfg.Arbiter,
		mirror:        cfg.Mirror,
		reflector:     cfg.Reflector,
		bus:           cfg.Bus,
		escalator:     cfg.Escalator,
		metrics:       cfg.Metrics,
		log:           cfg.Log,
		maxRetries:    maxRetries,
		retryBase:     DefaultRetryBase,
		gracePeriod:   DefaultGracePeriod,
		stageTimeouts: cfg.StageTimeouts,
		cancels:       make(map[string]context.CancelFunc),
	}
}

// stageTimeout returns the configured override for name, or def if none
// was set.
func (o *Orchestrator) stageTimeout(name string, def time.Duration) time.Duration {
	if d, ok := o.stageTimeouts[name]; ok && d > 0 {
		return d
	}
	return def
}

// Submit is the Scanner role: it normalizes rawInput into a Request and
// runs it through the pipeline synchronously (Received through Finalized),
// then kicks off the Reflector's long-term state update in the background.
func (o *Orchestrator) Submit(ctx context.Context, rawInput interface{}) (*Request, error) {
	req := &Request{
		CorrelationID: uuid.NewString(),
		State:         StateReceived,
		Input:         rawInput,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[req.CorrelationID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, req.CorrelationID)
		o.mu.Unlock()
		cancel()
	}()

	if err := o.runPipeline(runCtx, req); err != nil {
		req.State = StateFailed
		req.FailReason = err.Error()
		return req, err
	}
	return req, nil
}

// Cancel signals cooperative cancellation for an in-flight correlation id.
func (o *Orchestrator) Cancel(correlationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.cancels[correlationID]; ok {
		cancel()
	}
}

// runPipeline drives the request through all five synchronous roles.
// Exactly three of them put a message on the bus — scanner (the normalized
// request entering the pipeline), builder (the composed candidate reaching
// the arbiter), and arbiter (the broadcast validated decision) — matching
// spec §8#4's "emit 3 messages" property. Scholar's enrichment and Mirror's
// reflection never block delivery and are reported only through escalation,
// not as separate bus traffic.
func (o *Orchestrator) runPipeline(ctx context.Context, req *Request) error {
	if err := o.runStage(ctx, req, "scanner", o.stageTimeout("scanner", ScanTimeout), func(sctx context.Context) error {
		if req.Input == nil {
			return arkerrors.MissingParameter("input")
		}
		return nil
	}); err != nil {
		return err
	}
	o.publish(req.CorrelationID, "scanner", "scholar", bus.KindRequest, req.Input)

	if err := o.runStage(ctx, req, "scholar", o.stageTimeout("scholar", ScholarTimeout), func(sctx context.Context) error {
		context_, err := o.enricher.Enrich(sctx, req)
		if err != nil {
			return err
		}
		req.Context = context_
		return nil
	}); err != nil {
		return err
	}
	req.State = StateEnriched
	req.UpdatedAt = time.Now()
	if len(req.Context) == 0 {
		o.escalate(req.CorrelationID, "scholar", "warning", "EmptyLatticeQuery", "scholar stage returned no lattice context; builder proceeds with empty context")
	}

	if err := o.runStage(ctx, req, "builder", o.stageTimeout("builder", BuilderTimeout), func(sctx context.Context) error {
		candidates, err := o.builder.Build(sctx, req)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return arkerrors.InvalidPayload("builder produced no candidates")
		}
		req.Candidate = pickBest(candidates)
		return nil
	}); err != nil {
		return err
	}
	req.State = StateComposed
	req.UpdatedAt = time.Now()
	o.publish(req.CorrelationID, "builder", "arbiter", bus.KindEvent, req.Candidate)

	if err := o.runStage(ctx, req, "arbiter", o.stageTimeout("arbiter", ArbiterTimeout), func(sctx context.Context) error {
		result, err := o.arbiter.Validate(sctx, req)
		if err != nil {
			return err
		}
		req.Validation = result
		return nil
	}); err != nil {
		return err
	}
	req.State = StateValidated
	if req.Validation.Approved {
		req.State = StateApproved
	} else {
		req.State = StateRejected
	}
	req.UpdatedAt = time.Now()
	o.publish(req.CorrelationID, "arbiter", "", bus.KindResponse, req.Validation)

	// Mirror never blocks delivery: a failure here is a warning, not a
	// pipeline failure, regardless of approve/reject outcome above.
	if err := o.runStage(ctx, req, "mirror", o.stageTimeout("mirror", MirrorTimeout), func(sctx context.Context) error {
		reflection, err := o.mirror.Reflect(sctx, req)
		if err != nil {
			return err
		}
		req.Reflection = reflection
		return nil
	}); err != nil {
		o.escalate(req.CorrelationID, "mirror", "warning", "MirrorFailed", err.Error())
	}
	req.State = StateReflected
	req.UpdatedAt = time.Now()

	req.State = StateFinalized
	req.UpdatedAt = time.Now()

	if o.reflector != nil {
		go o.runReflectorAsync(req)
	}
	return nil
}

// Archive transitions a finalized request to its terminal archived state.
// Archival is a caller-driven action (e.g. the lattice/history retention
// policy), not an automatic pipeline step.
func (req *Request) Archive() {
	req.State = StateArchived
	req.UpdatedAt = time.Now()
}

func (o *Orchestrator) runReflectorAsync(req *Request) {
	defer func() {
		if r := recover(); r != nil {
			o.escalate(req.CorrelationID, "reflector", "error", "ReflectorPanic", fmt.Sprintf("%v", r))
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), BuilderTimeout)
	defer cancel()
	if err := o.reflector.UpdateLongTermState(ctx, req); err != nil {
		o.escalate(req.CorrelationID, "reflector", "warning", "ReflectorFailed", err.Error())
	}
}

// pickBest applies the tie-break rules from spec §4.6: highest score,
// fewer dependencies, then lexicographic id.
func pickBest(candidates []Candidate) *Candidate {
	best := make([]Candidate, len(candidates))
	copy(best, candidates)
	sort.SliceStable(best, func(i, j int) bool {
		if best[i].Score != best[j].Score {
			return best[i].Score > best[j].Score
		}
		if len(best[i].Dependencies) != len(best[j].Dependencies) {
			return len(best[i].Dependencies) < len(best[j].Dependencies)
		}
		return best[i].ID < best[j].ID
	})
	return &best[0]
}

func (o *Orchestrator) escalate(correlationID, from, severity, code, message string) {
	if o.escalator != nil {
		o.escalator.Escalate(correlationID, from, severity, code, message)
	}
}

// publish puts a stage-transition message on the bus so subscribers (and
// wsapi's request stream) see the pipeline progress live, mirroring spec
// §4.6's "transitions are triggered by bus messages." A nil bus (as in unit
// tests that wire no Config.Bus) makes this a no-op.
func (o *Orchestrator) publish(correlationID, from, to string, kind bus.Kind, payload interface{}) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(bus.NewMessage(from, to, kind, payload, correlationID))
}

// runStage executes fn with a per-stage deadline, a grace period past that
// deadline before the stage is declared misbehaving (spec §5), and retry
// with base·2^attempt backoff while the returned error is recoverable
// (spec §4.6). Every failed attempt is escalated as a warning.
func (o *Orchestrator) runStage(ctx context.Context, req *Request, name string, timeout time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	delay := o.retryBase
	var lastErr error

	for attempt := 0; attempt < o.maxRetries; attempt++ {
		err := o.callWithGrace(ctx, timeout, fn)
		if err == nil {
			o.recordStage(name, "success", time.Since(start))
			return nil
		}
		lastErr = err
		o.escalate(req.CorrelationID, name, "warning", stageErrorCode(err), err.Error())

		if !arkerrors.IsRecoverable(err) && !errors.Is(err, context.DeadlineExceeded) {
			break
		}
		if attempt < o.maxRetries-1 {
			select {
			case <-ctx.Done():
				o.recordStage(name, "failed", time.Since(start))
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	o.recordStage(name, "failed", time.Since(start))
	return lastErr
}

func (o *Orchestrator) recordStage(name, status string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordStageDuration("arkd", name, status, d)
	}
}

var errMisbehavingAgent = errors.New("agent ignored cancellation past grace period")

// callWithGrace runs fn on its own goroutine so a handler that ignores
// ctx.Done() can be detected (not killed — Go has no safe way to do
// that) rather than silently hung forever. If fn has not returned
// gracePeriod after the stage deadline, its eventual result is discarded
// and a misbehaving_agent failure is returned instead.
func (o *Orchestrator) callWithGrace(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() { resultCh <- fn(stageCtx) }()

	select {
	case err := <-resultCh:
		return err
	case <-stageCtx.Done():
		select {
		case err := <-resultCh:
			return err
		case <-time.After(o.gracePeriod):
			return errMisbehavingAgent
		}
	}
}

func stageErrorCode(err error) string {
	if errors.Is(err, errMisbehavingAgent) {
		return "MisbehavingAgent"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "StageTimeout"
	}
	if se := arkerrors.GetServiceError(err); se != nil {
		return string(se.Code)
	}
	return "StageError"
}
