package evolution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"evoloop/internal/logging"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// GenerateRequest is the flat structure handed to the external generator,
// derived from an evolution request.
type GenerateRequest struct {
	Kind         string   `json:"kind"`
	FunctionName string   `json:"function_name"`
	Description  string   `json:"description"`
	Inputs       []string `json:"inputs,omitempty"`
	Outputs      []string `json:"outputs,omitempty"`
	Logic        string   `json:"logic"`
	SafetyLevel  string   `json:"safety_level,omitempty"`
	Context      string   `json:"context,omitempty"`
}

// Generator obtains a candidate code unit from the external code generator.
// The generator may fail; failure is recorded, never propagated.
type Generator interface {
	GenerateModule(ctx context.Context, req GenerateRequest) (code string, analysis *CodeAnalysis, err error)
}

// SandboxRunner is the slice of the orchestrator the controller needs.
type SandboxRunner interface {
	Run(ctx context.Context, code, functionName string, fixtures map[string]interface{}, timeout time.Duration) *SandboxResult
}

// AuditSink receives every terminal result for durable storage. Optional;
// the in-memory history is authoritative regardless.
type AuditSink interface {
	Record(result *Result) error
}

// Options tunes a controller.
type Options struct {
	// MaxConcurrent bounds in-flight request processing.
	MaxConcurrent int

	// SandboxTimeout is the per-execution wall-clock cap.
	SandboxTimeout time.Duration

	// GeneratorTimeout bounds a single generation call.
	GeneratorTimeout time.Duration
}

// DefaultOptions returns the stock controller tuning.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:    4,
		SandboxTimeout:   300 * time.Second,
		GeneratorTimeout: 120 * time.Second,
	}
}

// pendingEntry tracks one in-flight request. The pending queue never holds
// two entries for the same id.
type pendingEntry struct {
	request Request
	state   State
}

// Controller is the top-level state machine for evolution requests. All
// shared state - the pending queue, the completed/failed histories, and the
// counters - is owned by one instance and touched only under the mutex.
// Each accepted request is processed on its own goroutine, bounded by a
// semaphore and tracked so Shutdown can drain in-flight work.
type Controller struct {
	mu        sync.Mutex
	pending   map[string]*pendingEntry
	completed []*Result
	failed    []*Result
	stats     Stats
	closed    bool

	generator Generator
	sandbox   SandboxRunner
	applier   *Applier
	audit     AuditSink

	opts   Options
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

// NewController wires the pipeline together. audit may be nil.
func NewController(gen Generator, sb SandboxRunner, applier *Applier, audit AuditSink, opts Options) *Controller {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultOptions().MaxConcurrent
	}
	if opts.SandboxTimeout <= 0 {
		opts.SandboxTimeout = DefaultOptions().SandboxTimeout
	}
	if opts.GeneratorTimeout <= 0 {
		opts.GeneratorTimeout = DefaultOptions().GeneratorTimeout
	}

	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		pending:   make(map[string]*pendingEntry),
		generator: gen,
		sandbox:   sb,
		applier:   applier,
		audit:     audit,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		base:      base,
		cancel:    cancel,
	}
}

// RequestEvolution accepts a request, assigns it an id, and schedules
// asynchronous processing. Returns immediately; the caller observes progress
// through the history.
func (c *Controller) RequestEvolution(req Request) (string, error) {
	if !req.Kind.Valid() {
		return "", fmt.Errorf("invalid evolution kind %d", int(req.Kind))
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	id := uuid.NewString()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("controller is shut down")
	}
	c.pending[id] = &pendingEntry{request: req, state: StateSubmitted}
	c.stats.Submitted++
	c.mu.Unlock()

	logging.Controller("accepted request %s (%s) from %s", id, req.Kind, req.RequestedBy)

	c.wg.Add(1)
	go c.process(id, req)
	return id, nil
}

// process runs the five pipeline steps for one request. Every failure mode
// ends in exactly one history entry; nothing escapes the goroutine.
func (c *Controller) process(id string, req Request) {
	defer c.wg.Done()

	// The request leaves the pending queue exactly once, whatever happens.
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	// A panic anywhere below must not corrupt shared state or vanish.
	defer func() {
		if r := recover(); r != nil {
			logging.ControllerError("request %s panicked: %v", id, r)
			c.record(&Result{
				RequestID: id,
				Kind:      req.Kind,
				Error:     fmt.Sprintf("internal fault: %v", r),
				Timestamp: time.Now(),
			}, true)
		}
	}()

	if err := c.sem.Acquire(c.base, 1); err != nil {
		c.record(&Result{
			RequestID: id,
			Kind:      req.Kind,
			Error:     "controller shut down before processing started",
			Timestamp: time.Now(),
		}, true)
		return
	}
	defer c.sem.Release(1)

	start := time.Now()

	// Step 1: obtain the candidate from the external generator.
	c.setState(id, StateGenerating)
	genCtx, cancel := context.WithTimeout(c.base, c.opts.GeneratorTimeout)
	code, analysis, err := c.generator.GenerateModule(genCtx, GenerateRequest{
		Kind:         req.Kind.String(),
		FunctionName: req.Requirements.FunctionName,
		Description:  req.Description,
		Inputs:       req.Requirements.Inputs,
		Outputs:      req.Requirements.Outputs,
		Logic:        req.Requirements.Logic,
		SafetyLevel:  req.SafetyLevel,
	})
	cancel()
	if err != nil {
		logging.ControllerError("request %s: generator failed: %v", id, err)
		c.record(&Result{
			RequestID:     id,
			Kind:          req.Kind,
			Error:         fmt.Sprintf("generation failed: %v", err),
			Timestamp:     time.Now(),
			TotalDuration: time.Since(start),
		}, true)
		return
	}

	// Step 2: run the candidate in isolation. Sandbox failures are results,
	// not aborts.
	c.setState(id, StateSandboxed)
	sb := c.sandbox.Run(c.base, code, req.Requirements.FunctionName,
		req.Requirements.TestFixtures, c.opts.SandboxTimeout)

	// Step 3: compute the approval gate.
	level := ComputeApproval(analysis.Risk, sb.Status, analysis.EthicalCompliance)

	result := &Result{
		RequestID:     id,
		Kind:          req.Kind,
		Success:       true,
		Code:          code,
		Analysis:      analysis,
		Sandbox:       sb,
		Approval:      level,
		Timestamp:     time.Now(),
		TotalDuration: time.Since(start),
	}

	// Step 4: auto-apply when, and only when, the gate allows it.
	if AutoApplicable(level, sb.Status) {
		c.setState(id, StateAutoApplied)
		if err := c.applier.Apply(result, "automatic"); err != nil {
			result.Error = fmt.Sprintf("auto-apply failed: %v", err)
		} else {
			result.Applied = true
		}
	} else {
		c.setState(id, StatePendingApproval)
	}

	// Step 5: persist into history.
	c.record(result, false)
	logging.Controller("request %s done: sandbox=%s approval=%s applied=%v",
		id, sb.Status, level, result.Applied)
}

// setState advances an in-flight request's lifecycle marker.
func (c *Controller) setState(id string, state State) {
	c.mu.Lock()
	if entry, ok := c.pending[id]; ok {
		entry.state = state
	}
	c.mu.Unlock()
}

// record appends a terminal result to the proper history list, bumps the
// counters, and writes through to the audit sink.
func (c *Controller) record(result *Result, failed bool) {
	c.mu.Lock()
	if failed {
		c.failed = append(c.failed, result)
		c.stats.Failed++
	} else {
		c.completed = append(c.completed, result)
		c.stats.Completed++
		if result.Applied {
			c.stats.AutoApplied++
		}
	}
	c.mu.Unlock()

	c.writeAudit(result)
}

func (c *Controller) writeAudit(result *Result) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(result); err != nil {
		// Audit write-through is best effort; the in-memory trail holds.
		logging.StoreError("audit write for %s failed: %v", result.RequestID, err)
	}
}

// ApproveEvolution resolves a gated result. With approved=true the stored
// candidate is applied and the result marked applied; with approved=false
// the rejection is recorded. Returns false when the result cannot be found,
// is already applied or rejected, or the apply step fails. Calling it again
// on an already-applied result returns false without side effects.
func (c *Controller) ApproveEvolution(requestID string, approved bool, approver string) bool {
	c.mu.Lock()
	var target *Result
	for _, r := range c.completed {
		if r.RequestID == requestID {
			target = r
			break
		}
	}
	if target == nil || target.Applied || target.Rejected {
		c.mu.Unlock()
		return false
	}

	if !approved {
		target.Rejected = true
		target.ApprovedBy = approver
		c.stats.Rejected++
		c.mu.Unlock()
		logging.Controller("request %s rejected by %s", requestID, approver)
		c.writeAudit(target)
		return true
	}

	// Reserve the result before releasing the lock so a concurrent approval
	// cannot double-apply.
	target.Applied = true
	c.mu.Unlock()

	if err := c.applier.Apply(target, approver); err != nil {
		c.mu.Lock()
		target.Applied = false
		target.Error = fmt.Sprintf("apply failed: %v", err)
		c.mu.Unlock()
		logging.ControllerError("request %s: manual apply failed: %v", requestID, err)
		return false
	}

	c.mu.Lock()
	target.ApprovedBy = approver
	c.stats.ManuallyApproved++
	c.mu.Unlock()

	logging.Controller("request %s approved and applied by %s", requestID, approver)
	c.writeAudit(target)
	return true
}

// snapshot returns a shallow copy safe to hand to callers while approvals
// keep mutating the stored record. The nested Analysis and Sandbox records
// are immutable once recorded, so sharing them is fine.
func (r *Result) snapshot() *Result {
	cp := *r
	return &cp
}

// GetPendingApprovals returns every completed result still waiting on a
// human: gated above automatic, not applied, not rejected.
func (c *Controller) GetPendingApprovals() []*Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*Result
	for _, r := range c.completed {
		if r.Approval != ApprovalAutomatic && !r.Applied && !r.Rejected {
			out = append(out, r.snapshot())
		}
	}
	return out
}

// GetEvolutionStats returns the aggregate counters.
func (c *Controller) GetEvolutionStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.InFlight = len(c.pending)
	for _, r := range c.completed {
		if r.Approval != ApprovalAutomatic && !r.Applied && !r.Rejected {
			stats.PendingApprovals++
		}
	}
	return stats
}

// GetEvolutionHistory returns completed and failed results interleaved,
// most recent first by result timestamp, truncated to limit (limit <= 0
// means everything). Entries are copies; a later approval does not mutate
// a slice the caller already holds.
func (c *Controller) GetEvolutionHistory(limit int) []*Result {
	c.mu.Lock()
	history := make([]*Result, 0, len(c.completed)+len(c.failed))
	for _, r := range c.completed {
		history = append(history, r.snapshot())
	}
	for _, r := range c.failed {
		history = append(history, r.snapshot())
	}
	c.mu.Unlock()

	sort.SliceStable(history, func(i, j int) bool {
		return history[i].Timestamp.After(history[j].Timestamp)
	})
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history
}

// Shutdown stops accepting requests and waits for in-flight processing to
// drain, or for ctx to expire. In-flight work is never abandoned silently.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel() // give up: cancel whatever is still running
		<-done
		return fmt.Errorf("shutdown interrupted with work in flight: %w", ctx.Err())
	}
}
