package evolution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"evoloop/internal/sandbox"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// TEST DOUBLES
// =============================================================================

// mockGenerator is a Generator with pluggable behavior.
type mockGenerator struct {
	GenerateFunc func(ctx context.Context, req GenerateRequest) (string, *CodeAnalysis, error)
}

func (m *mockGenerator) GenerateModule(ctx context.Context, req GenerateRequest) (string, *CodeAnalysis, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return "def run(f):\n    return 42\n", &CodeAnalysis{Risk: RiskSafe, EthicalCompliance: true}, nil
}

// stubSandbox returns a canned SandboxResult without any container.
type stubSandbox struct {
	mu     sync.Mutex
	status sandbox.Status
	calls  int
}

func (s *stubSandbox) Run(ctx context.Context, code, fn string, fixtures map[string]interface{}, timeout time.Duration) *SandboxResult {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	res := &SandboxResult{
		Status:    s.status,
		Timestamp: time.Now(),
	}
	switch s.status {
	case sandbox.StatusCompleted:
		res.ExitCode = 0
	case sandbox.StatusTimeout:
		res.ExitCode = sandbox.ExitTimeout
	default:
		res.ExitCode = 1
	}
	return res
}

func newTestController(t *testing.T, gen Generator, sb SandboxRunner) *Controller {
	t.Helper()
	applier := NewApplier(filepath.Join(t.TempDir(), "modules"))
	c := NewController(gen, sb, applier, nil, Options{MaxConcurrent: 4})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return c
}

// waitForHistory polls until the controller has n history entries.
func waitForHistory(t *testing.T, c *Controller, n int) []*Result {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if h := c.GetEvolutionHistory(0); len(h) >= n {
			return h
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d history entries", n)
	return nil
}

func bugFixRequest() Request {
	return Request{
		Kind:        KindBugFix,
		Description: "fix the rounding error in fee calculation",
		Requirements: Requirements{
			FunctionName: "run",
			Logic:        "round to cents using bankers rounding",
			TestFixtures: map[string]interface{}{"values": []int{1, 2, 3}},
		},
		RequestedBy: "test",
	}
}

// =============================================================================
// PIPELINE TESTS
// =============================================================================

func TestController_AutoApplyHappyPath(t *testing.T) {
	// safe risk + completed sandbox + ethical → automatic, applied.
	c := newTestController(t, &mockGenerator{}, &stubSandbox{status: sandbox.StatusCompleted})

	id, err := c.RequestEvolution(bugFixRequest())
	if err != nil {
		t.Fatalf("RequestEvolution: %v", err)
	}
	if id == "" {
		t.Fatal("empty request id")
	}

	history := waitForHistory(t, c, 1)
	res := history[0]
	if res.RequestID != id {
		t.Errorf("history id = %s, want %s", res.RequestID, id)
	}
	if !res.Success {
		t.Errorf("expected success, error: %s", res.Error)
	}
	if res.Approval != ApprovalAutomatic {
		t.Errorf("approval = %s, want automatic", res.Approval)
	}
	if !res.Applied {
		t.Error("safe+completed result must be auto-applied")
	}

	stats := c.GetEvolutionStats()
	if stats.Completed != 1 || stats.AutoApplied != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestController_TimeoutEscalatesAndHolds(t *testing.T) {
	c := newTestController(t, &mockGenerator{}, &stubSandbox{status: sandbox.StatusTimeout})

	if _, err := c.RequestEvolution(bugFixRequest()); err != nil {
		t.Fatal(err)
	}

	res := waitForHistory(t, c, 1)[0]
	if res.Sandbox.Status != sandbox.StatusTimeout {
		t.Errorf("sandbox status = %s", res.Sandbox.Status)
	}
	if res.Sandbox.ExitCode != sandbox.ExitTimeout {
		t.Errorf("exit code = %d, want the timeout sentinel", res.Sandbox.ExitCode)
	}
	if res.Approval != ApprovalReviewRequired {
		t.Errorf("approval = %s, want one-level escalation to review_required", res.Approval)
	}
	if res.Applied {
		t.Error("timed-out candidate must never be applied")
	}

	pending := c.GetPendingApprovals()
	if len(pending) != 1 || pending[0].RequestID != res.RequestID {
		t.Errorf("pending approvals = %v", pending)
	}
}

func TestController_GeneratorFailure(t *testing.T) {
	gen := &mockGenerator{GenerateFunc: func(ctx context.Context, req GenerateRequest) (string, *CodeAnalysis, error) {
		return "", nil, errors.New("model returned malformed envelope")
	}}
	sb := &stubSandbox{status: sandbox.StatusCompleted}
	c := newTestController(t, gen, sb)

	if _, err := c.RequestEvolution(bugFixRequest()); err != nil {
		t.Fatal(err)
	}

	res := waitForHistory(t, c, 1)[0]
	if res.Success {
		t.Error("generator failure must yield a failed result")
	}
	if res.Error == "" || res.Sandbox != nil {
		t.Errorf("failed result malformed: error=%q sandbox=%v", res.Error, res.Sandbox)
	}

	sb.mu.Lock()
	calls := sb.calls
	sb.mu.Unlock()
	if calls != 0 {
		t.Error("no sandbox run may occur after generator failure")
	}
	if got := c.GetEvolutionStats(); got.Failed != 1 || got.Completed != 0 {
		t.Errorf("stats = %+v", got)
	}
}

func TestController_UnethicalForcedToHuman(t *testing.T) {
	gen := &mockGenerator{GenerateFunc: func(ctx context.Context, req GenerateRequest) (string, *CodeAnalysis, error) {
		return "def run(f): pass\n", &CodeAnalysis{Risk: RiskSafe, EthicalCompliance: false}, nil
	}}
	c := newTestController(t, gen, &stubSandbox{status: sandbox.StatusCompleted})

	if _, err := c.RequestEvolution(bugFixRequest()); err != nil {
		t.Fatal(err)
	}

	res := waitForHistory(t, c, 1)[0]
	if res.Approval != ApprovalHuman {
		t.Errorf("approval = %s, want human_approval", res.Approval)
	}
	if res.Applied {
		t.Error("non-compliant candidate must not auto-apply")
	}
}

func TestController_ExactlyOneHistoryEntryPerRequest(t *testing.T) {
	c := newTestController(t, &mockGenerator{}, &stubSandbox{status: sandbox.StatusCompleted})

	const n = 20
	ids := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id, err := c.RequestEvolution(bugFixRequest())
		if err != nil {
			t.Fatal(err)
		}
		ids[id] = true
	}
	if len(ids) != n {
		t.Fatalf("request ids not unique: %d/%d", len(ids), n)
	}

	history := waitForHistory(t, c, n)
	if len(history) != n {
		t.Fatalf("history has %d entries, want %d", len(history), n)
	}
	seen := make(map[string]int)
	for _, r := range history {
		seen[r.RequestID]++
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("request %s appears %d times in history", id, count)
		}
		if !ids[id] {
			t.Errorf("unknown request %s in history", id)
		}
	}

	if stats := c.GetEvolutionStats(); stats.InFlight != 0 {
		t.Errorf("pending queue not drained: %d in flight", stats.InFlight)
	}
}

func TestController_ApproveEvolution(t *testing.T) {
	gen := &mockGenerator{GenerateFunc: func(ctx context.Context, req GenerateRequest) (string, *CodeAnalysis, error) {
		return "def run(f): pass\n", &CodeAnalysis{Risk: RiskCaution, EthicalCompliance: true}, nil
	}}
	c := newTestController(t, gen, &stubSandbox{status: sandbox.StatusCompleted})

	id, err := c.RequestEvolution(bugFixRequest())
	if err != nil {
		t.Fatal(err)
	}
	waitForHistory(t, c, 1)

	if ok := c.ApproveEvolution(id, true, "alice"); !ok {
		t.Fatal("approval of a gated result must succeed")
	}

	res := c.GetEvolutionHistory(1)[0]
	if !res.Applied || res.ApprovedBy != "alice" {
		t.Errorf("result after approval: applied=%v by=%q", res.Applied, res.ApprovedBy)
	}

	// Second approval on an already-applied result: no double apply.
	if ok := c.ApproveEvolution(id, true, "bob"); ok {
		t.Error("re-approval must return false")
	}
	if res.ApprovedBy != "alice" {
		t.Error("re-approval must not mutate the result")
	}

	if len(c.GetPendingApprovals()) != 0 {
		t.Error("applied result must leave the pending approvals list")
	}
	if stats := c.GetEvolutionStats(); stats.ManuallyApproved != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestController_RejectEvolution(t *testing.T) {
	gen := &mockGenerator{GenerateFunc: func(ctx context.Context, req GenerateRequest) (string, *CodeAnalysis, error) {
		return "def run(f): pass\n", &CodeAnalysis{Risk: RiskDangerous, EthicalCompliance: true}, nil
	}}
	c := newTestController(t, gen, &stubSandbox{status: sandbox.StatusCompleted})

	id, err := c.RequestEvolution(bugFixRequest())
	if err != nil {
		t.Fatal(err)
	}
	waitForHistory(t, c, 1)

	if ok := c.ApproveEvolution(id, false, "carol"); !ok {
		t.Fatal("rejection must succeed")
	}

	res := c.GetEvolutionHistory(1)[0]
	if res.Applied || !res.Rejected {
		t.Errorf("rejected result: applied=%v rejected=%v", res.Applied, res.Rejected)
	}
	if len(c.GetPendingApprovals()) != 0 {
		t.Error("rejected result must leave the pending approvals list")
	}
	if stats := c.GetEvolutionStats(); stats.Rejected != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// A rejected result cannot be resurrected.
	if ok := c.ApproveEvolution(id, true, "dave"); ok {
		t.Error("approval after rejection must return false")
	}
}

func TestController_ApproveUnknownRequest(t *testing.T) {
	c := newTestController(t, &mockGenerator{}, &stubSandbox{status: sandbox.StatusCompleted})

	if ok := c.ApproveEvolution("no-such-id", true, "alice"); ok {
		t.Error("approval of an unknown request must return false")
	}
	if stats := c.GetEvolutionStats(); stats.ManuallyApproved != 0 || stats.Rejected != 0 {
		t.Errorf("approval of unknown id must have no side effects: %+v", stats)
	}
}

// The query surfaces hand out copies: mutating a returned result must never
// reach the stored record, which approvals keep mutating under the lock.
func TestController_QueryResultsAreSnapshots(t *testing.T) {
	gen := &mockGenerator{GenerateFunc: func(ctx context.Context, req GenerateRequest) (string, *CodeAnalysis, error) {
		return "def run(f): pass\n", &CodeAnalysis{Risk: RiskCaution, EthicalCompliance: true}, nil
	}}
	c := newTestController(t, gen, &stubSandbox{status: sandbox.StatusCompleted})

	id, err := c.RequestEvolution(bugFixRequest())
	if err != nil {
		t.Fatal(err)
	}
	waitForHistory(t, c, 1)

	got := c.GetEvolutionHistory(1)[0]
	got.Applied = true
	got.ApprovedBy = "nobody"

	fresh := c.GetEvolutionHistory(1)[0]
	if fresh.Applied || fresh.ApprovedBy != "" {
		t.Errorf("mutation of a returned result reached the stored record: applied=%v by=%q",
			fresh.Applied, fresh.ApprovedBy)
	}

	pending := c.GetPendingApprovals()
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending approval, got %d", len(pending))
	}
	pending[0].Rejected = true
	if len(c.GetPendingApprovals()) != 1 {
		t.Error("mutation of a pending entry must not affect the stored record")
	}

	// The real approval path still operates on the stored record.
	if ok := c.ApproveEvolution(id, false, "reviewer"); !ok {
		t.Fatal("rejection must succeed")
	}
	if len(c.GetPendingApprovals()) != 0 {
		t.Error("rejected result must leave the pending approvals list")
	}
}

func TestController_HistoryOrderingAndLimit(t *testing.T) {
	c := newTestController(t, &mockGenerator{}, &stubSandbox{status: sandbox.StatusCompleted})

	for i := 0; i < 5; i++ {
		if _, err := c.RequestEvolution(bugFixRequest()); err != nil {
			t.Fatal(err)
		}
	}
	history := waitForHistory(t, c, 5)

	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.After(history[i-1].Timestamp) {
			t.Fatal("history must be ordered most recent first")
		}
	}

	if got := c.GetEvolutionHistory(2); len(got) != 2 {
		t.Errorf("limited history has %d entries", len(got))
	}
}

func TestController_RejectsInvalidKind(t *testing.T) {
	c := newTestController(t, &mockGenerator{}, &stubSandbox{status: sandbox.StatusCompleted})

	req := bugFixRequest()
	req.Kind = Kind(99)
	if _, err := c.RequestEvolution(req); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestController_ShutdownDrainsInFlight(t *testing.T) {
	release := make(chan struct{})
	gen := &mockGenerator{GenerateFunc: func(ctx context.Context, req GenerateRequest) (string, *CodeAnalysis, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "def run(f): pass\n", &CodeAnalysis{Risk: RiskSafe, EthicalCompliance: true}, nil
	}}
	applier := NewApplier(filepath.Join(t.TempDir(), "modules"))
	c := NewController(gen, &stubSandbox{status: sandbox.StatusCompleted}, applier, nil, Options{MaxConcurrent: 2})

	if _, err := c.RequestEvolution(bugFixRequest()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		done <- c.Shutdown(ctx)
	}()

	// New submissions are refused once shutdown begins.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := c.RequestEvolution(bugFixRequest()); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("controller kept accepting requests during shutdown")
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// The in-flight request completed rather than being abandoned.
	if h := c.GetEvolutionHistory(0); len(h) < 1 {
		t.Error("in-flight work was abandoned during shutdown")
	}
}

func TestController_AuditWriteThrough(t *testing.T) {
	sink := &recordingSink{}
	applier := NewApplier(filepath.Join(t.TempDir(), "modules"))
	c := NewController(&mockGenerator{}, &stubSandbox{status: sandbox.StatusCompleted}, applier, sink, Options{})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	}()

	id, err := c.RequestEvolution(bugFixRequest())
	if err != nil {
		t.Fatal(err)
	}
	waitForHistory(t, c, 1)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 1 || sink.records[0].RequestID != id {
		t.Errorf("audit sink records = %v", sink.records)
	}
}

func TestController_AuditFailureDoesNotAbort(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	applier := NewApplier(filepath.Join(t.TempDir(), "modules"))
	c := NewController(&mockGenerator{}, &stubSandbox{status: sandbox.StatusCompleted}, applier, sink, Options{})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	}()

	if _, err := c.RequestEvolution(bugFixRequest()); err != nil {
		t.Fatal(err)
	}

	res := waitForHistory(t, c, 1)[0]
	if !res.Success {
		t.Error("audit sink failure must not fail the request")
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []*Result
	err     error
}

func (r *recordingSink) Record(result *Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, result)
	return nil
}

func TestController_PanicInGeneratorBecomesFailedResult(t *testing.T) {
	gen := &mockGenerator{GenerateFunc: func(ctx context.Context, req GenerateRequest) (string, *CodeAnalysis, error) {
		panic("generator lost its mind")
	}}
	c := newTestController(t, gen, &stubSandbox{status: sandbox.StatusCompleted})

	if _, err := c.RequestEvolution(bugFixRequest()); err != nil {
		t.Fatal(err)
	}

	res := waitForHistory(t, c, 1)[0]
	if res.Success {
		t.Error("panic must surface as a failed result")
	}
	if res.Error == "" {
		t.Error("failed result must carry the fault text")
	}
	if stats := c.GetEvolutionStats(); stats.InFlight != 0 {
		t.Error("panicked request must still leave the pending queue")
	}
}

func TestController_ConcurrentSubmissions(t *testing.T) {
	c := newTestController(t, &mockGenerator{}, &stubSandbox{status: sandbox.StatusCompleted})

	const n = 30
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := bugFixRequest()
			req.Description = fmt.Sprintf("change %d", i)
			if _, err := c.RequestEvolution(req); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent submit: %v", err)
	}

	history := waitForHistory(t, c, n)
	if len(history) != n {
		t.Errorf("history = %d entries, want %d", len(history), n)
	}
}
