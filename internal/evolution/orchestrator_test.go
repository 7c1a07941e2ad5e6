package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"evoloop/internal/sandbox"
)

// fakeRuntime is a Runtime that records the spec it was given and returns a
// canned result, optionally dropping a harness result file into the output
// mount the way a real container run would.
type fakeRuntime struct {
	lastSpec      sandbox.Spec
	result        *sandbox.Result
	err           error
	harnessResult *HarnessResult
}

func (f *fakeRuntime) Execute(ctx context.Context, spec sandbox.Spec) (*sandbox.Result, error) {
	f.lastSpec = spec
	if f.err != nil {
		return nil, f.err
	}
	if f.harnessResult != nil && spec.OutputDir != "" {
		data, _ := json.Marshal(f.harnessResult)
		if err := os.WriteFile(filepath.Join(spec.OutputDir, "result.json"), data, 0644); err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

func TestOrchestrator_Run_Completed(t *testing.T) {
	rt := &fakeRuntime{
		result: &sandbox.Result{Status: sandbox.StatusCompleted, ExitCode: 0, Stdout: "ok", Duration: time.Second},
		harnessResult: &HarnessResult{
			Success:     true,
			Output:      "{'sum': 6}",
			ElapsedSecs: 0.01,
			Usage:       &ResourceUsage{MaxRSSBytes: 12 * 1024 * 1024},
		},
	}
	o := NewOrchestrator(rt, t.TempDir(), time.Minute)

	res := o.Run(context.Background(), "def run(f):\n    return {'sum': sum(f['values'])}\n", "run",
		map[string]interface{}{"values": []int{1, 2, 3}}, 0)

	if res.Status != sandbox.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Harness == nil || !res.Harness.Success {
		t.Fatal("harness result not parsed")
	}
	if res.Usage == nil || res.Usage.MaxRSSBytes != 12*1024*1024 {
		t.Error("resource usage not propagated from harness")
	}
	if res.Stdout != "ok" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestOrchestrator_Run_WorkspaceLayout(t *testing.T) {
	var sawCandidate, sawHarness, sawFixtures bool
	rt := &fakeRuntime{result: &sandbox.Result{Status: sandbox.StatusCompleted}}
	o := NewOrchestrator(rt, t.TempDir(), time.Minute)

	// Snoop the workspace while it still exists.
	inspect := &inspectingRuntime{inner: rt, onSpec: func(spec sandbox.Spec) {
		_, err := os.Stat(filepath.Join(spec.WorkspaceDir, "candidate.py"))
		sawCandidate = err == nil
		_, err = os.Stat(filepath.Join(spec.WorkspaceDir, "harness.py"))
		sawHarness = err == nil
		_, err = os.Stat(filepath.Join(spec.WorkspaceDir, "fixtures.json"))
		sawFixtures = err == nil
	}}
	o = NewOrchestrator(inspect, t.TempDir(), time.Minute)

	o.Run(context.Background(), "x = 1\n", "", map[string]interface{}{"k": "v"}, 0)

	if !sawCandidate || !sawHarness || !sawFixtures {
		t.Errorf("workspace incomplete: candidate=%v harness=%v fixtures=%v",
			sawCandidate, sawHarness, sawFixtures)
	}
}

type inspectingRuntime struct {
	inner  Runtime
	onSpec func(sandbox.Spec)
}

func (i *inspectingRuntime) Execute(ctx context.Context, spec sandbox.Spec) (*sandbox.Result, error) {
	i.onSpec(spec)
	return i.inner.Execute(ctx, spec)
}

func TestOrchestrator_Run_CleansUpWorkspace(t *testing.T) {
	for _, tc := range []struct {
		name string
		rt   *fakeRuntime
	}{
		{"on success", &fakeRuntime{result: &sandbox.Result{Status: sandbox.StatusCompleted}}},
		{"on timeout", &fakeRuntime{result: &sandbox.Result{Status: sandbox.StatusTimeout, ExitCode: sandbox.ExitTimeout}}},
		{"on runtime error", &fakeRuntime{err: errors.New("docker exploded")}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			o := NewOrchestrator(tc.rt, root, time.Minute)

			o.Run(context.Background(), "x = 1\n", "", nil, 0)

			entries, err := os.ReadDir(root)
			if err != nil {
				t.Fatalf("ReadDir: %v", err)
			}
			if len(entries) != 0 {
				t.Errorf("leaked %d workspace(s): %v", len(entries), entries)
			}
		})
	}
}

func TestOrchestrator_Run_RuntimeErrorBecomesFailedResult(t *testing.T) {
	rt := &fakeRuntime{err: errors.New("cannot connect to the Docker daemon")}
	o := NewOrchestrator(rt, t.TempDir(), time.Minute)

	res := o.Run(context.Background(), "x = 1\n", "", nil, 0)

	if res == nil {
		t.Fatal("Run must never return nil")
	}
	if res.Status != sandbox.StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if res.Error == "" {
		t.Error("infrastructure error text must be carried on the result")
	}
}

func TestOrchestrator_Run_TimeoutNormalization(t *testing.T) {
	rt := &fakeRuntime{result: &sandbox.Result{Status: sandbox.StatusTimeout, ExitCode: sandbox.ExitTimeout}}
	o := NewOrchestrator(rt, t.TempDir(), time.Minute)

	res := o.Run(context.Background(), "while True: pass\n", "", nil, 2*time.Second)

	if res.Status != sandbox.StatusTimeout {
		t.Errorf("status = %s", res.Status)
	}
	if res.ExitCode != sandbox.ExitTimeout {
		t.Errorf("exit code = %d, want the timeout sentinel %d", res.ExitCode, sandbox.ExitTimeout)
	}
	if res.Harness != nil {
		t.Error("killed candidate cannot have a harness result")
	}
}

func TestOrchestrator_Run_CarriesPrecheckFindings(t *testing.T) {
	rt := &fakeRuntime{result: &sandbox.Result{Status: sandbox.StatusCompleted}}
	o := NewOrchestrator(rt, t.TempDir(), time.Minute)

	res := o.Run(context.Background(), "import socket\n", "", nil, 0)

	if len(res.Findings) != 1 || res.Findings[0].Module != "socket" {
		t.Errorf("findings = %v", res.Findings)
	}
}

func TestOrchestrator_Run_PassesTimeoutToSpec(t *testing.T) {
	rt := &fakeRuntime{result: &sandbox.Result{Status: sandbox.StatusCompleted}}
	o := NewOrchestrator(rt, t.TempDir(), 5*time.Minute)

	o.Run(context.Background(), "x = 1\n", "", nil, 42*time.Second)
	if rt.lastSpec.Timeout != 42*time.Second {
		t.Errorf("spec timeout = %v", rt.lastSpec.Timeout)
	}

	o.Run(context.Background(), "x = 1\n", "", nil, 0)
	if rt.lastSpec.Timeout != 5*time.Minute {
		t.Errorf("default spec timeout = %v", rt.lastSpec.Timeout)
	}
}

func TestRenderHarness(t *testing.T) {
	src, err := renderHarness("transform")
	if err != nil {
		t.Fatalf("renderHarness: %v", err)
	}
	for _, want := range []string{
		`ENTRY_POINT = "transform"`,
		"/sandbox/out/result.json",
		"BaseException",
		"traceback.format_exc()",
		"resource.getrusage",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("harness missing %q", want)
		}
	}

	// Empty entry point: import-only execution.
	src, err = renderHarness("")
	if err != nil {
		t.Fatalf("renderHarness: %v", err)
	}
	if !strings.Contains(src, `ENTRY_POINT = ""`) {
		t.Error("empty entry point not rendered")
	}
}
