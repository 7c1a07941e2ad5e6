// Package evolution implements the controlled self-modification pipeline:
// accept a request to evolve the system, obtain a candidate code unit from
// the module generator, execute it inside an isolated sandbox, classify the
// risk of the outcome, and gate the merge behind the computed approval level.
//
// The pipeline per request:
//
//	submitted → generating → sandboxed → {auto-applied | pending-approval}
//	          → {applied | rejected}, with failed reachable from generating
//	          and sandboxed.
//
// All enums here are closed: every switch over them is exhaustive with no
// default fallthrough, so a new kind or level fails to compile until every
// site handles it.
package evolution

import (
	"encoding/json"
	"fmt"
	"time"

	"evoloop/internal/sandbox"
)

// =============================================================================
// CLOSED ENUMS
// =============================================================================

// Kind classifies what an evolution request asks for.
type Kind int

const (
	KindFunctionGeneration Kind = iota
	KindModuleEnhancement
	KindBugFix
	KindOptimization
	KindFeatureAddition
)

// kindNames is the wire representation; order matches the constants.
var kindNames = [...]string{
	"function_generation",
	"module_enhancement",
	"bug_fix",
	"optimization",
	"feature_addition",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Valid reports whether the kind is one of the closed set.
func (k Kind) Valid() bool {
	return k >= 0 && int(k) < len(kindNames)
}

// MarshalJSON encodes the kind as its wire name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a wire name into a kind.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind maps a wire name to a Kind.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown evolution kind %q", s)
}

// Risk is the four-level classification of a generated candidate, produced
// by the external analyzer and treated as opaque input here.
type Risk int

const (
	RiskSafe Risk = iota
	RiskCaution
	RiskDangerous
	RiskBlocked
)

var riskNames = [...]string{"safe", "caution", "dangerous", "blocked"}

// String returns the wire name of the risk level.
func (r Risk) String() string {
	if r < 0 || int(r) >= len(riskNames) {
		return fmt.Sprintf("risk(%d)", int(r))
	}
	return riskNames[r]
}

// MarshalJSON encodes the risk as its wire name.
func (r Risk) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes a wire name into a risk level.
func (r *Risk) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRisk(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRisk maps a wire name to a Risk.
func ParseRisk(s string) (Risk, error) {
	for i, name := range riskNames {
		if name == s {
			return Risk(i), nil
		}
	}
	return 0, fmt.Errorf("unknown risk assessment %q", s)
}

// ApprovalLevel is the gate determining whether a change may be applied
// without human intervention. The constants are a total order:
// automatic < review-required < human-approval < committee-approval.
type ApprovalLevel int

const (
	ApprovalAutomatic ApprovalLevel = iota
	ApprovalReviewRequired
	ApprovalHuman
	ApprovalCommittee
)

var approvalNames = [...]string{
	"automatic",
	"review_required",
	"human_approval",
	"committee_approval",
}

// String returns the wire name of the approval level.
func (a ApprovalLevel) String() string {
	if a < 0 || int(a) >= len(approvalNames) {
		return fmt.Sprintf("approval(%d)", int(a))
	}
	return approvalNames[a]
}

// MarshalJSON encodes the level as its wire name.
func (a ApprovalLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes a wire name into an approval level.
func (a *ApprovalLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range approvalNames {
		if name == s {
			*a = ApprovalLevel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown approval level %q", s)
}

// State is the lifecycle position of an in-flight request.
type State int

const (
	StateSubmitted State = iota
	StateGenerating
	StateSandboxed
	StateAutoApplied
	StatePendingApproval
	StateApplied
	StateRejected
	StateFailed
)

var stateNames = [...]string{
	"submitted",
	"generating",
	"sandboxed",
	"auto_applied",
	"pending_approval",
	"applied",
	"rejected",
	"failed",
}

// String returns the wire name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether the state is terminal.
func (s State) Terminal() bool {
	switch s {
	case StateApplied, StateRejected, StateFailed:
		return true
	case StateSubmitted, StateGenerating, StateSandboxed, StateAutoApplied, StatePendingApproval:
		return false
	}
	return false
}

// =============================================================================
// REQUEST AND RESULT TYPES
// =============================================================================

// Requirements is the structured payload of an evolution request.
type Requirements struct {
	// FunctionName is the entry point the candidate must define.
	FunctionName string `json:"function_name"`

	// Inputs and Outputs describe the expected signature.
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`

	// Logic is a free-text description of what the function must do.
	Logic string `json:"logic"`

	// TestFixtures is an optional structured payload made available to the
	// candidate at execution time.
	TestFixtures map[string]interface{} `json:"test_fixtures,omitempty"`
}

// Request is an immutable unit of work asking the system to produce and
// potentially integrate a code change. Created by an external caller and
// owned by the controller's pending queue until terminal.
type Request struct {
	Kind         Kind         `json:"kind"`
	Description  string       `json:"description"`
	Requirements Requirements `json:"requirements"`

	// SafetyLevel is an advisory hint forwarded to the generator.
	SafetyLevel string `json:"safety_level,omitempty"`

	// RequestedBy identifies the requester for the audit trail.
	RequestedBy string `json:"requested_by"`

	CreatedAt time.Time `json:"created_at"`
}

// CodeAnalysis is the external analyzer's verdict on a generated candidate.
// Opaque input: nothing here re-derives it.
type CodeAnalysis struct {
	Risk              Risk `json:"risk"`
	EthicalCompliance bool `json:"ethical_compliance"`
}

// ResourceUsage is the harness-reported consumption snapshot.
type ResourceUsage struct {
	MaxRSSBytes    int64   `json:"max_rss_bytes"`
	UserTimeSecs   float64 `json:"user_time_s"`
	SystemTimeSecs float64 `json:"system_time_s"`
	IOReadOps      int64   `json:"io_read_ops"`
	IOWriteOps     int64   `json:"io_write_ops"`
}

// Fault describes an error captured inside the harness's guarded block.
type Fault struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

// HarnessResult is the structured result file the harness writes from
// inside the sandbox.
type HarnessResult struct {
	Success     bool           `json:"success"`
	Output      string         `json:"output,omitempty"`
	Fault       *Fault         `json:"fault,omitempty"`
	ElapsedSecs float64        `json:"elapsed_s"`
	Usage       *ResourceUsage `json:"usage,omitempty"`
}

// SandboxResult is the normalized record of one sandbox execution.
// Exactly one exists per processed request; immutable after creation.
type SandboxResult struct {
	Status   sandbox.Status `json:"status"`
	ExitCode int            `json:"exit_code"`
	Stdout   string         `json:"stdout"`
	Stderr   string         `json:"stderr"`

	// Duration is wall-clock execution time.
	Duration time.Duration `json:"duration"`

	// Usage is nil when the harness never got far enough to report it.
	Usage *ResourceUsage `json:"usage,omitempty"`

	// Harness is the parsed structured result file, nil when absent.
	Harness *HarnessResult `json:"harness,omitempty"`

	// Findings are advisory pre-flight scan hits (deny-listed imports).
	Findings []Finding `json:"findings,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	// Error carries infrastructure error text when the run never started.
	Error string `json:"error,omitempty"`
}

// Completed reports whether the sandboxed program ran to a clean exit.
func (s *SandboxResult) Completed() bool {
	return s != nil && s.Status == sandbox.StatusCompleted
}

// Result is the permanent record of one processed evolution request.
// Mutated only by the approval path (sets Applied); retained forever in the
// controller's history.
type Result struct {
	RequestID string `json:"request_id"`
	Kind      Kind   `json:"kind"`

	// Success means the pipeline ran to completion, not that the candidate
	// passed: a failed sandbox run still yields Success=true with the
	// failure recorded in Sandbox.
	Success bool `json:"success"`

	Code     string         `json:"code,omitempty"`
	Analysis *CodeAnalysis  `json:"analysis,omitempty"`
	Sandbox  *SandboxResult `json:"sandbox,omitempty"`

	Approval ApprovalLevel `json:"approval"`
	Applied  bool          `json:"applied"`

	// Rejected marks a gated result a human explicitly turned down.
	Rejected bool `json:"rejected,omitempty"`

	// ApprovedBy records who approved or rejected a gated result.
	ApprovedBy string `json:"approved_by,omitempty"`

	Error         string        `json:"error,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Stats is the aggregate view over the controller's lifetime.
type Stats struct {
	Submitted        int `json:"submitted"`
	InFlight         int `json:"in_flight"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	AutoApplied      int `json:"auto_applied"`
	ManuallyApproved int `json:"manually_approved"`
	Rejected         int `json:"rejected"`
	PendingApprovals int `json:"pending_approvals"`
}
