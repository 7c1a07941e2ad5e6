package evolution

import "evoloop/internal/sandbox"

// ComputeApproval derives the approval level for a processed request.
// It is a pure function of (risk, sandbox status, ethical compliance):
//
//  1. Base level maps directly from the risk assessment.
//  2. A sandbox run that did not reach completed escalates exactly one
//     level: automatic to review-required, review-required to human
//     approval. Human approval and committee approval are unchanged.
//  3. Failing the ethical compliance check forces at least human approval;
//     committee approval is never downgraded.
func ComputeApproval(risk Risk, status sandbox.Status, ethical bool) ApprovalLevel {
	var level ApprovalLevel
	switch risk {
	case RiskSafe:
		level = ApprovalAutomatic
	case RiskCaution:
		level = ApprovalReviewRequired
	case RiskDangerous:
		level = ApprovalHuman
	case RiskBlocked:
		level = ApprovalCommittee
	}

	if status != sandbox.StatusCompleted {
		level = escalate(level)
	}

	if !ethical && level < ApprovalHuman {
		level = ApprovalHuman
	}

	return level
}

// escalate bumps the two lower levels by one step. Human approval already
// puts a person in the loop, so it and committee approval pass through
// unchanged.
func escalate(level ApprovalLevel) ApprovalLevel {
	switch level {
	case ApprovalAutomatic:
		return ApprovalReviewRequired
	case ApprovalReviewRequired:
		return ApprovalHuman
	case ApprovalHuman:
		return ApprovalHuman
	case ApprovalCommittee:
		return ApprovalCommittee
	}
	return level
}

// AutoApplicable reports whether a result may be applied without a human:
// the final level must be automatic and the sandbox run must have completed.
func AutoApplicable(level ApprovalLevel, status sandbox.Status) bool {
	return level == ApprovalAutomatic && status == sandbox.StatusCompleted
}
