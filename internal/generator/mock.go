package generator

import (
	"context"

	"evoloop/internal/evolution"
)

// Mock is an evolution.Generator with pluggable behavior, for tests and for
// running the pipeline without an API key.
type Mock struct {
	GenerateFunc func(ctx context.Context, req evolution.GenerateRequest) (string, *evolution.CodeAnalysis, error)
}

// GenerateModule delegates to GenerateFunc, or returns a trivial safe
// candidate when none is set.
func (m *Mock) GenerateModule(ctx context.Context, req evolution.GenerateRequest) (string, *evolution.CodeAnalysis, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	code := "def " + entryPoint(req) + "(fixtures=None):\n    return fixtures\n"
	return code, &evolution.CodeAnalysis{Risk: evolution.RiskSafe, EthicalCompliance: true}, nil
}

func entryPoint(req evolution.GenerateRequest) string {
	if req.FunctionName != "" {
		return req.FunctionName
	}
	return "run"
}
