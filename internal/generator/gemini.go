// Package generator is the production client for the external module
// generator. The pipeline treats generation as a black box returning code
// text plus a risk classification; this package fills that box with Gemini
// and parses the model's JSON envelope strictly, so a hallucinated response
// shape becomes a generator failure instead of garbage flowing downstream.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"evoloop/internal/evolution"
	"evoloop/internal/logging"

	"google.golang.org/genai"
)

const systemInstruction = `You are a code generation service inside an automated
self-modification pipeline. Generate a single self-contained Python module
that satisfies the given requirements. The module must not import networking,
subprocess, or ffi modules; it runs inside a locked-down sandbox.

Respond with a JSON object and nothing else:
{
  "code": "<the complete module source>",
  "risk": "safe" | "caution" | "dangerous" | "blocked",
  "ethical_compliance": true | false
}
Set risk honestly based on what the code touches. Set ethical_compliance to
false if the request or the code is ethically questionable.`

// envelope is the wire shape the model must return.
type envelope struct {
	Code              string         `json:"code"`
	Risk              evolution.Risk `json:"risk"`
	EthicalCompliance *bool          `json:"ethical_compliance"`
}

// GeminiGenerator implements evolution.Generator against the Gemini API.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// NewGeminiGenerator creates a generator client.
func NewGeminiGenerator(ctx context.Context, apiKey, model string) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("generator API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create generator client: %w", err)
	}
	return &GeminiGenerator{client: client, model: model}, nil
}

// GenerateModule asks the model for a candidate and parses the envelope.
// Every failure - transport, empty response, malformed envelope - is a
// plain error the controller records as a generator failure.
func (g *GeminiGenerator) GenerateModule(ctx context.Context, req evolution.GenerateRequest) (string, *evolution.CodeAnalysis, error) {
	prompt := buildPrompt(req)
	logging.Generator("requesting %s candidate from %s", req.Kind, g.model)

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
			ResponseMIMEType:  "application/json",
		},
	)
	if err != nil {
		return "", nil, fmt.Errorf("generation call failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", nil, fmt.Errorf("generator returned an empty response")
	}

	code, analysis, err := parseEnvelope(text)
	if err != nil {
		return "", nil, err
	}
	logging.Generator("candidate received: %d bytes, risk=%s", len(code), analysis.Risk)
	return code, analysis, nil
}

// buildPrompt flattens the request into the generator's input.
func buildPrompt(req evolution.GenerateRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evolution kind: %s\n", req.Kind)
	fmt.Fprintf(&b, "Description: %s\n", req.Description)
	if req.FunctionName != "" {
		fmt.Fprintf(&b, "Entry point: the module must define %s(fixtures)\n", req.FunctionName)
	}
	if len(req.Inputs) > 0 {
		fmt.Fprintf(&b, "Inputs: %s\n", strings.Join(req.Inputs, ", "))
	}
	if len(req.Outputs) > 0 {
		fmt.Fprintf(&b, "Outputs: %s\n", strings.Join(req.Outputs, ", "))
	}
	fmt.Fprintf(&b, "Logic: %s\n", req.Logic)
	if req.SafetyLevel != "" {
		fmt.Fprintf(&b, "Requested safety level: %s\n", req.SafetyLevel)
	}
	if req.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", req.Context)
	}
	return b.String()
}

// parseEnvelope decodes and validates the model's JSON envelope.
func parseEnvelope(text string) (string, *evolution.CodeAnalysis, error) {
	cleaned := stripFences(text)

	var env envelope
	if err := json.Unmarshal([]byte(cleaned), &env); err != nil {
		return "", nil, fmt.Errorf("generator returned malformed envelope: %w", err)
	}
	if strings.TrimSpace(env.Code) == "" {
		return "", nil, fmt.Errorf("generator envelope has no code")
	}
	if env.EthicalCompliance == nil {
		return "", nil, fmt.Errorf("generator envelope missing ethical_compliance")
	}

	return env.Code, &evolution.CodeAnalysis{
		Risk:              env.Risk,
		EthicalCompliance: *env.EthicalCompliance,
	}, nil
}

// stripFences removes a markdown code fence the model sometimes wraps the
// JSON in despite the response MIME type.
func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
