package evolution

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"evoloop/internal/logging"
)

// Applier integrates approved candidates into the module staging area.
// Each evolution kind has its own routine; the dispatch is exhaustive so a
// new kind cannot be silently ignored. Integration here means staging the
// candidate under <modulesDir>/<kind>/ and updating the manifest - wiring
// staged modules into a running fleet is a deployment concern, not ours.
type Applier struct {
	mu         sync.Mutex
	modulesDir string
}

// manifestEntry records one applied candidate.
type manifestEntry struct {
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	AppliedAt time.Time `json:"applied_at"`
	AppliedBy string    `json:"applied_by,omitempty"`
}

// NewApplier creates an applier rooted at modulesDir.
func NewApplier(modulesDir string) *Applier {
	return &Applier{modulesDir: modulesDir}
}

// Apply integrates code for the request's kind. Returns an error on
// failure; the caller records it and never retries automatically.
func (a *Applier) Apply(result *Result, approver string) error {
	if !result.Kind.Valid() {
		return fmt.Errorf("cannot apply unknown evolution kind %s", result.Kind)
	}
	if result.Code == "" {
		return fmt.Errorf("cannot apply empty candidate for request %s", result.RequestID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var path string
	var err error
	switch result.Kind {
	case KindFunctionGeneration:
		path, err = a.applyFunctionGeneration(result)
	case KindModuleEnhancement:
		path, err = a.applyModuleEnhancement(result)
	case KindBugFix:
		path, err = a.applyBugFix(result)
	case KindOptimization:
		path, err = a.applyOptimization(result)
	case KindFeatureAddition:
		path, err = a.applyFeatureAddition(result)
	}
	if err != nil {
		logging.Apply("apply failed for %s (%s): %v", result.RequestID, result.Kind, err)
		return err
	}

	if err := a.appendManifest(manifestEntry{
		RequestID: result.RequestID,
		Kind:      result.Kind.String(),
		Path:      path,
		AppliedAt: time.Now(),
		AppliedBy: approver,
	}); err != nil {
		return err
	}

	logging.Apply("applied %s (%s) to %s", result.RequestID, result.Kind, path)
	return nil
}

func (a *Applier) applyFunctionGeneration(result *Result) (string, error) {
	return a.stage(result, "functions")
}

func (a *Applier) applyModuleEnhancement(result *Result) (string, error) {
	return a.stage(result, "enhancements")
}

func (a *Applier) applyBugFix(result *Result) (string, error) {
	return a.stage(result, "fixes")
}

func (a *Applier) applyOptimization(result *Result) (string, error) {
	return a.stage(result, "optimizations")
}

func (a *Applier) applyFeatureAddition(result *Result) (string, error) {
	return a.stage(result, "features")
}

// stage writes the candidate under the kind-specific subdirectory, named by
// request id so re-application is idempotent at the filesystem level.
func (a *Applier) stage(result *Result, subdir string) (string, error) {
	dir := filepath.Join(a.modulesDir, subdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	name := strings.ReplaceAll(result.RequestID, string(filepath.Separator), "_")
	path := filepath.Join(dir, name+".py")
	if err := os.WriteFile(path, []byte(result.Code), 0644); err != nil {
		return "", fmt.Errorf("failed to stage candidate: %w", err)
	}
	return path, nil
}

// appendManifest rewrites the manifest with the new entry included.
func (a *Applier) appendManifest(entry manifestEntry) error {
	manifestPath := filepath.Join(a.modulesDir, "manifest.json")

	var entries []manifestEntry
	if data, err := os.ReadFile(manifestPath); err == nil {
		// A corrupt manifest is replaced, not fatal.
		_ = json.Unmarshal(data, &entries)
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
