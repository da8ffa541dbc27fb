package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultStepTimeoutMs is applied when a step does not set TimeoutMs.
const DefaultStepTimeoutMs = 30000

// ChainDefinition is an ordered sequence of steps plus shared variables.
// The JSON form is the interchange format for chain files and job payloads.
type ChainDefinition struct {
	ID          string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Variables   map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Status      ChainStatus    `json:"status,omitempty" yaml:"status,omitempty"`
	CreatedAt   time.Time      `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty" yaml:"completedAt,omitempty"`
}

// Step is one unit of work within a chain, bound to a named tool.
type Step struct {
	ID      string         `json:"id,omitempty" yaml:"id,omitempty"`
	Tool    string         `json:"tool" yaml:"tool"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Options StepOptions    `json:"options,omitempty" yaml:"options,omitempty"`

	// Runtime fields, owned by the chain runner during a run.
	Status     StepStatus  `json:"status,omitempty" yaml:"status,omitempty"`
	Result     *ToolResult `json:"result,omitempty" yaml:"result,omitempty"`
	Error      string      `json:"error,omitempty" yaml:"error,omitempty"`
	Attempts   int         `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	StartTime  *time.Time  `json:"startTime,omitempty" yaml:"startTime,omitempty"`
	EndTime    *time.Time  `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	DurationMs int64       `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// StepOptions configures error handling, timeout, retries, guard and result storage.
type StepOptions struct {
	ContinueOnError bool   `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
	TimeoutMs       int    `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	MaxRetries      int    `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
	Condition       string `json:"condition,omitempty" yaml:"condition,omitempty"`
	StoreAs         string `json:"storeAs,omitempty" yaml:"storeAs,omitempty"`
}

// Timeout returns the effective step timeout.
func (o StepOptions) Timeout() time.Duration {
	if o.TimeoutMs <= 0 {
		return DefaultStepTimeoutMs * time.Millisecond
	}
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// ToolResult is the normalized outcome of a tool invocation.
type ToolResult struct {
	Success bool   `json:"success" yaml:"success"`
	Data    any    `json:"data,omitempty" yaml:"data,omitempty"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// AsMap exposes the result as a plain map for variables and conditions.
func (r ToolResult) AsMap() map[string]any {
	m := map[string]any{"success": r.Success}
	if r.Data != nil {
		m["data"] = r.Data
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// ExecutionRecord is one entry of a run's append-only result history.
type ExecutionRecord struct {
	StepID    string     `json:"stepId"`
	StepIndex int        `json:"stepIndex"`
	Result    ToolResult `json:"result"`
	Timestamp time.Time  `json:"timestamp"`
}

// Normalize assigns missing step IDs ("step_<n>") and defaults the chain status.
func (d *ChainDefinition) Normalize() {
	for i := range d.Steps {
		if d.Steps[i].ID == "" {
			d.Steps[i].ID = fmt.Sprintf("step_%d", i+1)
		}
		if d.Steps[i].Status == "" {
			d.Steps[i].Status = StepStatusPending
		}
	}
	if d.Status == "" {
		d.Status = ChainStatusPending
	}
}

// ToJSON serializes the definition, runtime fields included.
func (d *ChainDefinition) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}

// ChainFromJSON parses a serialized chain and normalizes it.
func ChainFromJSON(data []byte) (*ChainDefinition, error) {
	var def ChainDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "invalid chain definition: %s", err.Error()).WithCause(err)
	}
	def.Normalize()
	return &def, nil
}

// Clone returns a deep copy with runtime state reset, keeping the ID.
// Used to run a stored definition again without touching the stored copy.
func (d *ChainDefinition) Clone() (*ChainDefinition, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("clone chain %s: %w", d.ID, err)
	}
	var cp ChainDefinition
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("clone chain %s: %w", d.ID, err)
	}
	cp.resetRuntime()
	return &cp, nil
}

// ResumeFrom builds a new chain starting at step index from, for re-running
// the tail of a failed chain. The new chain gets a fresh ID; vars (usually
// the variables at the failure point) are layered over the original ones.
func (d *ChainDefinition) ResumeFrom(from int, vars map[string]any) (*ChainDefinition, error) {
	if from < 0 || from >= len(d.Steps) {
		return nil, NewErrorf(ErrCodeValidation, "resume index %d out of range [0,%d)", from, len(d.Steps))
	}
	cp, err := d.Clone()
	if err != nil {
		return nil, err
	}
	cp.ID = uuid.New().String()
	cp.Steps = cp.Steps[from:]
	if cp.Variables == nil {
		cp.Variables = make(map[string]any, len(vars))
	}
	for k, v := range vars {
		cp.Variables[k] = v
	}
	cp.CreatedAt = time.Now().UTC()
	return cp, nil
}

// VariablesAt rebuilds the variables a run held on reaching step index at:
// the chain's own variables plus what every earlier step with a recorded
// result stored under storeAs and "<tool>_result".
func (d *ChainDefinition) VariablesAt(at int) map[string]any {
	vars := make(map[string]any, len(d.Variables))
	for k, v := range d.Variables {
		vars[k] = v
	}
	for i := 0; i < at && i < len(d.Steps); i++ {
		s := d.Steps[i]
		if s.Result == nil {
			continue
		}
		if s.Options.StoreAs != "" {
			vars[s.Options.StoreAs] = s.Result.AsMap()
		}
		if s.Result.Data != nil {
			vars[s.Tool+"_result"] = s.Result.Data
		}
	}
	return vars
}

// FirstUnfinished returns the index of the first step that is neither
// completed nor skipped, or -1 when every step finished.
func (d *ChainDefinition) FirstUnfinished() int {
	for i, s := range d.Steps {
		if s.Status != StepStatusCompleted && s.Status != StepStatusSkipped {
			return i
		}
	}
	return -1
}

func (d *ChainDefinition) resetRuntime() {
	d.Status = ChainStatusPending
	d.StartedAt = nil
	d.CompletedAt = nil
	for i := range d.Steps {
		s := &d.Steps[i]
		s.Status = StepStatusPending
		s.Result = nil
		s.Error = ""
		s.Attempts = 0
		s.StartTime = nil
		s.EndTime = nil
		s.DurationMs = 0
	}
	d.Normalize()
}
