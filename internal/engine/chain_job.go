package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"

	"github.com/rendis/opchain/pkg/schema"
)

// JobControl is the cooperative side channel a job handler gets from the
// queue.
type JobControl interface {
	IsCancelled() bool
	UpdateProgress(percent int, message string)
}

// ChainJobPayload is the payload of a "chain" job. Exactly one of ChainID
// (a catalog chain), Chain (an inline definition) or ResumeChainID (a failed
// or cancelled catalog run to continue) is set.
type ChainJobPayload struct {
	ChainID       string                  `json:"chain_id,omitempty"`
	Chain         *schema.ChainDefinition `json:"chain,omitempty"`
	ResumeChainID string                  `json:"resume_chain_id,omitempty"`
	Variables     map[string]any          `json:"variables,omitempty"`
}

// ChainJob runs chains as queue jobs.
type ChainJob struct {
	runner    *Runner
	catalog   *Catalog
	validator ChainValidator
}

// NewChainJob creates the chain job handler. catalog is needed only for
// chain_id payloads; validator may be nil.
func NewChainJob(runner *Runner, catalog *Catalog, validator ChainValidator) *ChainJob {
	return &ChainJob{runner: runner, catalog: catalog, validator: validator}
}

// Handle runs the chain described by payload. The job's cancellation flag
// becomes the runner's cancellation predicate and runner progress becomes
// job progress. A failed chain returns its originating error so the queue
// can retry; the partial ChainResult is returned alongside it.
func (h *ChainJob) Handle(ctx context.Context, payload json.RawMessage, jc JobControl) (any, error) {
	var p ChainJobPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid chain job payload: %s", err.Error()).WithCause(err)
	}

	if p.ResumeChainID != "" {
		return h.resume(ctx, p, jc)
	}

	def, fromCatalog, err := h.resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if def.Variables == nil && len(p.Variables) > 0 {
		def.Variables = make(map[string]any, len(p.Variables))
	}
	for k, v := range p.Variables {
		def.Variables[k] = v
	}

	res, err := h.runner.Run(ctx, def, runOptions(jc))
	if err != nil {
		return nil, err
	}

	if fromCatalog {
		if serr := h.catalog.Save(ctx, def); serr != nil {
			return res, serr
		}
	}
	return outcome(res)
}

// resume continues a stored failed or cancelled run from its first
// unfinished step. The tail runs as a new chain with a fresh id, seeded
// with the variables the run held at that step, and is saved to the
// catalog next to the original.
func (h *ChainJob) resume(ctx context.Context, p ChainJobPayload, jc JobControl) (any, error) {
	if p.ChainID != "" || p.Chain != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain job payload sets resume_chain_id with chain_id or chain")
	}
	if h.catalog == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume_chain_id payloads need a chain catalog")
	}
	stored, err := h.catalog.Get(ctx, p.ResumeChainID)
	if err != nil {
		return nil, err
	}

	vars := stored.VariablesAt(stored.FirstUnfinished())
	maps.Copy(vars, p.Variables)
	tail, res, err := h.runner.Resume(ctx, stored, vars, runOptions(jc))
	if err != nil {
		return nil, err
	}
	if serr := h.catalog.Save(ctx, tail); serr != nil {
		return res, serr
	}
	return outcome(res)
}

func runOptions(jc JobControl) RunOptions {
	return RunOptions{
		IsCancelled: jc.IsCancelled,
		OnProgress: func(pr Progress) {
			jc.UpdateProgress(pr.Percent, fmt.Sprintf("step %s %s (%d/%d)", pr.StepID, pr.Status, pr.StepIndex+1, pr.Total))
		},
	}
}

func outcome(res *ChainResult) (any, error) {
	if res.Status != schema.ChainStatusCompleted {
		return res, res.Cause
	}
	return res, nil
}

func (h *ChainJob) resolve(ctx context.Context, p ChainJobPayload) (*schema.ChainDefinition, bool, error) {
	switch {
	case p.ChainID != "" && p.Chain != nil:
		return nil, false, schema.NewError(schema.ErrCodeValidation, "chain job payload sets both chain_id and chain")
	case p.ChainID != "":
		if h.catalog == nil {
			return nil, false, schema.NewError(schema.ErrCodeValidation, "chain_id payloads need a chain catalog")
		}
		stored, err := h.catalog.Get(ctx, p.ChainID)
		if err != nil {
			return nil, false, err
		}
		def, err := stored.Clone()
		return def, true, err
	case p.Chain != nil:
		def, err := p.Chain.Clone()
		if err != nil {
			return nil, false, err
		}
		if h.validator != nil {
			if err := h.validator.ValidateChain(def); err != nil {
				return nil, false, err
			}
		}
		return def, false, nil
	default:
		return nil, false, schema.NewError(schema.ErrCodeValidation, "chain job payload needs chain_id, chain or resume_chain_id")
	}
}
