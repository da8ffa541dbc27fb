package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opchain/internal/logging"
	"github.com/rendis/opchain/internal/store"
	"github.com/rendis/opchain/pkg/schema"
)

// ChainValidator checks a definition before it is accepted.
// Satisfied by *validation.ChainValidator.
type ChainValidator interface {
	ValidateChain(def *schema.ChainDefinition) error
}

// Catalog holds chain definitions by id. Callers only ever see copies;
// writes go through to the store when one is configured. A failing store
// is logged and the catalog keeps working in memory.
type Catalog struct {
	mu        sync.RWMutex
	chains    map[string]*schema.ChainDefinition
	store     store.Store
	validator ChainValidator
	logger    *slog.Logger
}

// NewCatalog creates a Catalog. st, validator and logger may be nil.
func NewCatalog(st store.Store, validator ChainValidator, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		chains:    make(map[string]*schema.ChainDefinition),
		store:     st,
		validator: validator,
		logger:    logger,
	}
}

// Load fills the catalog from the store.
func (c *Catalog) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	defs, err := c.store.ListChains(ctx, store.ChainFilter{})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "load chains: %s", err.Error()).WithCause(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range defs {
		c.chains[d.ID] = d
	}
	return nil
}

// Create validates def and adds it with a fresh runtime state. A missing id
// is generated; an existing id is a CONFLICT.
func (c *Catalog) Create(ctx context.Context, def *schema.ChainDefinition) (*schema.ChainDefinition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "chain definition is nil")
	}
	cp, err := def.Clone()
	if err != nil {
		return nil, err
	}
	if c.validator != nil {
		if err := c.validator.ValidateChain(cp); err != nil {
			return nil, err
		}
	}
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	if _, exists := c.chains[cp.ID]; exists {
		c.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "chain %q already exists", cp.ID)
	}
	c.chains[cp.ID] = cp
	c.mu.Unlock()

	c.persist(ctx, cp)
	return copyChain(cp)
}

// Get returns a copy of the chain, runtime state included.
func (c *Catalog) Get(ctx context.Context, id string) (*schema.ChainDefinition, error) {
	c.mu.RLock()
	def, ok := c.chains[id]
	c.mu.RUnlock()
	if ok {
		return copyChain(def)
	}

	if c.store != nil {
		stored, err := c.store.GetChain(ctx, id)
		if err == nil {
			c.mu.Lock()
			c.chains[id] = stored
			c.mu.Unlock()
			return copyChain(stored)
		}
		if !schema.HasCode(err, schema.ErrCodeNotFound) {
			logging.LogWith(ctx, c.logger).Warn("catalog store read failed",
				slog.String("chain_id", id), slog.String("error", err.Error()))
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "chain %q not found", id)
}

// List returns copies of the chains, oldest first.
func (c *Catalog) List(filter store.ChainFilter) []*schema.ChainDefinition {
	c.mu.RLock()
	out := make([]*schema.ChainDefinition, 0, len(c.chains))
	for _, d := range c.chains {
		if filter.Status != nil && d.Status != *filter.Status {
			continue
		}
		if cp, err := copyChain(d); err == nil {
			out = append(out, cp)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Save stores def (typically after a run) under its id, replacing any
// previous version.
func (c *Catalog) Save(ctx context.Context, def *schema.ChainDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "chain id is required")
	}
	cp, err := copyChain(def)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.chains[cp.ID] = cp
	c.mu.Unlock()
	c.persist(ctx, cp)
	return nil
}

// Delete removes a chain. Chains are never removed implicitly.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	_, ok := c.chains[id]
	delete(c.chains, id)
	c.mu.Unlock()

	if c.store != nil {
		err := c.store.DeleteChain(ctx, id)
		switch {
		case err == nil:
			ok = true
		case !schema.HasCode(err, schema.ErrCodeNotFound):
			logging.LogWith(ctx, c.logger).Warn("catalog store delete failed",
				slog.String("chain_id", id), slog.String("error", err.Error()))
		}
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "chain %q not found", id)
	}
	return nil
}

func (c *Catalog) persist(ctx context.Context, def *schema.ChainDefinition) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveChain(ctx, def); err != nil {
		logging.LogWith(ctx, c.logger).Warn("catalog store write failed",
			slog.String("chain_id", def.ID), slog.String("error", err.Error()))
	}
}

func copyChain(def *schema.ChainDefinition) (*schema.ChainDefinition, error) {
	data, err := def.ToJSON()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode chain %s: %s", def.ID, err.Error()).WithCause(err)
	}
	return schema.ChainFromJSON(data)
}
