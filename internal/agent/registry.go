package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/fork-scorer/pkg/types"
)

var (
	ErrDuplicateStrategy = errors.New("strategy already registered")
	ErrUnknownStrategy   = errors.New("strategy not registered")
)

// Scorer is the capability every scoring strategy exposes.
//
// Analyze must return at least a numeric "score" in [0,100]; RequiredFields
// lists any further keys the result must carry.
type Scorer interface {
	Analyze(ctx context.Context, a, b *types.Subject) (map[string]any, error)
	RequiredFields() []string
}

// ScorerFunc adapts a plain function to Scorer with no extra required fields.
type ScorerFunc func(ctx context.Context, a, b *types.Subject) (map[string]any, error)

func (f ScorerFunc) Analyze(ctx context.Context, a, b *types.Subject) (map[string]any, error) {
	return f(ctx, a, b)
}

func (f ScorerFunc) RequiredFields() []string { return nil }

// Registry maps a strategy identifier to its Scorer.
type Registry struct {
	mu      sync.RWMutex
	scorers map[types.StrategyType]Scorer
	order   []types.StrategyType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{scorers: make(map[types.StrategyType]Scorer)}
}

// Register adds a strategy. Registering the same identifier twice is an error.
func (r *Registry) Register(strategy types.StrategyType, s Scorer) error {
	if s == nil {
		return fmt.Errorf("nil scorer for strategy %s", strategy)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.scorers[strategy]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateStrategy, strategy)
	}
	r.scorers[strategy] = s
	r.order = append(r.order, strategy)
	return nil
}

// Get returns the scorer registered for strategy.
func (r *Registry) Get(strategy types.StrategyType) (Scorer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scorers[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, strategy)
	}
	return s, nil
}

// Strategies returns the registered identifiers in registration order.
func (r *Registry) Strategies() []types.StrategyType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.StrategyType(nil), r.order...)
}

// Len returns the number of registered strategies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
