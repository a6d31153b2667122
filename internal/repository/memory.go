package repository

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type flagKey struct {
	name        string
	environment string
}

// MemoryRepository keeps everything in process memory. It is meant for tests
// and single instance development setups; nothing survives a restart.
type MemoryRepository struct {
	mu          sync.RWMutex
	now         func() time.Time
	flags       map[flagKey]Flag
	evaluations map[string][]Evaluation
	nextEvalID  int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:         time.Now,
		flags:       make(map[flagKey]Flag),
		evaluations: make(map[string][]Evaluation),
	}
}

func (m *MemoryRepository) FindByNameAndEnvironment(_ context.Context, name, environment string) (Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, ok := m.flags[flagKey{name: name, environment: environment}]
	if !ok {
		return Flag{}, ErrNotFound
	}
	return cloneFlag(flag), nil
}

func (m *MemoryRepository) SaveFlag(_ context.Context, flag Flag) (Flag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := flagKey{name: flag.Name, environment: flag.Environment}
	now := m.now().UTC()

	saved := cloneFlag(flag)
	if existing, ok := m.flags[key]; ok {
		saved.ID = existing.ID
		saved.CreatedAt = existing.CreatedAt
	} else {
		if strings.TrimSpace(saved.ID) == "" {
			saved.ID = uuid.NewString()
		}
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now
	for i := range saved.Rules {
		saved.Rules[i].Position = i
		saved.Rules[i].Config = ensureJSON(saved.Rules[i].Config, "{}")
	}

	m.flags[key] = saved
	return cloneFlag(saved), nil
}

func (m *MemoryRepository) RecordEvaluation(_ context.Context, evaluation Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEvalID++
	evaluation.ID = m.nextEvalID
	evaluation.Context = append([]byte(nil), ensureJSON(evaluation.Context, "{}")...)
	evaluation.CreatedAt = m.now().UTC()
	m.evaluations[evaluation.FlagID] = append(m.evaluations[evaluation.FlagID], evaluation)

	return nil
}

// GetEvaluations returns the newest evaluations first.
func (m *MemoryRepository) GetEvaluations(_ context.Context, flagID string) ([]Evaluation, error) {
	m.mu.RLock()
	stored := m.evaluations[flagID]
	out := make([]Evaluation, 0, min(len(stored), maxEvaluationBatchSize))
	for i := len(stored) - 1; i >= 0 && len(out) < maxEvaluationBatchSize; i-- {
		out = append(out, stored[i])
	}
	m.mu.RUnlock()

	// Insertion order already matches id order; keep the same tie-break as SQL.
	slices.SortStableFunc(out, func(a, b Evaluation) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

func (m *MemoryRepository) Close() error { return nil }
