package hypertune

import (
	"context"
	"fmt"
	"sync"
)

// Store persists the trials, oracle state and model checkpoints of a
// project so that a search can be inspected and resumed.
type Store interface {
	SaveTrial(ctx context.Context, project string, trial *Trial) error
	LoadTrials(ctx context.Context, project string) ([]*Trial, error)

	// SaveOracleState and LoadOracleState persist the oracle. LoadOracleState
	// returns nil, nil when the project has no saved state.
	SaveOracleState(ctx context.Context, project string, state OracleState) error
	LoadOracleState(ctx context.Context, project string) (*OracleState, error)

	// SaveCheckpoint and LoadCheckpoint persist model weights per trial.
	// LoadCheckpoint returns ErrNoCheckpoint when nothing was saved.
	SaveCheckpoint(ctx context.Context, project, trialID string, data []byte) error
	LoadCheckpoint(ctx context.Context, project, trialID string) ([]byte, error)

	// Reset deletes everything stored for project.
	Reset(ctx context.Context, project string) error

	// Location describes where project data lives, for summaries.
	Location(project string) string
}

// MemoryStore is an in-memory Store, mostly useful for tests and one-off
// searches.
type MemoryStore struct {
	mu          sync.Mutex
	trials      map[string]map[string]*Trial
	order       map[string][]string
	states      map[string]OracleState
	checkpoints map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trials:      map[string]map[string]*Trial{},
		order:       map[string][]string{},
		states:      map[string]OracleState{},
		checkpoints: map[string][]byte{},
	}
}

func (s *MemoryStore) SaveTrial(_ context.Context, project string, trial *Trial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.trials[project] == nil {
		s.trials[project] = map[string]*Trial{}
	}

	if _, ok := s.trials[project][trial.ID]; !ok {
		s.order[project] = append(s.order[project], trial.ID)
	}

	s.trials[project][trial.ID] = trial.Clone()

	return nil
}

func (s *MemoryStore) LoadTrials(_ context.Context, project string) ([]*Trial, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Trial, 0, len(s.order[project]))
	for _, id := range s.order[project] {
		out = append(out, s.trials[project][id].Clone())
	}

	return out, nil
}

func (s *MemoryStore) SaveOracleState(_ context.Context, project string, state OracleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[project] = state

	return nil
}

func (s *MemoryStore) LoadOracleState(_ context.Context, project string) (*OracleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[project]
	if !ok {
		return nil, nil
	}

	return &st, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, project, trialID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[project+"/"+trialID] = append([]byte(nil), data...)

	return nil
}

func (s *MemoryStore) LoadCheckpoint(_ context.Context, project, trialID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.checkpoints[project+"/"+trialID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoCheckpoint, project, trialID)
	}

	return data, nil
}

func (s *MemoryStore) Reset(_ context.Context, project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order[project] {
		delete(s.checkpoints, project+"/"+id)
	}

	delete(s.trials, project)
	delete(s.order, project)
	delete(s.states, project)

	return nil
}

func (s *MemoryStore) Location(project string) string {
	return "memory://" + project
}
