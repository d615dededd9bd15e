package storage

import (
	"sync"

	"github.com/eddiefleurent/opinion_farmer/internal/models"
)

// MockStateStore keeps BotState in memory for tests.
type MockStateStore struct {
	mu        sync.Mutex
	state     *models.BotState
	SaveError error
	LoadError error
	saveCount int
	loadCount int
}

// NewMockStateStore creates an in-memory store seeded with state (nil means fresh IDLE).
func NewMockStateStore(state *models.BotState) *MockStateStore {
	if state == nil {
		state = models.NewBotState()
	}
	return &MockStateStore{state: state.Clone()}
}

func (m *MockStateStore) Load() (*models.BotState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCount++
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	return m.state.Clone(), nil
}

func (m *MockStateStore) Save(state *models.BotState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCount++
	if m.SaveError != nil {
		return m.SaveError
	}
	m.state = state.Clone()
	return nil
}

func (m *MockStateStore) Reset(keepStatistics bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := models.NewBotState()
	if keepStatistics {
		fresh.Statistics = m.state.Statistics
		fresh.CycleNumber = m.state.CycleNumber
	}
	m.state = fresh
	return nil
}

// Saved returns a copy of the last saved state.
func (m *MockStateStore) Saved() *models.BotState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// SaveCount returns how many times Save was called.
func (m *MockStateStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCount
}

// LoadCount returns how many times Load was called.
func (m *MockStateStore) LoadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCount
}
