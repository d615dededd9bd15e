package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/opinion_farmer/internal/models"
)

// JSONStateStore keeps BotState in a single JSON file written via tmp + rename.
type JSONStateStore struct {
	mu       sync.Mutex
	filepath string
	logger   logrus.FieldLogger
}

// NewJSONStateStore creates a store backed by path. The file is created lazily on first Save.
func NewJSONStateStore(path string, logger logrus.FieldLogger) *JSONStateStore {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &JSONStateStore{
		filepath: path,
		logger:   logger.WithField("component", "state_store"),
	}
}

// Path returns the backing file path.
func (s *JSONStateStore) Path() string {
	return s.filepath
}

// Load reads the state document, migrating older schemas and repairing the
// position/stage invariant. A missing file yields a fresh, persisted IDLE state.
func (s *JSONStateStore) Load() (*models.BotState, error) {
	state, err := s.LoadExisting()
	if errors.Is(err, ErrNoState) {
		s.logger.Info("No state file found, initializing fresh state")
		state = models.NewBotState()
		if err := s.Save(state); err != nil {
			return nil, err
		}
		return state, nil
	}
	return state, err
}

// LoadExisting reads the state document without creating one. Returns ErrNoState if absent.
func (s *JSONStateStore) LoadExisting() (*models.BotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filepath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	state, migrated, err := decodeState(data)
	if err != nil {
		return nil, fmt.Errorf("decoding state file %s: %w", s.filepath, err)
	}
	if migrated {
		s.logger.WithField("stage", state.Stage).Warn("State migrated from legacy schema")
	}
	if state.Stage.IsKnown() && state.RepairInvariant() {
		s.logger.WithField("stage", state.Stage).Warn("State invariant repaired on load")
	}
	return state, nil
}

// Save writes the whole document atomically.
func (s *JSONStateStore) Save(state *models.BotState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil state")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state.Version = models.SchemaVersion
	state.LastUpdatedAt = time.Now().UTC()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.LastUpdatedAt
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	return writeFileAtomic(s.filepath, data)
}

// Reset replaces the document with a fresh IDLE state.
func (s *JSONStateStore) Reset(keepStatistics bool) error {
	fresh := models.NewBotState()
	if keepStatistics {
		prev, err := s.LoadExisting()
		switch {
		case err == nil:
			fresh.Statistics = prev.Statistics
			fresh.CycleNumber = prev.CycleNumber
			fresh.CreatedAt = prev.CreatedAt
		case errors.Is(err, ErrNoState):
		default:
			return err
		}
	}
	s.logger.WithField("keep_statistics", keepStatistics).Info("Resetting persisted state")
	return s.Save(fresh)
}

// decodeState unmarshals a state document, upgrading pre-1.0 layouts.
// It reports whether a migration was applied.
func decodeState(data []byte) (*models.BotState, bool, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, err
	}

	var version string
	if v, ok := raw["version"]; ok {
		_ = json.Unmarshal(v, &version)
	}

	// Older documents stored the position under "position".
	if _, ok := raw["current_position"]; !ok {
		if legacy, ok := raw["position"]; ok {
			raw["current_position"] = legacy
		}
	}
	delete(raw, "position")

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, false, err
	}
	state := models.NewBotState()
	if err := json.Unmarshal(normalized, state); err != nil {
		return nil, false, err
	}

	migrated := false
	if version != models.SchemaVersion {
		stage, _ := models.ParseStage(string(state.Stage))
		state.Stage = stage
		state.Version = models.SchemaVersion
		migrated = true
	}
	if state.CurrentPosition != nil && state.CurrentPosition.MarketID == 0 && state.CurrentPosition.TokenID == "" &&
		state.CurrentPosition.OrderID == "" {
		// Empty object written by older versions.
		state.CurrentPosition = nil
	}
	return state, migrated, nil
}

// writeFileAtomic writes data to a sibling tmp file and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmpFile, err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("renaming %s: %w", tmpFile, err)
	}
	return nil
}
