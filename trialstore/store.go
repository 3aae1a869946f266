// Package trialstore persists hypertune searches in a project directory:
// trials and oracle state go to a sqlite database, model checkpoints to one
// file per trial.
//
// Layout:
//
//	<dir>/<project>/trials.db
//	<dir>/<project>/trial_<id>/checkpoint.gob
package trialstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/thalesfsp/hypertune"
)

const (
	databaseFile   = "trials.db"
	checkpointFile = "checkpoint.gob"
)

type projectDB struct {
	db *gorm.DB
	id uuid.UUID
}

// Store is a hypertune.Store backed by sqlite. It is safe for concurrent
// use.
type Store struct {
	dir string

	mu       sync.Mutex
	projects map[string]*projectDB
}

var _ hypertune.Store = (*Store)(nil)

// New returns a Store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: store directory is required", hypertune.ErrInvalidConfig)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	return &Store{dir: dir, projects: map[string]*projectDB{}}, nil
}

// Close closes every open project database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, p := range s.projects {
		errs = append(errs, closeDB(p.db))
		delete(s.projects, name)
	}

	return errors.Join(errs...)
}

// Location returns the project directory.
func (s *Store) Location(project string) string {
	return filepath.Join(s.dir, project)
}

func (s *Store) open(ctx context.Context, project string) (*projectDB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.projects[project]; ok {
		return p, nil
	}

	if project == "" || filepath.Base(project) != project {
		return nil, fmt.Errorf("%w: invalid project name %q", hypertune.ErrInvalidConfig, project)
	}

	if err := os.MkdirAll(s.Location(project), 0o755); err != nil {
		return nil, fmt.Errorf("create project directory: %w", err)
	}

	path := filepath.Join(s.Location(project), databaseFile)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// sqlite allows a single writer.
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(&Project{}, &Trial{}, &OracleState{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}

	row := Project{Id: uuid.New(), Name: project}
	if err := db.WithContext(ctx).Where(Project{Name: project}).FirstOrCreate(&row).Error; err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("load project %s: %w", project, err)
	}

	p := &projectDB{db: db, id: row.Id}
	s.projects[project] = p

	return p, nil
}

func (s *Store) SaveTrial(ctx context.Context, project string, trial *hypertune.Trial) error {
	p, err := s.open(ctx, project)
	if err != nil {
		return err
	}

	values, err := json.Marshal(trial.Values)
	if err != nil {
		return fmt.Errorf("encode values of trial %s: %w", trial.ID, err)
	}

	metrics, err := json.Marshal(trial.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics of trial %s: %w", trial.ID, err)
	}

	row := Trial{
		ProjectId: p.id,
		TrialId:   trial.ID,
		Status:    string(trial.Status),
		Values:    values,
		Score:     trial.Score,
		Scored:    trial.Scored,
		BestStep:  trial.BestStep,
		Metrics:   metrics,
		Message:   trial.Message,
		CreatedAt: trial.CreatedAt,
		UpdatedAt: trial.UpdatedAt,
	}

	if err := p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("save trial %s: %w", trial.ID, err)
	}

	return nil
}

func (s *Store) LoadTrials(ctx context.Context, project string) ([]*hypertune.Trial, error) {
	p, err := s.open(ctx, project)
	if err != nil {
		return nil, err
	}

	var rows []Trial
	if err := p.db.WithContext(ctx).
		Where("project_id = ?", p.id).
		Order("length(trial_id), trial_id").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load trials: %w", err)
	}

	out := make([]*hypertune.Trial, 0, len(rows))
	for _, row := range rows {
		t := &hypertune.Trial{
			ID:        row.TrialId,
			Status:    hypertune.TrialStatus(row.Status),
			Score:     row.Score,
			Scored:    row.Scored,
			BestStep:  row.BestStep,
			Message:   row.Message,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		}

		if err := json.Unmarshal(row.Values, &t.Values); err != nil {
			return nil, fmt.Errorf("decode values of trial %s: %w", row.TrialId, err)
		}

		if len(row.Metrics) > 0 {
			if err := json.Unmarshal(row.Metrics, &t.Metrics); err != nil {
				return nil, fmt.Errorf("decode metrics of trial %s: %w", row.TrialId, err)
			}
		}

		out = append(out, t)
	}

	return out, nil
}

func (s *Store) SaveOracleState(ctx context.Context, project string, state hypertune.OracleState) error {
	p, err := s.open(ctx, project)
	if err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode oracle state: %w", err)
	}

	row := OracleState{ProjectId: p.id, State: data}
	if err := p.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("save oracle state: %w", err)
	}

	return nil
}

func (s *Store) LoadOracleState(ctx context.Context, project string) (*hypertune.OracleState, error) {
	p, err := s.open(ctx, project)
	if err != nil {
		return nil, err
	}

	var row OracleState
	if err := p.db.WithContext(ctx).Where("project_id = ?", p.id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("load oracle state: %w", err)
	}

	var state hypertune.OracleState
	if err := json.Unmarshal(row.State, &state); err != nil {
		return nil, fmt.Errorf("decode oracle state: %w", err)
	}

	return &state, nil
}

func (s *Store) checkpointPath(project, trialID string) string {
	return filepath.Join(s.Location(project), "trial_"+trialID, checkpointFile)
}

func (s *Store) SaveCheckpoint(_ context.Context, project, trialID string, data []byte) error {
	path := s.checkpointPath(project, trialID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint of trial %s: %w", trialID, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write checkpoint of trial %s: %w", trialID, err)
	}

	return nil
}

func (s *Store) LoadCheckpoint(_ context.Context, project, trialID string) ([]byte, error) {
	data, err := os.ReadFile(s.checkpointPath(project, trialID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", hypertune.ErrNoCheckpoint, project, trialID)
		}

		return nil, fmt.Errorf("read checkpoint of trial %s: %w", trialID, err)
	}

	return data, nil
}

// Reset closes the project database and deletes the project directory.
func (s *Store) Reset(_ context.Context, project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.projects[project]; ok {
		if err := closeDB(p.db); err != nil {
			return err
		}

		delete(s.projects, project)
	}

	if project == "" || filepath.Base(project) != project {
		return fmt.Errorf("%w: invalid project name %q", hypertune.ErrInvalidConfig, project)
	}

	if err := os.RemoveAll(s.Location(project)); err != nil {
		return fmt.Errorf("remove project %s: %w", project, err)
	}

	return nil
}

func closeDB(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}
