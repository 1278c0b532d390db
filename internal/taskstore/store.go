package taskstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	dbmodel "taskdeck/internal/db"
	"taskdeck/internal/protocol"

	"gorm.io/gorm"
)

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore uses the shared task DB. Caller owns the db handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Create(task protocol.Task) (protocol.Task, error) {
	if s == nil || s.db == nil {
		return protocol.Task{}, errors.New("task store is not initialized")
	}
	if strings.TrimSpace(task.ID) == "" {
		return protocol.Task{}, errors.New("task id is required")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	if task.Status == "" {
		task.Status = protocol.StatusCreated
	}
	row, err := toRow(task)
	if err != nil {
		return protocol.Task{}, err
	}
	if err := s.db.Create(&row).Error; err != nil {
		return protocol.Task{}, err
	}
	return s.Get(task.ID)
}

func (s *Store) Get(id string) (protocol.Task, error) {
	if s == nil || s.db == nil {
		return protocol.Task{}, errors.New("task store is not initialized")
	}
	var row dbmodel.Task
	err := s.db.Where("task_id = ?", strings.TrimSpace(id)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.Task{}, fmt.Errorf("task %s: %w", id, protocol.ErrNotFound)
	}
	if err != nil {
		return protocol.Task{}, err
	}
	return fromRow(row), nil
}

// List returns tasks newest first.
func (s *Store) List() ([]protocol.Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("task store is not initialized")
	}
	rows := []dbmodel.Task{}
	if err := s.db.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]protocol.Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// Delete removes a task row; used to roll back a launch whose start failed.
func (s *Store) Delete(id string) error {
	if s == nil || s.db == nil {
		return errors.New("task store is not initialized")
	}
	return s.db.Where("task_id = ?", id).Delete(&dbmodel.Task{}).Error
}

// FindRunningByPID returns the live task tracking pid, if any.
func (s *Store) FindRunningByPID(pid int) (protocol.Task, bool, error) {
	if s == nil || s.db == nil {
		return protocol.Task{}, false, errors.New("task store is not initialized")
	}
	var row dbmodel.Task
	err := s.db.Where("pid = ? AND status = ?", pid, string(protocol.StatusRunning)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return protocol.Task{}, false, nil
	}
	if err != nil {
		return protocol.Task{}, false, err
	}
	return fromRow(row), true, nil
}

// ListRunning returns every Running task, used to resume attach monitors.
func (s *Store) ListRunning() ([]protocol.Task, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("task store is not initialized")
	}
	rows := []dbmodel.Task{}
	if err := s.db.Where("status = ?", string(protocol.StatusRunning)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]protocol.Task, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out, nil
}

// MarkRunning moves a Created task to Running. It fails with ErrInvalidState
// when the task already left Created.
func (s *Store) MarkRunning(id string, pid int) (protocol.Task, error) {
	if s == nil || s.db == nil {
		return protocol.Task{}, errors.New("task store is not initialized")
	}
	res := s.db.Model(&dbmodel.Task{}).
		Where("task_id = ? AND status = ?", id, string(protocol.StatusCreated)).
		Updates(map[string]any{
			"status":     string(protocol.StatusRunning),
			"pid":        pid,
			"started_at": s.now().UTC().UnixMilli(),
		})
	if res.Error != nil {
		return protocol.Task{}, res.Error
	}
	if res.RowsAffected == 0 {
		current, err := s.Get(id)
		if err != nil {
			return protocol.Task{}, err
		}
		return protocol.Task{}, fmt.Errorf("task %s is %s: %w", id, current.Status, protocol.ErrInvalidState)
	}
	return s.Get(id)
}

// MarkFinished records the terminal status. exitCode < 0 means unknown.
func (s *Store) MarkFinished(id string, status protocol.TaskStatus, exitCode int) (protocol.Task, error) {
	if s == nil || s.db == nil {
		return protocol.Task{}, errors.New("task store is not initialized")
	}
	if !status.Terminal() {
		return protocol.Task{}, fmt.Errorf("status %s is not terminal", status)
	}
	res := s.db.Model(&dbmodel.Task{}).
		Where("task_id = ? AND status = ?", id, string(protocol.StatusRunning)).
		Updates(map[string]any{
			"status":    string(status),
			"exit_code": exitCode,
			"ended_at":  s.now().UTC().UnixMilli(),
		})
	if res.Error != nil {
		return protocol.Task{}, res.Error
	}
	return s.Get(id)
}

func toRow(task protocol.Task) (dbmodel.Task, error) {
	args := task.Args
	if args == nil {
		args = []string{}
	}
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return dbmodel.Task{}, err
	}
	row := dbmodel.Task{
		TaskID:    task.ID,
		Name:      task.Name,
		Command:   task.Command,
		ArgsJSON:  string(argsJSON),
		EnvType:   task.EnvType,
		EnvName:   task.EnvName,
		Cwd:       task.Cwd,
		Status:    string(task.Status),
		Source:    task.Source,
		PID:       -1,
		ExitCode:  -1,
		CreatedAt: task.CreatedAt.UTC().UnixMilli(),
	}
	if task.PID != nil {
		row.PID = *task.PID
	}
	if task.StartedAt != nil {
		row.StartedAt = task.StartedAt.UTC().UnixMilli()
	}
	return row, nil
}

func fromRow(row dbmodel.Task) protocol.Task {
	task := protocol.Task{
		ID:        row.TaskID,
		Name:      row.Name,
		Command:   row.Command,
		Args:      []string{},
		EnvType:   row.EnvType,
		EnvName:   row.EnvName,
		Cwd:       row.Cwd,
		Status:    protocol.TaskStatus(row.Status),
		Source:    row.Source,
		CreatedAt: time.UnixMilli(row.CreatedAt).UTC(),
	}
	_ = json.Unmarshal([]byte(row.ArgsJSON), &task.Args)
	if row.PID > 0 {
		pid := row.PID
		task.PID = &pid
	}
	if row.ExitCode >= 0 && protocol.TaskStatus(row.Status).Terminal() {
		code := row.ExitCode
		task.ExitCode = &code
	}
	if row.StartedAt > 0 {
		ts := time.UnixMilli(row.StartedAt).UTC()
		task.StartedAt = &ts
	}
	if row.EndedAt > 0 {
		ts := time.UnixMilli(row.EndedAt).UTC()
		task.EndedAt = &ts
	}
	return task
}
