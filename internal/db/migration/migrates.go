package migration

import (
	"fmt"
	"sync"

	"gorm.io/gorm"
)

type step struct {
	name string
	run  func(*Migration) error
}

var (
	steps    []step
	initOnce sync.Once
)

// Migration is passed to each migration step. DB is set by RunAll.
type Migration struct {
	DB   *gorm.DB
	logs []string
}

func (m *Migration) Log(v ...interface{}) {
	m.logs = append(m.logs, fmt.Sprint(v...))
}

// Logs returns what the last step recorded.
func (m *Migration) Logs() []string {
	out := make([]string, len(m.logs))
	copy(out, m.logs)
	return out
}

func register(name string, run func(*Migration) error) {
	steps = append(steps, step{name: name, run: run})
}

// Init registers the built-in steps once.
func Init() {
	initOnce.Do(func() {
		register("legacy_status_names", normalizeLegacyStatusNames)
	})
}

// RunAll runs all registered migrations in order. Used for data/behavior one-shots; schema is synced via db.SyncSchema.
func RunAll(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	ctx := &Migration{DB: db}
	for _, s := range steps {
		ctx.logs = nil
		if err := s.run(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", s.name, err)
		}
	}
	return nil
}

// Older databases used Pending/Finished/Stopped; the status enum is now
// Created/Running/Completed/Failed.
func normalizeLegacyStatusNames(m *Migration) error {
	for from, to := range map[string]string{
		"Pending":  "Created",
		"Finished": "Completed",
		"Stopped":  "Failed",
	} {
		res := m.DB.Exec(`UPDATE tasks SET status = ? WHERE status = ?`, to, from)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			m.Log("status ", from, " -> ", to, ": ", res.RowsAffected)
		}
	}
	return nil
}
