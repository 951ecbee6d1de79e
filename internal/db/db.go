package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"postpone/internal/account"
	"postpone/internal/auth"
	"postpone/internal/job"
	"postpone/internal/queue"
	"postpone/internal/snippet"
)

func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	// Tables
	if err := gdb.AutoMigrate(
		&job.SendJob{},
		&job.RemindJob{},
		&queue.OutboxItem{},
		&account.Account{},
		&snippet.Snippet{},
		&auth.User{},
	); err != nil {
		return err
	}

	// Helpful indexes. The due scan and the stale requeue both filter on
	// (state, scheduled_at) resp. (state, updated_at).
	stmts := []string{
		`create index if not exists idx_send_jobs_due on send_jobs(state, scheduled_at);`,
		`create index if not exists idx_remind_jobs_due on remind_jobs(state, scheduled_at);`,
		`create index if not exists idx_send_jobs_stale on send_jobs(state, updated_at);`,
		`create index if not exists idx_remind_jobs_stale on remind_jobs(state, updated_at);`,
		`create index if not exists idx_outbox_run_at on outbox_items(run_at);`,
		`create index if not exists idx_snippets_user on snippets(user_id, usage_cnt desc);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
