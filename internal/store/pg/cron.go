package pg

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/chozzz/vargos-sub004/internal/store"
)

// CronStore persists cron jobs straight to Postgres.
type CronStore struct {
	db *sql.DB
}

func NewCronStore(db *sql.DB) *CronStore {
	return &CronStore{db: db}
}

func (s *CronStore) List() ([]store.CronJob, error) {
	rows, err := s.db.Query(
		`SELECT id, name, schedule, message, session_key, channel, recipient, deliver, enabled, created_at, updated_at, last_run
		 FROM cron_jobs`)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *CronStore) Get(id string) (*store.CronJob, error) {
	row := s.db.QueryRow(
		`SELECT id, name, schedule, message, session_key, channel, recipient, deliver, enabled, created_at, updated_at, last_run
		 FROM cron_jobs WHERE id = $1`, id)
	job, err := scanCronJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cron job %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *CronStore) Add(job store.CronJob) error {
	now := time.Now()
	if job.Created.IsZero() {
		job.Created = now
	}
	job.Updated = now

	_, err := s.db.Exec(
		`INSERT INTO cron_jobs (id, name, schedule, message, session_key, channel, recipient, deliver, enabled, created_at, updated_at, last_run)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, schedule = EXCLUDED.schedule, message = EXCLUDED.message,
			session_key = EXCLUDED.session_key, channel = EXCLUDED.channel, recipient = EXCLUDED.recipient,
			deliver = EXCLUDED.deliver, enabled = EXCLUDED.enabled, updated_at = EXCLUDED.updated_at`,
		job.ID, job.Name, job.Schedule, job.Message, job.SessionKey, job.Channel, job.To,
		job.Deliver, job.Enabled, job.Created, job.Updated, job.LastRun,
	)
	if err != nil {
		return fmt.Errorf("add cron job: %w", err)
	}
	return nil
}

func (s *CronStore) Remove(id string) error {
	res, err := s.db.Exec("DELETE FROM cron_jobs WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("remove cron job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cron job %s not found", id)
	}
	return nil
}

func (s *CronStore) SetEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(
		"UPDATE cron_jobs SET enabled = $1, updated_at = $2 WHERE id = $3",
		enabled, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update cron job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cron job %s not found", id)
	}
	return nil
}

func (s *CronStore) MarkRun(id string, at time.Time) error {
	res, err := s.db.Exec(
		"UPDATE cron_jobs SET last_run = $1, updated_at = $2 WHERE id = $3",
		at, time.Now(), id)
	if err != nil {
		return fmt.Errorf("mark cron run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cron job %s not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCronJob(row rowScanner) (store.CronJob, error) {
	var job store.CronJob
	var lastRun sql.NullTime
	err := row.Scan(
		&job.ID, &job.Name, &job.Schedule, &job.Message, &job.SessionKey, &job.Channel, &job.To,
		&job.Deliver, &job.Enabled, &job.Created, &job.Updated, &lastRun,
	)
	if err != nil {
		return store.CronJob{}, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		job.LastRun = &t
	}
	return job, nil
}

var _ store.CronStore = (*CronStore)(nil)
