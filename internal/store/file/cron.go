package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chozzz/vargos-sub004/internal/store"
)

// CronStore keeps all cron jobs in one JSON file, written atomically.
type CronStore struct {
	mu   sync.Mutex
	path string
	jobs map[string]store.CronJob
}

// NewCronStore loads (or creates) the cron job file under dir.
func NewCronStore(dir string) (*CronStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cron dir: %w", err)
	}
	s := &CronStore{
		path: filepath.Join(dir, "cron.json"),
		jobs: make(map[string]store.CronJob),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CronStore) List() ([]store.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *CronStore) Get(id string) (*store.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("cron job %s not found", id)
	}
	return &j, nil
}

func (s *CronStore) Add(job store.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if job.Created.IsZero() {
		job.Created = now
	}
	job.Updated = now
	s.jobs[job.ID] = job
	return s.persistLocked()
}

func (s *CronStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("cron job %s not found", id)
	}
	delete(s.jobs, id)
	return s.persistLocked()
}

func (s *CronStore) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron job %s not found", id)
	}
	j.Enabled = enabled
	j.Updated = time.Now()
	s.jobs[id] = j
	return s.persistLocked()
}

func (s *CronStore) MarkRun(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron job %s not found", id)
	}
	j.LastRun = &at
	j.Updated = time.Now()
	s.jobs[id] = j
	return s.persistLocked()
}

func (s *CronStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cron jobs: %w", err)
	}
	var jobs []store.CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse cron jobs: %w", err)
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

func (s *CronStore) persistLocked() error {
	jobs := make([]store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.path, data)
}

var _ store.CronStore = (*CronStore)(nil)

// atomicWrite writes via a temp file and rename so readers never observe a
// partial file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
