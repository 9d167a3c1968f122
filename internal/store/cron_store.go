package store

import "time"

// CronJob is a scheduled message that runs through the normal session queue.
type CronJob struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"` // standard five-field cron expression
	Message    string     `json:"message"`
	SessionKey string     `json:"sessionKey,omitempty"` // run in this session; empty = isolated cron:<id>
	Channel    string     `json:"channel,omitempty"`    // delivery channel, empty = no delivery
	To         string     `json:"to,omitempty"`         // delivery recipient
	Deliver    bool       `json:"deliver,omitempty"`
	Enabled    bool       `json:"enabled"`
	Created    time.Time  `json:"created"`
	Updated    time.Time  `json:"updated"`
	LastRun    *time.Time `json:"lastRun,omitempty"`
}

// CronStore persists cron jobs.
type CronStore interface {
	List() ([]CronJob, error)
	Get(id string) (*CronJob, error)
	Add(job CronJob) error
	Remove(id string) error
	SetEnabled(id string, enabled bool) error
	MarkRun(id string, at time.Time) error
}
