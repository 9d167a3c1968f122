// Package cron fires scheduled jobs through the session queue. Each
// job is a stored message that runs on a five-field cron schedule; the
// result can optionally be delivered to a channel recipient.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/chozzz/vargos-sub004/internal/agent"
	"github.com/chozzz/vargos-sub004/internal/bus"
	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/internal/queue"
	"github.com/chozzz/vargos-sub004/internal/sessions"
	"github.com/chozzz/vargos-sub004/internal/store"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// Events receives job.fired notifications; the gateway event bus
// satisfies it.
type Events interface {
	Publish(source, event string, payload interface{})
}

// Service owns the scheduling loop. Due jobs are enqueued like any
// other message, so queue modes, interrupts and /stop apply to them.
type Service struct {
	store  store.CronStore
	queue  *queue.Queue
	bus    *bus.MessageBus
	events Events
	gron   *gronx.Gronx
	log    *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// New builds the service. The bus and events sink may be nil when
// delivery or the gateway is not wired, for example in tests.
func New(cs store.CronStore, q *queue.Queue, b *bus.MessageBus, events Events) *Service {
	return &Service{
		store:    cs,
		queue:    q,
		bus:      b,
		events:   events,
		gron:     gronx.New(),
		log:      logging.Scoped("cron"),
		inFlight: make(map[string]bool),
	}
}

// Run blocks, checking schedules once per minute until ctx is done.
// The first check is aligned to the next minute boundary so a job
// scheduled for 07:00 fires at 07:00:00 rather than partway through
// the minute the gateway happened to start in.
func (s *Service) Run(ctx context.Context) {
	next := time.Now().Truncate(time.Minute).Add(time.Minute)
	select {
	case <-time.After(time.Until(next)):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	s.checkDue(ctx, time.Now())
	for {
		select {
		case <-ticker.C:
			s.checkDue(ctx, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// checkDue enqueues every enabled job whose schedule matches now.
func (s *Service) checkDue(ctx context.Context, now time.Time) {
	jobs, err := s.store.List()
	if err != nil {
		s.log.Warn("failed to list cron jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		due, err := s.gron.IsDue(job.Schedule, now)
		if err != nil {
			s.log.Warn("invalid cron schedule",
				"job", job.ID, "schedule", job.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		if err := s.trigger(ctx, job, now); err != nil {
			s.log.Warn("cron trigger skipped", "job", job.ID, "error", err)
		}
	}
}

// RunNow triggers a job immediately, ignoring its schedule and enabled
// flag. Used by the cron.run RPC method.
func (s *Service) RunNow(ctx context.Context, id string) (*store.CronJob, error) {
	job, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.trigger(ctx, *job, time.Now()); err != nil {
		return nil, err
	}
	return job, nil
}

// trigger enqueues one run of the job. A job never overlaps itself:
// when the previous run is still in flight the trigger is rejected and
// the schedule simply catches the next tick.
func (s *Service) trigger(ctx context.Context, job store.CronJob, now time.Time) error {
	s.mu.Lock()
	if s.inFlight[job.ID] {
		s.mu.Unlock()
		return fmt.Errorf("cron job %s is still running", job.ID)
	}
	s.inFlight[job.ID] = true
	s.mu.Unlock()

	if err := s.store.MarkRun(job.ID, now); err != nil {
		s.log.Warn("failed to mark cron run", "job", job.ID, "error", err)
	}

	sessionKey := job.SessionKey
	if sessionKey == "" {
		sessionKey = sessions.BuildCronKey(job.ID)
	}
	channel := job.Channel
	if channel == "" {
		channel = "cron"
	}

	s.log.Info("cron job due", "job", job.ID, "name", job.Name, "session", sessionKey)
	if s.events != nil {
		s.events.Publish(protocol.SourceCron, protocol.EventCronFired, map[string]interface{}{
			"id":      job.ID,
			"name":    job.Name,
			"session": sessionKey,
		})
	}

	outCh := s.queue.Enqueue(ctx, agent.RunRequest{
		SessionKey: sessionKey,
		RunID:      fmt.Sprintf("cron:%s:%d", job.ID, now.Unix()),
		Message:    job.Message,
		Channel:    channel,
		ChatID:     job.To,
		Metadata:   map[string]string{"cronJob": job.ID, "cronName": job.Name},
	})

	go func() {
		outcome := <-outCh
		s.mu.Lock()
		delete(s.inFlight, job.ID)
		s.mu.Unlock()

		if outcome.Err != nil {
			s.log.Warn("cron run failed", "job", job.ID, "error", outcome.Err)
			return
		}
		s.log.Info("cron run finished", "job", job.ID)

		if !job.Deliver || job.Channel == "" || job.To == "" {
			return
		}
		if s.bus == nil || outcome.Result == nil || outcome.Result.Content == "" {
			return
		}
		s.bus.PublishOutbound(bus.OutboundMessage{
			Channel: job.Channel,
			ChatID:  job.To,
			Content: outcome.Result.Content,
		})
	}()

	return nil
}

// running reports whether a job currently has a run in flight.
func (s *Service) running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[id]
}
