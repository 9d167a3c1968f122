package cron

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/chozzz/vargos-sub004/internal/gateway"
	"github.com/chozzz/vargos-sub004/internal/store"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// RegisterMethods exposes job management over gateway RPC.
func (s *Service) RegisterMethods(srv *gateway.Server) {
	srv.Handle(protocol.MethodCronList, s.handleList)
	srv.Handle(protocol.MethodCronAdd, s.handleAdd)
	srv.Handle(protocol.MethodCronRemove, s.handleRemove)
	srv.Handle(protocol.MethodCronRun, s.handleRun)
	srv.Handle(protocol.MethodCronEnable, s.handleEnable)
}

// jobView is the wire shape of a job in cron.list responses.
type jobView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Schedule   string `json:"schedule"`
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
	Channel    string `json:"channel,omitempty"`
	To         string `json:"to,omitempty"`
	Deliver    bool   `json:"deliver,omitempty"`
	Enabled    bool   `json:"enabled"`
	Running    bool   `json:"running,omitempty"`
	LastRun    string `json:"lastRun,omitempty"`
	NextRun    string `json:"nextRun,omitempty"`
}

func (s *Service) handleList(_ context.Context, _ *gateway.Conn, _ json.RawMessage) (interface{}, error) {
	jobs, err := s.store.List()
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "list cron jobs: %v", err)
	}

	now := time.Now()
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		v := jobView{
			ID:         j.ID,
			Name:       j.Name,
			Schedule:   j.Schedule,
			Message:    j.Message,
			SessionKey: j.SessionKey,
			Channel:    j.Channel,
			To:         j.To,
			Deliver:    j.Deliver,
			Enabled:    j.Enabled,
			Running:    s.running(j.ID),
		}
		if j.LastRun != nil {
			v.LastRun = j.LastRun.Format(time.RFC3339)
		}
		if j.Enabled {
			if tick, err := gronx.NextTickAfter(j.Schedule, now, false); err == nil {
				v.NextRun = tick.Format(time.RFC3339)
			}
		}
		views = append(views, v)
	}
	return map[string]interface{}{"jobs": views}, nil
}

func (s *Service) handleAdd(_ context.Context, _ *gateway.Conn, params json.RawMessage) (interface{}, error) {
	var req struct {
		Name       string `json:"name"`
		Schedule   string `json:"schedule"`
		Message    string `json:"message"`
		SessionKey string `json:"sessionKey"`
		Channel    string `json:"channel"`
		To         string `json:"to"`
		Deliver    *bool  `json:"deliver"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, protocol.NewError(protocol.CodeValidation, "invalid cron.add params")
	}
	if req.Name == "" || req.Schedule == "" || req.Message == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "name, schedule and message are required")
	}
	if !s.gron.IsValid(req.Schedule) {
		return nil, protocol.Errorf(protocol.CodeValidation, "invalid cron expression: %s", req.Schedule)
	}
	if (req.Channel == "") != (req.To == "") {
		return nil, protocol.NewError(protocol.CodeValidation, "channel and to must be set together")
	}

	deliver := req.Channel != "" && req.To != ""
	if req.Deliver != nil {
		deliver = *req.Deliver
	}

	now := time.Now()
	job := store.CronJob{
		ID:         uuid.NewString(),
		Name:       req.Name,
		Schedule:   req.Schedule,
		Message:    req.Message,
		SessionKey: req.SessionKey,
		Channel:    req.Channel,
		To:         req.To,
		Deliver:    deliver,
		Enabled:    true,
		Created:    now,
		Updated:    now,
	}
	if err := s.store.Add(job); err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "add cron job: %v", err)
	}
	s.log.Info("cron job added", "job", job.ID, "name", job.Name, "schedule", job.Schedule)

	next := ""
	if tick, err := gronx.NextTickAfter(job.Schedule, now, false); err == nil {
		next = tick.Format(time.RFC3339)
	}
	return map[string]interface{}{"id": job.ID, "nextRun": next}, nil
}

func (s *Service) handleRemove(_ context.Context, _ *gateway.Conn, params json.RawMessage) (interface{}, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "id is required")
	}
	if err := s.store.Remove(req.ID); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "remove: %v", err)
	}
	s.log.Info("cron job removed", "job", req.ID)
	return map[string]interface{}{"id": req.ID, "removed": true}, nil
}

func (s *Service) handleRun(ctx context.Context, _ *gateway.Conn, params json.RawMessage) (interface{}, error) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "id is required")
	}

	// The run outlives this RPC: respond as soon as the job is
	// enqueued, and keep the run alive after the caller disconnects.
	job, err := s.RunNow(context.WithoutCancel(ctx), req.ID)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "run: %v", err)
	}
	return map[string]interface{}{"id": job.ID, "status": "triggered"}, nil
}

func (s *Service) handleEnable(_ context.Context, _ *gateway.Conn, params json.RawMessage) (interface{}, error) {
	var req struct {
		ID      string `json:"id"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.Unmarshal(params, &req); err != nil || req.ID == "" {
		return nil, protocol.NewError(protocol.CodeValidation, "id is required")
	}
	if req.Enabled == nil {
		return nil, protocol.NewError(protocol.CodeValidation, "enabled is required")
	}
	if err := s.store.SetEnabled(req.ID, *req.Enabled); err != nil {
		return nil, protocol.Errorf(protocol.CodeValidation, "enable: %v", err)
	}
	s.log.Info("cron job toggled", "job", req.ID, "enabled", *req.Enabled)
	return map[string]interface{}{"id": req.ID, "enabled": *req.Enabled}, nil
}
