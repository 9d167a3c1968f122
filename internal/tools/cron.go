package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/chozzz/vargos-sub004/internal/store"
)

// CronAddTool schedules a recurring message. The job runs through the
// normal session queue; delivery to a channel is optional.
type CronAddTool struct {
	cron store.CronStore
}

func NewCronAddTool(c store.CronStore) *CronAddTool {
	return &CronAddTool{cron: c}
}

func (t *CronAddTool) Name() string { return "cron_add" }
func (t *CronAddTool) Description() string {
	return "Schedule a recurring job. The message is run by the agent on the given cron schedule."
}

func (t *CronAddTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Human-readable job name",
			},
			"schedule": map[string]interface{}{
				"type":        "string",
				"description": "Five-field cron expression, e.g. '0 7 * * *' for 7am daily",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "The message the agent runs on each trigger",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Optional channel to deliver the result to (e.g. 'telegram')",
			},
			"to": map[string]interface{}{
				"type":        "string",
				"description": "Recipient on the delivery channel (chat id)",
			},
		},
		"required": []string{"name", "schedule", "message"},
	}
}

func (t *CronAddTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.cron == nil {
		return ErrorResult("cron store not available")
	}

	name, _ := args["name"].(string)
	schedule, _ := args["schedule"].(string)
	message, _ := args["message"].(string)
	channel, _ := args["channel"].(string)
	to, _ := args["to"].(string)

	if name == "" || schedule == "" || message == "" {
		return ErrorResult("name, schedule and message are required")
	}
	if !gronx.New().IsValid(schedule) {
		return ErrorResult(fmt.Sprintf("invalid cron expression: %s", schedule))
	}
	if (channel == "") != (to == "") {
		return ErrorResult("channel and to must be set together")
	}

	now := time.Now()
	job := store.CronJob{
		ID:       uuid.NewString(),
		Name:     name,
		Schedule: schedule,
		Message:  message,
		Channel:  channel,
		To:       to,
		Deliver:  channel != "" && to != "",
		Enabled:  true,
		Created:  now,
		Updated:  now,
	}
	if err := t.cron.Add(job); err != nil {
		return ErrorResult(fmt.Sprintf("failed to add cron job: %v", err))
	}

	next := ""
	if tick, err := gronx.NextTickAfter(schedule, now, false); err == nil {
		next = tick.Format(time.RFC3339)
	}
	return SilentResult(fmt.Sprintf(`{"status":"scheduled","id":"%s","next_run":"%s"}`, job.ID, next))
}

// CronListTool lists scheduled jobs.
type CronListTool struct {
	cron store.CronStore
}

func NewCronListTool(c store.CronStore) *CronListTool {
	return &CronListTool{cron: c}
}

func (t *CronListTool) Name() string { return "cron_list" }
func (t *CronListTool) Description() string {
	return "List scheduled cron jobs."
}

func (t *CronListTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *CronListTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.cron == nil {
		return ErrorResult("cron store not available")
	}

	jobs, err := t.cron.List()
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to list cron jobs: %v", err))
	}

	type jobEntry struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Message  string `json:"message"`
		Channel  string `json:"channel,omitempty"`
		Enabled  bool   `json:"enabled"`
		LastRun  string `json:"last_run,omitempty"`
		NextRun  string `json:"next_run,omitempty"`
	}

	now := time.Now()
	entries := make([]jobEntry, 0, len(jobs))
	for _, j := range jobs {
		e := jobEntry{
			ID:       j.ID,
			Name:     j.Name,
			Schedule: j.Schedule,
			Message:  truncateStr(j.Message, 200),
			Channel:  j.Channel,
			Enabled:  j.Enabled,
		}
		if j.LastRun != nil {
			e.LastRun = j.LastRun.Format(time.RFC3339)
		}
		if j.Enabled {
			if tick, err := gronx.NextTickAfter(j.Schedule, now, false); err == nil {
				e.NextRun = tick.Format(time.RFC3339)
			}
		}
		entries = append(entries, e)
	}

	out, _ := json.Marshal(map[string]interface{}{
		"count": len(entries),
		"jobs":  entries,
	})
	return SilentResult(string(out))
}
