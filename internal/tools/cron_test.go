package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	filestore "github.com/chozzz/vargos-sub004/internal/store/file"
)

func TestCronAddAndList(t *testing.T) {
	cs, err := filestore.NewCronStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	add := NewCronAddTool(cs)
	ctx := context.Background()

	res := add.Execute(ctx, map[string]interface{}{
		"name":     "morning briefing",
		"schedule": "0 7 * * *",
		"message":  "Summarize my calendar for today",
	})
	if res.IsError {
		t.Fatalf("cron_add error: %s", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, `"status":"scheduled"`) {
		t.Errorf("add output = %q", res.ForLLM)
	}
	if !strings.Contains(res.ForLLM, `"next_run":"`) {
		t.Errorf("add output missing next_run: %q", res.ForLLM)
	}

	list := NewCronListTool(cs).Execute(ctx, map[string]interface{}{})
	if list.IsError {
		t.Fatalf("cron_list error: %s", list.ForLLM)
	}

	var out struct {
		Count int `json:"count"`
		Jobs  []struct {
			Name     string `json:"name"`
			Schedule string `json:"schedule"`
			Enabled  bool   `json:"enabled"`
			NextRun  string `json:"next_run"`
		} `json:"jobs"`
	}
	if err := json.Unmarshal([]byte(list.ForLLM), &out); err != nil {
		t.Fatalf("list output not JSON: %v\n%s", err, list.ForLLM)
	}
	if out.Count != 1 {
		t.Fatalf("count = %d, want 1", out.Count)
	}
	if out.Jobs[0].Name != "morning briefing" || out.Jobs[0].Schedule != "0 7 * * *" {
		t.Errorf("job = %+v", out.Jobs[0])
	}
	if !out.Jobs[0].Enabled {
		t.Error("new job should be enabled")
	}
	if out.Jobs[0].NextRun == "" {
		t.Error("enabled job missing next_run")
	}
}

func TestCronAddValidation(t *testing.T) {
	cs, err := filestore.NewCronStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	add := NewCronAddTool(cs)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{
			"missing fields",
			map[string]interface{}{"name": "x"},
			"name, schedule and message are required",
		},
		{
			"bad expression",
			map[string]interface{}{"name": "x", "schedule": "not cron", "message": "m"},
			"invalid cron expression",
		},
		{
			"channel without recipient",
			map[string]interface{}{"name": "x", "schedule": "* * * * *", "message": "m", "channel": "telegram"},
			"channel and to must be set together",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := add.Execute(ctx, tt.args)
			if !res.IsError {
				t.Fatalf("expected error, got %q", res.ForLLM)
			}
			if !strings.Contains(res.ForLLM, tt.want) {
				t.Errorf("error = %q, want substring %q", res.ForLLM, tt.want)
			}
		})
	}
}

func TestCronAddWithDelivery(t *testing.T) {
	cs, err := filestore.NewCronStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	res := NewCronAddTool(cs).Execute(context.Background(), map[string]interface{}{
		"name":     "reminder",
		"schedule": "*/5 * * * *",
		"message":  "drink water",
		"channel":  "telegram",
		"to":       "12345",
	})
	if res.IsError {
		t.Fatalf("cron_add error: %s", res.ForLLM)
	}

	jobs, err := cs.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if !jobs[0].Deliver || jobs[0].Channel != "telegram" || jobs[0].To != "12345" {
		t.Errorf("delivery fields = %+v", jobs[0])
	}
}
