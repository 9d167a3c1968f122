package sessions

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestManagerAddAndHistory(t *testing.T) {
	m := NewManager("")

	m.AddMessage("cli:chat", Message{Role: "user", Content: "hello"})
	m.AddMessage("cli:chat", Message{Role: "assistant", Content: "hi"})

	hist := m.GetHistory("cli:chat")
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Role != "user" || hist[1].Role != "assistant" {
		t.Errorf("roles = %q,%q; want user,assistant", hist[0].Role, hist[1].Role)
	}
	if hist[0].Timestamp.IsZero() {
		t.Error("timestamp not defaulted on append")
	}

	// Returned slice is a copy.
	hist[0].Content = "mutated"
	if m.GetHistory("cli:chat")[0].Content != "hello" {
		t.Error("GetHistory returned a live reference")
	}
}

func TestManagerKindAssignedOnCreate(t *testing.T) {
	m := NewManager("")
	if s := m.GetOrCreate("agent:task1"); s.Kind != KindSubagent {
		t.Errorf("Kind = %q, want %q", s.Kind, KindSubagent)
	}
	if s := m.GetOrCreate("whatsapp:614"); s.Kind != KindChannel {
		t.Errorf("Kind = %q, want %q", s.Kind, KindChannel)
	}
}

func TestManagerSaveAndReload(t *testing.T) {
	dir := t.TempDir()

	m := NewManager(dir)
	m.AddMessage("whatsapp:61423000000", Message{Role: "user", Content: "ping", Timestamp: time.Now()})
	m.SetLabel("whatsapp:61423000000", "daily chat")
	if err := m.Save("whatsapp:61423000000"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Colons are not filesystem-friendly; stored name swaps them out.
	if _, err := os.Stat(filepath.Join(dir, "whatsapp_61423000000.json")); err != nil {
		t.Fatalf("expected session file: %v", err)
	}

	m2 := NewManager(dir)
	hist := m2.GetHistory("whatsapp:61423000000")
	if len(hist) != 1 || hist[0].Content != "ping" {
		t.Fatalf("reloaded history = %+v, want the saved message", hist)
	}
	if got := m2.GetOrCreate("whatsapp:61423000000").Label; got != "daily chat" {
		t.Errorf("reloaded label = %q", got)
	}
}

func TestManagerDeleteRemovesFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	m.AddMessage("cli:chat", Message{Role: "user", Content: "x"})
	if err := m.Save("cli:chat"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := m.Delete("cli:chat"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cli_chat.json")); !os.IsNotExist(err) {
		t.Error("session file survived Delete()")
	}
	if m.GetHistory("cli:chat") != nil {
		t.Error("history survived Delete()")
	}
}

func TestManagerSetSummaryBumpsCompaction(t *testing.T) {
	m := NewManager("")
	m.GetOrCreate("cli:chat")
	m.SetSummary("cli:chat", "talked about plans")
	m.SetSummary("cli:chat", "more plans")

	s := m.GetOrCreate("cli:chat")
	if s.CompactionCount != 2 {
		t.Errorf("CompactionCount = %d, want 2", s.CompactionCount)
	}
	if m.GetSummary("cli:chat") != "more plans" {
		t.Errorf("GetSummary() = %q", m.GetSummary("cli:chat"))
	}
}

func TestManagerTruncateAndReset(t *testing.T) {
	m := NewManager("")
	for i := 0; i < 5; i++ {
		m.AddMessage("k", Message{Role: "user", Content: "m"})
	}

	m.TruncateHistory("k", 2)
	if got := len(m.GetHistory("k")); got != 2 {
		t.Errorf("after truncate, history = %d, want 2", got)
	}

	m.Reset("k")
	if got := len(m.GetHistory("k")); got != 0 {
		t.Errorf("after reset, history = %d, want 0", got)
	}
}

func TestManagerListSortsByUpdated(t *testing.T) {
	m := NewManager("")
	m.AddMessage("a:1", Message{Role: "user", Content: "old"})
	time.Sleep(5 * time.Millisecond)
	m.AddMessage("b:2", Message{Role: "user", Content: "new"})

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("List() = %d entries, want 2", len(list))
	}
	if list[0].Key != "b:2" {
		t.Errorf("List()[0].Key = %q, want most recently updated first", list[0].Key)
	}
}
