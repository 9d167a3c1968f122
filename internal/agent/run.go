package agent

import (
	"log/slog"
)

// Phase is one state of the run lifecycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhasePreparing  Phase = "preparing"
	PhaseRunning    Phase = "running"
	PhaseFinalizing Phase = "finalizing"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
)

// phaseSuccessors lists the permitted next phases.
var phaseSuccessors = map[Phase][]Phase{
	PhaseIdle:       {PhasePreparing},
	PhasePreparing:  {PhaseRunning, PhaseFailed},
	PhaseRunning:    {PhaseFinalizing},
	PhaseFinalizing: {PhaseCompleted, PhaseFailed},
}

// CanTransition reports whether the lifecycle permits moving from one
// phase directly to another.
func CanTransition(from, to Phase) bool {
	for _, next := range phaseSuccessors[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a phase ends the run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// runState tracks one run's position in the lifecycle.
type runState struct {
	phase Phase
	runID string
	log   *slog.Logger
}

func newRunState(runID string, log *slog.Logger) *runState {
	return &runState{phase: PhaseIdle, runID: runID, log: log}
}

func (r *runState) to(next Phase) {
	if !CanTransition(r.phase, next) {
		r.log.Warn("illegal run phase transition", "run", r.runID, "from", r.phase, "to", next)
	}
	r.log.Debug("run phase", "run", r.runID, "from", r.phase, "to", next)
	r.phase = next
}

// Event is emitted during a run and forwarded to the gateway event bus
// under the "agent" source.
type Event struct {
	Name       string                 `json:"name"`
	RunID      string                 `json:"runId"`
	SessionKey string                 `json:"sessionKey"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// RunRequest is one message to process through the agent.
type RunRequest struct {
	SessionKey string
	RunID      string
	Message    string
	Media      []string // local paths of ingested attachments
	Channel    string
	ChatID     string
	SenderID   string
	Metadata   map[string]string
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	Content    string `json:"content"`
	RunID      string `json:"runId"`
	Iterations int    `json:"iterations"`
}
