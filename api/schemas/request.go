package schemas

import "time"

// -- Task Request Schemas --

// TaskRequest is one natural-language request from the user. Each request is
// processed independently with its own execution state.
type TaskRequest struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	// TargetID optionally pins the request to a specific tab. Empty means
	// the actuator's active tab.
	TargetID string `json:"target_id,omitempty"`
}

// RunPhase is the terminal phase a request ended in.
type RunPhase string

const (
	PhaseCompleted RunPhase = "COMPLETED"
	PhaseCancelled RunPhase = "CANCELLED"
	PhaseError     RunPhase = "ERROR"
)

// TaskOutcome summarizes a finished request for the caller.
type TaskOutcome struct {
	RequestID      string   `json:"request_id"`
	Phase          RunPhase `json:"phase"`
	Response       string   `json:"response"`
	GoalAchieved   bool     `json:"goal_achieved"`
	StepsCompleted int      `json:"steps_completed"`
	StepsFailed    int      `json:"steps_failed"`
	Replans        int      `json:"replans"`
	Iterations     int      `json:"iterations"`
}

// -- Recall Schemas --

// RecallEntry is one best-effort memory of a past request. Recall is an
// optimization for planning context, never a durability guarantee: a store
// that loses entries is still conformant.
type RecallEntry struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Goal      string    `json:"goal"`
	Summary   string    `json:"summary"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
