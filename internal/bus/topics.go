package bus

// Turn lifecycle topics. Subscribe to "turn." for all of them.
const (
	TopicTurnStarted   = "turn.started"
	TopicTurnState     = "turn.state"
	TopicTurnCompleted = "turn.completed"
	TopicTurnFailed    = "turn.failed"
)

// Tool step topics.
const (
	TopicToolCalled   = "tool.called"
	TopicToolObserved = "tool.observed"
	TopicSQLRejected  = "tool.sql_rejected"
)

// Background topics.
const (
	TopicSchemaRefreshed = "schema.refreshed"
	TopicConfigReloaded  = "config.reloaded"
)

// TurnStateEvent is published on every loop state transition.
type TurnStateEvent struct {
	TurnID    string `json:"turn_id"`
	Iteration int    `json:"iteration"`
	From      string `json:"from"` // e.g. THINKING
	To        string `json:"to"`   // e.g. ACTING
}

// ToolEvent is published when a tool is dispatched and when its observation
// is recorded.
type ToolEvent struct {
	TurnID    string `json:"turn_id"`
	Iteration int    `json:"iteration"`
	Tool      string `json:"tool"`
	OK        bool   `json:"ok"`
	Kind      string `json:"kind,omitempty"` // failure kind, empty on success
	Millis    int64  `json:"millis"`
}

// TurnEndEvent is published once per turn.
type TurnEndEvent struct {
	TurnID     string `json:"turn_id"`
	Status     string `json:"status"` // DONE or FAILED
	Iterations int    `json:"iterations"`
	Error      string `json:"error,omitempty"`
}
