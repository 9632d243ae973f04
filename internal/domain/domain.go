package domain

// Task statuses.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusBlocked    = "blocked"
)

// Task types.
const (
	TypeDev  = "dev"
	TypeOps  = "ops"
	TypeTest = "test"
)

type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Type      string `json:"type" enum:"dev,ops,test"`
	Priority  int    `json:"priority" minimum:"1" maximum:"5"`
	Status    string `json:"status" enum:"todo,in_progress,done,blocked"`
	Retries   int    `json:"retries"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Run statuses.
const (
	RunStarted   = "started"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type Run struct {
	ID          int64   `json:"id"`
	Agent       string  `json:"agent"`
	TaskID      *string `json:"task_id,omitempty"`
	Status      string  `json:"status" enum:"started,completed,failed"`
	CostUSD     float64 `json:"cost_usd"`
	DurationSec float64 `json:"duration_sec"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID        int64   `json:"id"`
	Agent     *string `json:"agent,omitempty"`
	Type      string  `json:"type"`
	Payload   string  `json:"payload_json"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Flag struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// ValidTaskType reports whether t is one of the supported task types.
func ValidTaskType(t string) bool {
	switch t {
	case TypeDev, TypeOps, TypeTest:
		return true
	}
	return false
}

// ValidTaskStatus reports whether s is a known lifecycle status.
func ValidTaskStatus(s string) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}
