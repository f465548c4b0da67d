package store

import "time"

// Conversation is one chat thread. Exactly one conversation is active
// at any time; the active one receives chat traffic.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Message is one chat turn inside a conversation.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Task statuses.
const (
	TaskPending = "pending"
	TaskActive  = "active"
	TaskDone    = "done"
)

// Task is a tracked work item surfaced to every client.
type Task struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Schedule fires on a fixed interval while enabled.
type Schedule struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	IntervalSecs int64     `json:"intervalSecs"`
	NextRun      time.Time `json:"nextRun"`
	Enabled      bool      `json:"enabled"`
}

// Checkpoint is a frozen copy of a conversation's history. The payload
// itself stays in the database; listings carry only the metadata.
type Checkpoint struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Title          string    `json:"title"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskPending, TaskActive, TaskDone:
		return true
	}
	return false
}
