package domain

import "time"

type Status string

const (
	StatusDraft      Status = "draft"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Statuses lists every valid record status.
var Statuses = []Status{StatusDraft, StatusGenerating, StatusCompleted, StatusError}

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusGenerating, StatusCompleted, StatusError:
		return true
	}
	return false
}

type Page struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Outline is stored as given; the store never interprets it.
type Outline struct {
	Raw   string `json:"raw" required:"false"`
	Pages []Page `json:"pages" required:"false"`
}

type Images struct {
	TaskID    string   `json:"task_id,omitempty"`
	Generated []string `json:"generated" required:"false"`
}

// Record is the full document persisted for one generation attempt.
type Record struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status" enum:"draft,generating,completed,error"`
	Outline   Outline   `json:"outline"`
	Images    Images    `json:"images"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

// Summary is the index projection of a Record.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status" enum:"draft,generating,completed,error"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
}

func (r Record) Summary() Summary {
	return Summary{
		ID:        r.ID,
		Title:     r.Title,
		Status:    r.Status,
		TaskID:    r.Images.TaskID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
