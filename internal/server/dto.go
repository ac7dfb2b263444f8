package server

import (
	"redink/internal/domain"
	"redink/internal/history"
	"redink/internal/retention"
)

// Request payloads

type CreateRecordRequest struct {
	Title   string         `json:"title" maxLength:"500"`
	Outline domain.Outline `json:"outline"`
	TaskID  string         `json:"task_id,omitempty" doc:"Artifact directory holding the generated images"`
}

type UpdateRecordRequest struct {
	Title   *string         `json:"title,omitempty" maxLength:"500"`
	Status  *string         `json:"status,omitempty" enum:"draft,generating,completed,error"`
	Outline *domain.Outline `json:"outline,omitempty"`
	Images  *domain.Images  `json:"images,omitempty"`
}

// Response payloads

type CreateRecordResponse struct {
	RecordID string `json:"record_id"`
}

type SearchResponse struct {
	Records []domain.Summary `json:"records"`
}

type ExistsResponse struct {
	Exists bool `json:"exists"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type HistoryStatsResponse struct {
	Stats *retention.Snapshot `json:"stats"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload" doc:"JSON encoded event payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		Payload:    evt.Payload,
	}
}

func (r UpdateRecordRequest) toUpdate() history.RecordUpdate {
	upd := history.RecordUpdate{
		Title:   r.Title,
		Outline: r.Outline,
		Images:  r.Images,
	}
	if r.Status != nil {
		status := domain.Status(*r.Status)
		upd.Status = &status
	}
	return upd
}
