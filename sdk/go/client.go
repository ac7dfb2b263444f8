package redinksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal RedInk history API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, for example http://127.0.0.1:12398/api.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Page struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

type Outline struct {
	Raw   string `json:"raw"`
	Pages []Page `json:"pages"`
}

type Images struct {
	TaskID    string   `json:"task_id,omitempty"`
	Generated []string `json:"generated"`
}

// Record is the full stored document.
type Record struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	Outline   Outline   `json:"outline"`
	Images    Images    `json:"images"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary is the index entry returned by listings.
type Summary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	TaskID    string    `json:"task_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type RecordList struct {
	Records    []Summary `json:"records"`
	Total      int       `json:"total"`
	Page       int       `json:"page"`
	PageSize   int       `json:"page_size"`
	TotalPages int       `json:"total_pages"`
}

// RecordUpdate is a partial update; nil fields are left unchanged.
type RecordUpdate struct {
	Title   *string  `json:"title,omitempty"`
	Status  *string  `json:"status,omitempty"`
	Outline *Outline `json:"outline,omitempty"`
	Images  *Images  `json:"images,omitempty"`
}

type Statistics struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

type TaskDir struct {
	TaskID  string    `json:"task_id"`
	Bytes   int64     `json:"bytes"`
	ModTime time.Time `json:"mtime"`
	Orphan  bool      `json:"orphan"`
}

// HistoryStats is the artifact usage snapshot from the admin API.
type HistoryStats struct {
	HistoryRoot                    string    `json:"history_root"`
	TotalTaskDirs                  int       `json:"total_task_dirs"`
	TotalRecords                   int       `json:"total_records"`
	TotalBytes                     int64     `json:"total_bytes"`
	OrphanTaskDirs                 []string  `json:"orphan_task_dirs"`
	OrphanTaskDirsCount            int       `json:"orphan_task_dirs_count"`
	ReferencedMissingTaskDirs      []string  `json:"referenced_missing_task_dirs"`
	ReferencedMissingTaskDirsCount int       `json:"referenced_missing_task_dirs_count"`
	LargestTaskDirs                []TaskDir `json:"largest_task_dirs"`
	NewestTaskDirs                 []TaskDir `json:"newest_task_dirs"`
}

// CleanupRequest mirrors the cleanup body. DryRun nil means a dry run.
type CleanupRequest struct {
	Scope                string  `json:"scope,omitempty"`
	DeleteOrphanTasks    bool    `json:"delete_orphan_tasks,omitempty"`
	OlderThanDays        int     `json:"older_than_days,omitempty"`
	KeepLastN            int     `json:"keep_last_n,omitempty"`
	LargerThanMB         float64 `json:"larger_than_mb,omitempty"`
	DryRun               *bool   `json:"dry_run,omitempty"`
	ConfirmDeleteAny     string  `json:"confirm_delete_any,omitempty"`
	ConfirmDeleteOrphans string  `json:"confirm_delete_orphans,omitempty"`
}

type CleanupResult struct {
	Scope          string        `json:"scope"`
	EffectiveScope string        `json:"effective_scope"`
	DryRun         bool          `json:"dry_run"`
	Kept           []string      `json:"kept"`
	KeptCount      int           `json:"kept_count"`
	Deleted        []DeletedItem `json:"deleted"`
	DeletedCount   int           `json:"deleted_count"`
	FreedBytes     int64         `json:"freed_bytes"`
	Failed         []FailedItem  `json:"failed"`
	SkippedCount   int           `json:"skipped_count"`
}

type DeletedItem struct {
	TaskID string `json:"task_id"`
	Bytes  int64  `json:"bytes"`
}

type FailedItem struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Payload    string `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// CreateRecord creates a draft record and returns its id.
func (c *Client) CreateRecord(ctx context.Context, title string, outline Outline, taskID string) (string, error) {
	body := map[string]any{
		"title":   title,
		"outline": outline,
	}
	if taskID != "" {
		body["task_id"] = taskID
	}
	var resp struct {
		RecordID string `json:"record_id"`
	}
	err := c.do(ctx, http.MethodPost, "history", body, &resp)
	return resp.RecordID, err
}

// GetRecord fetches a record by id.
func (c *Client) GetRecord(ctx context.Context, id string) (Record, error) {
	var resp Record
	err := c.do(ctx, http.MethodGet, "history/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// UpdateRecord applies a partial update.
func (c *Client) UpdateRecord(ctx context.Context, id string, upd RecordUpdate) error {
	return c.do(ctx, http.MethodPatch, "history/"+url.PathEscape(id), upd, nil)
}

// DeleteRecord removes a record. Its task directory is left for cleanup.
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "history/"+url.PathEscape(id), nil, nil)
}

// RecordExists reports whether id is indexed.
func (c *Client) RecordExists(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	err := c.do(ctx, http.MethodGet, "history/"+url.PathEscape(id)+"/exists", nil, &resp)
	return resp.Exists, err
}

// ListRecords returns one page of summaries, optionally filtered by status.
func (c *Client) ListRecords(ctx context.Context, page, pageSize int, status string) (RecordList, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if pageSize > 0 {
		q.Set("page_size", fmt.Sprint(pageSize))
	}
	if status != "" {
		q.Set("status", status)
	}
	var resp RecordList
	err := c.do(ctx, http.MethodGet, withQuery("history", q), nil, &resp)
	return resp, err
}

// SearchRecords matches titles case-insensitively.
func (c *Client) SearchRecords(ctx context.Context, keyword string) ([]Summary, error) {
	var resp struct {
		Records []Summary `json:"records"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("history/search", url.Values{"keyword": {keyword}}), nil, &resp)
	return resp.Records, err
}

// Statistics counts records by status.
func (c *Client) Statistics(ctx context.Context) (Statistics, error) {
	var resp Statistics
	err := c.do(ctx, http.MethodGet, "history/stats", nil, &resp)
	return resp, err
}

// HistoryStats scans the task directories. Admin endpoint.
func (c *Client) HistoryStats(ctx context.Context) (HistoryStats, error) {
	var resp struct {
		Stats HistoryStats `json:"stats"`
	}
	err := c.do(ctx, http.MethodGet, "admin/history/stats", nil, &resp)
	return resp.Stats, err
}

// Cleanup runs or previews a cleanup. Admin endpoint.
func (c *Client) Cleanup(ctx context.Context, req CleanupRequest) (CleanupResult, error) {
	var resp CleanupResult
	err := c.do(ctx, http.MethodPost, "admin/history/cleanup", req, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("admin/events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
