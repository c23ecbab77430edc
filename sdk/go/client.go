package annotasksdk

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

// Client is a minimal contributor API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, for example http://localhost:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Clip struct {
	ID                  string   `json:"id"`
	AssetID             string   `json:"asset_id,omitempty"`
	StartMS             int      `json:"start_ms"`
	EndMS               int      `json:"end_ms"`
	OverlapMS           int      `json:"overlap_ms"`
	Speakers            []string `json:"speakers"`
	AudioURL            string   `json:"audio_url"`
	VideoURL            string   `json:"video_url,omitempty"`
	CaptionsVTTURL      string   `json:"captions_vtt_url,omitempty"`
	CaptionsAutoEnabled bool     `json:"captions_auto_enabled"`
	ContextPrevClip     string   `json:"context_prev_clip,omitempty"`
	ContextNextClip     string   `json:"context_next_clip,omitempty"`
}

// Task is one leased unit of work.
type Task struct {
	TaskID         string          `json:"task_id"`
	AssignmentID   string          `json:"assignment_id"`
	LeaseExpiresAt time.Time       `json:"lease_expires_at"`
	Clip           Clip            `json:"clip"`
	TaskType       string          `json:"task_type"`
	AISuggestion   json.RawMessage `json:"ai_suggestion,omitempty"`
	PriceCents     int             `json:"price_cents"`
	BundleID       string          `json:"bundle_id,omitempty"`
}

type SkipReason struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// Bundle is the result of a bundle claim. Status is NO_TASKS when nothing
// could be claimed; SkipReasons then explains why.
type Bundle struct {
	Status      string
	BundleID    string
	Tasks       []Task
	SkipReasons []SkipReason
}

type Submission struct {
	TaskID        string  `json:"task_id"`
	AssignmentID  string  `json:"assignment_id"`
	Payload       any     `json:"payload"`
	DurationMS    int     `json:"duration_ms"`
	PlaybackRatio float64 `json:"playback_ratio"`
	WatchedMS     *int    `json:"watched_ms,omitempty"`
}

type SubmitResult struct {
	OK             bool    `json:"ok"`
	GreenCount     int     `json:"green_count"`
	Status         string  `json:"status"`
	AgreementScore float64 `json:"agreement_score"`
	GoldenMatch    *bool   `json:"golden_match"`
	Replayed       bool    `json:"replayed,omitempty"`
}

type Peek struct {
	Count          int            `json:"count"`
	BacklogByType  map[string]int `json:"backlog_by_type"`
	EstWaitSeconds int            `json:"est_wait_seconds"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode  int
	Code        string
	Message     string
	SkipReasons []SkipReason
	Body        string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NextTask leases the next eligible task.
func (c *Client) NextTask(ctx context.Context) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/next", nil, nil, &resp)
	return resp, err
}

// ClaimBundle leases up to count tasks; count <= 0 uses the server default.
func (c *Client) ClaimBundle(ctx context.Context, count int) (Bundle, error) {
	endpoint := "bundle"
	if count > 0 {
		endpoint = fmt.Sprintf("%s?count=%d", endpoint, count)
	}
	var resp struct {
		Status   string `json:"status"`
		BundleID string `json:"bundle_id"`
		Tasks    []Task `json:"tasks"`
		Debug    *struct {
			SkipReasons []SkipReason `json:"skip_reasons"`
		} `json:"debug"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp); err != nil {
		return Bundle{}, err
	}
	out := Bundle{Status: resp.Status, BundleID: resp.BundleID, Tasks: resp.Tasks}
	if resp.Debug != nil {
		out.SkipReasons = resp.Debug.SkipReasons
	}
	return out, nil
}

// Heartbeat extends the lease and returns the new expiry.
func (c *Client) Heartbeat(ctx context.Context, assignmentID string, playbackRatio *float64) (time.Time, error) {
	body := map[string]any{"assignment_id": assignmentID}
	if playbackRatio != nil {
		body["playback_ratio"] = *playbackRatio
	}
	var resp struct {
		LeaseExpiresAt time.Time `json:"lease_expires_at"`
	}
	err := c.do(ctx, http.MethodPost, "tasks/heartbeat", body, nil, &resp)
	return resp.LeaseExpiresAt, err
}

// Release gives an assignment back.
func (c *Client) Release(ctx context.Context, assignmentID, reason string) error {
	body := map[string]any{"assignment_id": assignmentID}
	if reason != "" {
		body["reason"] = reason
	}
	return c.do(ctx, http.MethodPost, "tasks/release", body, nil, nil)
}

// Submit sends an annotation. Retrying with the same idempotency key after
// a failure is safe.
func (c *Client) Submit(ctx context.Context, idempotencyKey string, s Submission) (SubmitResult, error) {
	var resp SubmitResult
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	err := c.do(ctx, http.MethodPost, "tasks/submit", s, headers, &resp)
	return resp, err
}

// Peek reports the backlog without claiming anything.
func (c *Client) Peek(ctx context.Context, taskType string) (Peek, error) {
	endpoint := "peek"
	if taskType != "" {
		endpoint += "?cap=" + url.QueryEscape(taskType)
	}
	var resp Peek
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
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
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
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
			Error       string       `json:"error"`
			Message     string       `json:"message"`
			SkipReasons []SkipReason `json:"skip_reasons"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error
			apiErr.Message = envelope.Message
			apiErr.SkipReasons = envelope.SkipReasons
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
