package intakelinesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Intakeline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// NavigationDecision tells a respondent which field comes next.
type NavigationDecision struct {
	NextFieldID   *string `json:"nextFieldId,omitempty"`
	IsEndOfForm   bool    `json:"isEndOfForm"`
	AppliedRuleID *string `json:"appliedRuleId,omitempty"`
}

type Submission struct {
	ID        string            `json:"id"`
	FormID    string            `json:"form_id"`
	Answers   map[string]string `json:"answers"`
	CreatedAt string            `json:"created_at"`
}

// Notification is a coalesced submission notification.
type Notification struct {
	ID                 string `json:"id"`
	OwnerID            string `json:"owner_id"`
	FormID             string `json:"form_id"`
	LatestSubmissionID string `json:"latest_submission_id"`
	Count              int    `json:"count"`
	FirstEventAt       string `json:"first_event_at"`
	LastEventAt        string `json:"last_event_at"`
	Message            string `json:"message"`
	Read               bool   `json:"read"`
}

// NotificationEvent is the payload delivered on notification streams.
type NotificationEvent struct {
	NotificationID     string `json:"notificationId"`
	FormID             string `json:"formId"`
	LatestSubmissionID string `json:"latestSubmissionId"`
	Message            string `json:"message"`
	Count              int    `json:"count"`
	OccurredAt         string `json:"occurredAt"`
}

type SubmitResult struct {
	Submission   Submission    `json:"submission"`
	Notification *Notification `json:"notification,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	FormID     string `json:"form_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ImportForm uploads a YAML form definition.
func (c *Client) ImportForm(ctx context.Context, definition []byte, replace bool) error {
	endpoint := "forms"
	if replace {
		endpoint += "?replace=true"
	}
	return c.send(ctx, http.MethodPost, endpoint, "application/yaml", bytes.NewReader(definition), nil)
}

// ResolveNext asks which field follows fieldID for answer; nil means the
// field was left unanswered.
func (c *Client) ResolveNext(ctx context.Context, formID, fieldID string, answer *string) (NavigationDecision, error) {
	var resp NavigationDecision
	endpoint := fmt.Sprintf("forms/%s/fields/%s/next", url.PathEscape(formID), url.PathEscape(fieldID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"answer": answer}, &resp)
	return resp, err
}

// Submit records a completed submission.
func (c *Client) Submit(ctx context.Context, formID string, answers map[string]string) (SubmitResult, error) {
	var resp SubmitResult
	endpoint := fmt.Sprintf("forms/%s/submissions", url.PathEscape(formID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"answers": answers}, &resp)
	return resp, err
}

// NotifySubmission records a submission persisted elsewhere.
func (c *Client) NotifySubmission(ctx context.Context, ownerID, formID, formTitle, submissionID string) (Notification, error) {
	body := map[string]any{
		"ownerId":      ownerID,
		"formId":       formID,
		"formTitle":    formTitle,
		"submissionId": submissionID,
	}
	var resp Notification
	err := c.do(ctx, http.MethodPost, "notifications/submissions", body, &resp)
	return resp, err
}

// ListNotifications returns an owner's notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context, ownerID string, unreadOnly bool, limit int) ([]Notification, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread", "true")
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := fmt.Sprintf("owners/%s/notifications", url.PathEscape(ownerID))
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Notification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) MarkRead(ctx context.Context, notificationID string) (Notification, error) {
	var resp Notification
	endpoint := fmt.Sprintf("notifications/%s/read", url.PathEscape(notificationID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events for a form.
func (c *Client) Events(ctx context.Context, formID string, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("forms/%s/events", url.PathEscape(formID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Stream reads the owner's server-sent notification stream and calls fn for
// every event until ctx is cancelled, the server ends the stream or fn
// returns an error. A cancelled ctx is not reported as an error.
func (c *Client) Stream(ctx context.Context, ownerID string, fn func(NotificationEvent) error) error {
	endpoint := fmt.Sprintf("owners/%s/notifications/stream", url.PathEscape(ownerID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(endpoint), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	// Streams are long lived; the request timeout must not apply.
	client := &http.Client{}
	if c.HTTPClient != nil {
		client = &http.Client{Transport: c.HTTPClient.Transport}
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && event == "notification":
			var evt NotificationEvent
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &evt); err != nil {
				return fmt.Errorf("decode notification: %w", err)
			}
			if err := fn(evt); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	return c.send(ctx, method, endpoint, "application/json", &buf, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
