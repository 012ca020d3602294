package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-cal-sync/internal/models"
	"github.com/noah-isme/campus-cal-sync/pkg/config"
	appErrors "github.com/noah-isme/campus-cal-sync/pkg/errors"
)

type listResponse struct {
	Items         []models.SinkEventRef `json:"items"`
	NextPageToken string                `json:"nextPageToken"`
}

type createResponse struct {
	ID      string `json:"id"`
	Created string `json:"created"`
	Updated string `json:"updated"`
}

// Client performs create/update/list/delete operations against the calendar
// API for a single configured calendar.
type Client struct {
	http       *http.Client
	baseURL    string
	calendarID string
	logger     *zap.Logger
}

// NewClient constructs a sink gateway.
func NewClient(cfg config.SinkConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:       &http.Client{Timeout: cfg.HTTPTimeout},
		baseURL:    cfg.BaseURL,
		calendarID: cfg.CalendarID,
		logger:     logger,
	}
}

func (c *Client) eventsURL() string {
	return fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(c.calendarID))
}

// Create inserts an event and returns the server-assigned id. Non-2xx
// responses are per-event failures the caller is expected to tally, not
// abort on.
func (c *Client) Create(ctx context.Context, token string, ev models.SinkEvent) (string, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "encode event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.eventsURL(), bytes.NewReader(payload))
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "build create request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "create event")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Sugar().Warnw("sink create failed", "summary", ev.Summary, "status", resp.StatusCode, "body", readSnippet(resp.Body))
		return "", appErrors.Wrap(fmt.Errorf("status %d", resp.StatusCode),
			appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "sink rejected event creation")
	}

	var created createResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "decode create response")
	}
	if created.ID == "" {
		return "", appErrors.Clone(appErrors.ErrSinkCall, "create response missing event id")
	}

	return created.ID, nil
}

// Update replaces the event stored under sinkID.
func (c *Client) Update(ctx context.Context, token, sinkID string, ev models.SinkEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "encode event")
	}

	endpoint := c.eventsURL() + "/" + url.PathEscape(sinkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "build update request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "update event")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Sugar().Warnw("sink update failed", "sink_id", sinkID, "status", resp.StatusCode, "body", readSnippet(resp.Body))
		return appErrors.Wrap(fmt.Errorf("status %d", resp.StatusCode),
			appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "sink rejected event update")
	}

	return nil
}

// ListAll returns every event id currently in the calendar, following page
// tokens transparently. timeMin, when non-empty, is passed through as the
// RFC3339 lower bound.
func (c *Client) ListAll(ctx context.Context, token, timeMin string) ([]models.SinkEventRef, error) {
	var refs []models.SinkEventRef
	pageToken := ""

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.eventsURL(), nil)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "build list request")
		}

		q := url.Values{}
		q.Set("singleEvents", "true")
		if timeMin != "" {
			q.Set("timeMin", timeMin)
		}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "list events")
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, appErrors.Wrap(fmt.Errorf("status %d", resp.StatusCode),
				appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "sink list request failed")
		}

		var page listResponse
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "decode list response")
		}

		refs = append(refs, page.Items...)
		if page.NextPageToken == "" {
			return refs, nil
		}
		pageToken = page.NextPageToken
	}
}

// DeleteAll removes every event in the calendar, one DELETE per id.
// Individual failures are logged and counted, never aborting the rest.
func (c *Client) DeleteAll(ctx context.Context, token string) (deleted, failed int, err error) {
	refs, err := c.ListAll(ctx, token, "")
	if err != nil {
		return 0, 0, err
	}

	for _, ref := range refs {
		if err := c.deleteOne(ctx, token, ref.ID); err != nil {
			c.logger.Sugar().Warnw("sink delete failed", "sink_id", ref.ID, "error", err)
			failed++
			continue
		}
		deleted++
	}

	c.logger.Sugar().Infow("sink cleared", "deleted", deleted, "failed", failed)
	return deleted, failed, nil
}

func (c *Client) deleteOne(ctx context.Context, token, sinkID string) error {
	endpoint := c.eventsURL() + "/" + url.PathEscape(sinkID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "build delete request")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "delete event")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return appErrors.Wrap(fmt.Errorf("status %d", resp.StatusCode),
			appErrors.ErrSinkCall.Code, appErrors.ErrSinkCall.Status, "sink rejected event deletion")
	}

	return nil
}

func readSnippet(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(body))
}
