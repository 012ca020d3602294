package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-cal-sync/pkg/config"
	appErrors "github.com/noah-isme/campus-cal-sync/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, pageSize int) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewClient(config.SourceConfig{
		BaseURL:     server.URL,
		CampusID:    13,
		PageSize:    pageSize,
		PageDelay:   time.Millisecond,
		HTTPTimeout: 5 * time.Second,
	}, nil)
	return client, server
}

func eventJSON(id int, updatedAt, beginAt string) string {
	return fmt.Sprintf(`{"id":%d,"name":"Event %d","description":"desc","location":"here","kind":"event","begin_at":%q,"end_at":"2025-06-01T12:00:00Z","campus_ids":[13],"cursus_ids":[21],"created_at":"2025-01-01T00:00:00Z","updated_at":%q}`, id, id, beginAt, updatedAt)
}

func TestFetchEventsStopsOnShortPage(t *testing.T) {
	var requests []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page[number]")
		requests = append(requests, page)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "-updated_at", r.URL.Query().Get("sort"))
		switch page {
		case "1":
			fmt.Fprintf(w, "[%s,%s]",
				eventJSON(1, "2025-06-03T10:00:00Z", "2025-06-10T10:00:00Z"),
				eventJSON(2, "2025-06-02T10:00:00Z", "2025-06-11T10:00:00Z"))
		default:
			fmt.Fprintf(w, "[%s]", eventJSON(3, "2025-06-01T10:00:00Z", "2025-06-12T10:00:00Z"))
		}
	}, 2)

	cutoff := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	events, err := client.FetchEvents(context.Background(), "tok", cutoff, SortUpdatedAt)
	require.NoError(t, err)

	// Page size 2: a full page then a short one means exactly two requests.
	assert.Equal(t, []string{"1", "2"}, requests)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, "desc\n\nID: 1", events[0].Description)
}

func TestFetchEventsEarlyStopAtCutoff(t *testing.T) {
	var requestCount int
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requestCount++
		fmt.Fprintf(w, "[%s,%s]",
			eventJSON(1, "2025-06-03T10:00:00Z", "2025-06-10T10:00:00Z"),
			eventJSON(2, "2025-04-01T10:00:00Z", "2025-04-02T10:00:00Z"))
	}, 2)

	cutoff := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	events, err := client.FetchEvents(context.Background(), "tok", cutoff, SortUpdatedAt)
	require.NoError(t, err)

	// The second item sits at or before the cutoff, so pagination stops
	// after one page and the item is filtered out.
	assert.Equal(t, 1, requestCount)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].ID)
}

func TestFetchEventsCutoffIsStrict(t *testing.T) {
	cutoff := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "[%s]", eventJSON(1, "2025-05-01T00:00:00Z", "2025-05-01T00:00:00Z"))
	}, 2)

	events, err := client.FetchEvents(context.Background(), "tok", cutoff, SortUpdatedAt)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestFetchEventsDeduplicatesAcrossPages(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page[number]") {
		case "1":
			fmt.Fprintf(w, "[%s,%s]",
				eventJSON(1, "2025-06-03T10:00:00Z", "2025-06-10T10:00:00Z"),
				eventJSON(2, "2025-06-02T10:00:00Z", "2025-06-11T10:00:00Z"))
		default:
			// Page shifted between requests and repeated event 2.
			fmt.Fprintf(w, "[%s]", eventJSON(2, "2025-06-02T10:00:00Z", "2025-06-11T10:00:00Z"))
		}
	}, 2)

	events, err := client.FetchEvents(context.Background(), "tok", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), SortUpdatedAt)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].ID)
	assert.Equal(t, int64(2), events[1].ID)
}

func TestFetchEventsBeginAtMode(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "-begin_at", r.URL.Query().Get("sort"))
		// updated_at is old in both; only begin_at decides in this mode.
		fmt.Fprintf(w, "[%s,%s]",
			eventJSON(1, "2020-01-01T00:00:00Z", "2025-06-10T10:00:00Z"),
			eventJSON(2, "2020-01-01T00:00:00Z", "2025-04-01T10:00:00Z"))
	}, 5)

	events, err := client.FetchEvents(context.Background(), "tok", time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC), SortBeginAt)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].ID)
}

func TestFetchEventsEmptyBodyFailsRun(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, 2)

	_, err := client.FetchEvents(context.Background(), "tok", time.Time{}, SortUpdatedAt)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrSourceFetch.Code, appErrors.FromError(err).Code)
}

func TestFetchEventsMalformedBodyFailsRun(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"not a list"}`)
	}, 2)

	_, err := client.FetchEvents(context.Background(), "tok", time.Time{}, SortUpdatedAt)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrSourceFetch.Code, appErrors.FromError(err).Code)
}

func TestFetchEventsNon2xxFailsRun(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}, 2)

	_, err := client.FetchEvents(context.Background(), "tok", time.Time{}, SortUpdatedAt)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrSourceFetch.Code, appErrors.FromError(err).Code)
}
