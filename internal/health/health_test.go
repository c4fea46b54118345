package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, handler http.HandlerFunc) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestHandlerReturnsStatusOK(t *testing.T) {
	w, _ := get(t, Handler("commit", &Tracker{}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestHandlerResponseStructure(t *testing.T) {
	_, resp := get(t, Handler("commit", &Tracker{}))

	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "pulsebuild", resp.ServiceName)
	assert.Equal(t, "commit", resp.Trigger)
	assert.NotEmpty(t, resp.Version)
	assert.NotEmpty(t, resp.Commit)
	assert.NotEmpty(t, resp.BuildTime)
	assert.NotEmpty(t, resp.GoVersion)
	assert.NotEmpty(t, resp.OS)
	assert.NotEmpty(t, resp.Architecture)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Nil(t, resp.LastPulse)
	assert.Zero(t, resp.Pulses)
}

func TestHandlerReportsLastPulse(t *testing.T) {
	tracker := &Tracker{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker.Record(at.Add(-time.Minute), nil)
	tracker.Record(at, errors.New("git fetch: connection refused"))

	w, resp := get(t, Handler("tag", tracker))

	require.NotNil(t, resp.LastPulse)
	assert.True(t, resp.LastPulse.At.Equal(at))
	assert.Equal(t, "git fetch: connection refused", resp.LastPulse.Error)
	assert.EqualValues(t, 2, resp.Pulses)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlerWithoutTracker(t *testing.T) {
	_, resp := get(t, Handler("commit", nil))
	assert.Nil(t, resp.LastPulse)
}

func TestTrackerSuccessHasNoError(t *testing.T) {
	tracker := &Tracker{}
	tracker.Record(time.Now(), nil)

	p, n := tracker.Last()
	require.NotNil(t, p)
	assert.Empty(t, p.Error)
	assert.EqualValues(t, 1, n)
}

func TestHandlerHTTPMethod(t *testing.T) {
	handler := Handler("commit", &Tracker{})

	for _, method := range []string{"GET", "POST", "HEAD"} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/healthz", nil)
			w := httptest.NewRecorder()
			handler(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestHandlerResponseBody(t *testing.T) {
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	Handler("commit", &Tracker{})(w, req)

	body := w.Body.String()
	assert.True(t, strings.Contains(body, "healthy"))
	assert.True(t, strings.Contains(body, "pulsebuild"))
	assert.True(t, strings.Contains(body, "go_version"))
}
