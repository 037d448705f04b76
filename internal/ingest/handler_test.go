package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	httperr "github.com/atelierhq/pulse/internal/core/errors"
	"github.com/atelierhq/pulse/internal/dedup"
	"github.com/atelierhq/pulse/internal/faststore"
)

type handlerFixture struct {
	router *gin.Engine
	store  *memEventStore
	buffer *Buffer
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := &memEventStore{}
	buf := NewBuffer(store, &memDeadLetters{}, BufferConfig{
		BatchSize:    100,
		BatchTimeout: time.Hour,
	}, nil)
	startBuffer(t, buf)

	engine := dedup.NewEngine(faststore.NewMemoryStore(), time.Minute, 5, 20)
	svc := NewService(buf, engine, 1, 5*time.Minute, 90*24*time.Hour)

	r := gin.New()
	svc.RegisterRoutes(r)

	return &handlerFixture{router: r, store: store, buffer: buf}
}

func (f *handlerFixture) post(t *testing.T, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func eventBody(id string, occurredAt time.Time) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "page_view",
		"actor_id": "actor-1",
		"session_id": "sess-1",
		"entity": {"project_id": "proj-1"},
		"occurred_at": %q,
		"props": {"path": "/home"}
	}`, id, occurredAt.Format(time.RFC3339Nano)))
}

func TestIngestHandler_Accepted(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.post(t, "/v1/events", eventBody("evt-001", time.Now().UTC()))
	require.Equal(t, http.StatusAccepted, resp.Code)

	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	require.Equal(t, "accepted", result["status"])
	require.Equal(t, "evt-001", result["id"])
}

func TestIngestHandler_AssignsIDWhenMissing(t *testing.T) {
	f := newHandlerFixture(t)

	body := []byte(fmt.Sprintf(`{
		"type": "click",
		"occurred_at": %q,
		"props": {"target": "cta"}
	}`, time.Now().UTC().Format(time.RFC3339Nano)))

	resp := f.post(t, "/v1/events", body)
	require.Equal(t, http.StatusAccepted, resp.Code)

	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	require.NotEmpty(t, result["id"])
}

func TestIngestHandler_Duplicate(t *testing.T) {
	f := newHandlerFixture(t)
	occurredAt := time.Now().UTC().Truncate(time.Second)

	first := f.post(t, "/v1/events", eventBody("evt-a", occurredAt))
	require.Equal(t, http.StatusAccepted, first.Code)

	// Different ID, same identity fields inside the one-second window.
	second := f.post(t, "/v1/events", eventBody("evt-b", occurredAt))
	require.Equal(t, http.StatusOK, second.Code)

	var result map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &result))
	require.Equal(t, "duplicate", result["status"])
}

func TestIngestHandler_InvalidJSON(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.post(t, "/v1/events", []byte("not json"))
	require.Equal(t, http.StatusBadRequest, resp.Code)

	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpInvalidJsonError, errResp.ErrorType)
}

func TestIngestHandler_UnknownType(t *testing.T) {
	f := newHandlerFixture(t)

	body := []byte(fmt.Sprintf(`{
		"type": "made_up",
		"occurred_at": %q
	}`, time.Now().UTC().Format(time.RFC3339Nano)))

	resp := f.post(t, "/v1/events", body)
	require.Equal(t, http.StatusBadRequest, resp.Code)

	var errResp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &errResp))
	require.Equal(t, httperr.HttpValidationError, errResp.ErrorType)
	require.Contains(t, errResp.Message, "unknown event type")
}

func TestIngestHandler_ImplausibleTimestamps(t *testing.T) {
	f := newHandlerFixture(t)

	tooFuture := f.post(t, "/v1/events", eventBody("evt-f", time.Now().UTC().Add(time.Hour)))
	require.Equal(t, http.StatusBadRequest, tooFuture.Code)

	tooOld := f.post(t, "/v1/events", eventBody("evt-o", time.Now().UTC().Add(-120*24*time.Hour)))
	require.Equal(t, http.StatusBadRequest, tooOld.Code)

	// Slight clock skew inside the allowance is accepted.
	skewed := f.post(t, "/v1/events", eventBody("evt-s", time.Now().UTC().Add(2*time.Minute)))
	require.Equal(t, http.StatusAccepted, skewed.Code)
}

func TestIngestHandler_OversizedBody(t *testing.T) {
	f := newHandlerFixture(t)

	big := bytes.Repeat([]byte("x"), 1024*1024+1)
	resp := f.post(t, "/v1/events", big)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
}

func TestBatchIngestHandler_MixedResults(t *testing.T) {
	f := newHandlerFixture(t)
	occurredAt := time.Now().UTC().Truncate(time.Second)

	body := []byte(fmt.Sprintf(`{"events": [
		{"id": "evt-1", "type": "page_view", "actor_id": "a", "occurred_at": %[1]q, "props": {"path": "/"}},
		{"id": "evt-2", "type": "page_view", "actor_id": "a", "occurred_at": %[1]q, "props": {"path": "/"}},
		{"id": "evt-3", "type": "page_view", "actor_id": "b"}
	]}`, occurredAt.Format(time.RFC3339Nano)))

	resp := f.post(t, "/v1/events/batch", body)
	require.Equal(t, http.StatusOK, resp.Code)

	var result struct {
		Accepted   int          `json:"accepted"`
		Duplicates int          `json:"duplicates"`
		Rejected   int          `json:"rejected"`
		Results    []itemResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	require.Equal(t, 1, result.Accepted)
	require.Equal(t, 1, result.Duplicates)
	require.Equal(t, 1, result.Rejected)
	require.Len(t, result.Results, 3)
	require.Equal(t, "accepted", result.Results[0].Status)
	require.Equal(t, "duplicate", result.Results[1].Status)
	require.Equal(t, "rejected", result.Results[2].Status)
}

func TestBatchIngestHandler_EmptyBatch(t *testing.T) {
	f := newHandlerFixture(t)

	resp := f.post(t, "/v1/events/batch", []byte(`{"events": []}`))
	require.Equal(t, http.StatusBadRequest, resp.Code)
}
