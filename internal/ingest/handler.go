package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
	httperr "github.com/atelierhq/pulse/internal/core/errors"
)

const (
	msgReadBodyFailed = "Failed to read request body"
	msgInvalidJSON    = "Invalid JSON body"
	msgBufferFailed   = "Failed to enqueue event"

	statusAccepted  = "accepted"
	statusDuplicate = "duplicate"
	statusRejected  = "rejected"
)

// ingestError carries the structured HTTP error shape from a helper back to
// the handler. Helpers return this instead of writing to gin.Context directly,
// keeping them decoupled from HTTP.
type ingestError struct {
	statusCode int
	errorType  string
	message    string
	details    interface{}
}

func (e *ingestError) Error() string {
	return e.message
}

// batchRequest is the POST /v1/events/batch body.
type batchRequest struct {
	Events []*v1.RawEvent `json:"events"`
}

// itemResult is the per-event outcome in a batch response.
type itemResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// IngestHandler handles POST /v1/events.
func (s *Service) IngestHandler(c *gin.Context) {
	body, err := s.readBody(c)
	if err != nil {
		writeError(c, err)
		return
	}

	var evt v1.RawEvent
	if jsonErr := json.Unmarshal(body, &evt); jsonErr != nil {
		slog.Warn("[Ingest] Invalid JSON body received", "error", jsonErr, "payload_size", len(body))
		writeError(c, &ingestError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		})
		return
	}

	status, err := s.processEvent(c.Request.Context(), &evt)
	if err != nil {
		writeError(c, err)
		return
	}

	if status == statusDuplicate {
		c.JSON(http.StatusOK, gin.H{"id": evt.ID, "status": statusDuplicate})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": evt.ID, "status": statusAccepted})
}

// BatchIngestHandler handles POST /v1/events/batch. Each event succeeds or
// fails on its own; one malformed item never rejects its siblings.
func (s *Service) BatchIngestHandler(c *gin.Context) {
	body, err := s.readBody(c)
	if err != nil {
		writeError(c, err)
		return
	}

	var req batchRequest
	if jsonErr := json.Unmarshal(body, &req); jsonErr != nil {
		slog.Warn("[Ingest] Invalid batch body received", "error", jsonErr, "payload_size", len(body))
		writeError(c, &ingestError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpInvalidJsonError,
			message:    msgInvalidJSON,
		})
		return
	}
	if len(req.Events) == 0 {
		writeError(c, &ingestError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    "events must not be empty",
		})
		return
	}

	results := make([]itemResult, 0, len(req.Events))
	var accepted, duplicates, rejected int
	for _, evt := range req.Events {
		status, procErr := s.processEvent(c.Request.Context(), evt)
		switch {
		case procErr != nil && procErr.statusCode >= http.StatusInternalServerError:
			// Buffer unavailable: fail the whole request so the client
			// retries, rather than silently losing the tail of the batch.
			writeError(c, procErr)
			return
		case procErr != nil:
			rejected++
			results = append(results, itemResult{ID: evt.ID, Status: statusRejected, Error: procErr.message})
		case status == statusDuplicate:
			duplicates++
			results = append(results, itemResult{ID: evt.ID, Status: statusDuplicate})
		default:
			accepted++
			results = append(results, itemResult{ID: evt.ID, Status: statusAccepted})
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"accepted":   accepted,
		"duplicates": duplicates,
		"rejected":   rejected,
		"results":    results,
	})
}

// processEvent runs the full accept path for one event: identity, envelope
// validation, timestamp plausibility, dedup, buffer handoff.
func (s *Service) processEvent(ctx context.Context, evt *v1.RawEvent) (string, *ingestError) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	now := s.now().UTC()
	evt.IngestedAt = now

	if err := s.validateEvent(evt, now); err != nil {
		slog.Warn("[Ingest] Event rejected",
			"event_id", evt.ID,
			"occurred_at", evt.OccurredAt,
			"error", err)
		if !httperr.IsValidation(err) {
			return "", &ingestError{
				statusCode: http.StatusInternalServerError,
				errorType:  httperr.HttpInternalError,
				message:    err.Error(),
			}
		}
		return "", &ingestError{
			statusCode: http.StatusBadRequest,
			errorType:  httperr.HttpValidationError,
			message:    err.Error(),
		}
	}

	if s.dedup.CheckAndMark(ctx, evt) {
		return statusDuplicate, nil
	}

	if err := s.buffer.Add(ctx, evt); err != nil {
		slog.Error("[Ingest] Buffer enqueue failed", "error", err, "event_id", evt.ID)
		return "", &ingestError{
			statusCode: http.StatusServiceUnavailable,
			errorType:  httperr.HttpStoreUnavailable,
			message:    msgBufferFailed,
		}
	}

	return statusAccepted, nil
}

// validateEvent checks the envelope, then bounds occurred_at:
// slightly-future client clocks are tolerated up to the skew allowance;
// events older than the retention floor would aggregate into periods already
// served and are refused.
func (s *Service) validateEvent(evt *v1.RawEvent, now time.Time) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	if evt.OccurredAt.After(now.Add(s.maxFutureSkew)) {
		return httperr.NewValidationError("occurred_at is more than %s in the future", s.maxFutureSkew)
	}
	if evt.OccurredAt.Before(now.Add(-s.retentionFloor)) {
		return httperr.NewValidationError("occurred_at is beyond the %s retention floor", s.retentionFloor)
	}
	return nil
}

// readBody reads the request body under the configured size cap.
func (s *Service) readBody(c *gin.Context) ([]byte, *ingestError) {
	maxBytes := int64(s.maxBodySizeBytes)
	limitedBody := io.LimitReader(c.Request.Body, maxBytes+1) // +1 to detect oversized requests

	bodyBytes, err := io.ReadAll(limitedBody)
	if err != nil {
		slog.Error("[Ingest] Failed to read request body", "error", err)
		return nil, &ingestError{
			statusCode: http.StatusInternalServerError,
			errorType:  httperr.HttpInternalError,
			message:    msgReadBodyFailed,
		}
	}

	if int64(len(bodyBytes)) > maxBytes {
		slog.Warn("[Ingest] Request body exceeds maximum size", "size", len(bodyBytes), "max", maxBytes)
		return nil, &ingestError{
			statusCode: http.StatusRequestEntityTooLarge,
			errorType:  httperr.HttpInvalidJsonError,
			message:    "Request body exceeds maximum allowed size",
			details: map[string]interface{}{
				"max_size_mb": maxBytes / (1024 * 1024),
			},
		}
	}

	c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	return bodyBytes, nil
}

// writeError serializes an ingestError as the JSON HTTP response.
func writeError(c *gin.Context, err *ingestError) {
	c.JSON(err.statusCode, httperr.ErrorResponse{
		ErrorType: err.errorType,
		Message:   err.message,
		Details:   err.details,
	})
}
