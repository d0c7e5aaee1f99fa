package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sungwon/push-worker/internal/logger"
	"github.com/sungwon/push-worker/internal/metrics"
	"github.com/sungwon/push-worker/internal/queue"
)

const (
	defaultDLQLimit = 50
	maxDLQLimit     = 500
)

// dlqReprocessRequest is the JSON body for POST /api/v1/dlq/reprocess.
type dlqReprocessRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// dlqReprocessResponse is the JSON response for a DLQ reprocess operation.
type dlqReprocessResponse struct {
	Reprocessed int `json:"reprocessed"`
	Total       int `json:"total"`
}

type dlqListResponse struct {
	Messages []queue.DeadLetter `json:"messages"`
	Count    int                `json:"count"`
}

// DLQListHandler handles GET /api/v1/dlq?limit=N.
func DLQListHandler(dlq queue.DeadLetterQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultDLQLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 {
				respondError(w, r, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = min(n, maxDLQLimit)
		}

		msgs, err := dlq.List(r.Context(), limit)
		if err != nil {
			log := logger.FromContext(r.Context())
			log.Error().Err(err).Msg("dlq list failed")
			respondError(w, r, http.StatusInternalServerError, "list failed")
			return
		}
		if msgs == nil {
			msgs = []queue.DeadLetter{}
		}

		respondJSON(w, r, http.StatusOK, dlqListResponse{Messages: msgs, Count: len(msgs)})
	}
}

// DLQReprocessHandler handles POST /api/v1/dlq/reprocess.
// It re-enqueues dead letters back to the primary queue.
func DLQReprocessHandler(dlq queue.DeadLetterQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		var req dlqReprocessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, r, http.StatusBadRequest, "invalid request body")
			return
		}

		if len(req.MessageIDs) == 0 {
			respondError(w, r, http.StatusBadRequest, "message_ids is required and must not be empty")
			return
		}

		reprocessed, err := dlq.Reprocess(r.Context(), req.MessageIDs)
		metrics.DeadLetterReprocessedTotal.Add(float64(reprocessed))
		if err != nil {
			log.Error().Err(err).
				Int("requested", len(req.MessageIDs)).
				Int("reprocessed", reprocessed).
				Msg("dlq reprocess failed")
			respondError(w, r, http.StatusInternalServerError, "reprocess failed")
			return
		}

		log.Info().
			Int("reprocessed", reprocessed).
			Int("total", len(req.MessageIDs)).
			Msg("dlq reprocess completed")

		respondJSON(w, r, http.StatusOK, dlqReprocessResponse{
			Reprocessed: reprocessed,
			Total:       len(req.MessageIDs),
		})
	}
}
