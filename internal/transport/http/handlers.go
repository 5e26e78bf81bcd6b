package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snehjoshi/fastq/internal/broker"
	"github.com/snehjoshi/fastq/internal/node"
	"github.com/snehjoshi/fastq/internal/topic"
)

// maxPublishBatch is the maximum number of messages accepted in a single
// publish request.
const maxPublishBatch = 100

// Handler groups all HTTP request handlers around a Broker.
type Handler struct {
	broker          *broker.Broker
	node            *node.Node // may be nil in tests
	maxMessageBytes int
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type errorResp struct {
	Error string `json:"error"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Topics   int    `json:"topics"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

type topicListResp struct {
	Topics []string `json:"topics"`
}

type publishReq struct {
	Messages [][]byte `json:"messages"` // base64 in JSON
}

type publishResp struct {
	FirstID   int64 `json:"first_id"`
	LastID    int64 `json:"last_id"`
	Timestamp int64 `json:"timestamp"` // unix ms
}

type subscriptionListResp struct {
	Subscriptions []string `json:"subscriptions"`
}

type createSubscriptionReq struct {
	StartID int64 `json:"start_id"` // 0 = after everything persisted
}

type subscriptionResp struct {
	Name               string `json:"name"`
	ID                 string `json:"id"`
	CompletedMessageID int64  `json:"completed_message_id"`
	Lag                int64  `json:"lag"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResp{
		Status:  "ok",
		Topics:  len(h.broker.ListTopics()),
		Version: Version,
	}
	if h.node != nil {
		up := h.node.Uptime()
		resp.NodeID = h.node.ID().String()
		resp.Uptime = up.Round(time.Second).String()
		resp.UptimeMs = up.Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Topics ───────────────────────────────────────────────────────────────────

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, topicListResp{Topics: h.broker.ListTopics()})
}

func (h *Handler) createTopic(w http.ResponseWriter, r *http.Request) {
	tp, err := h.broker.CreateTopic(r.PathValue("topic"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tp.Stats())
}

func (h *Handler) topicStats(w http.ResponseWriter, r *http.Request) {
	tp, err := h.broker.Topic(r.PathValue("topic"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tp.Stats())
}

func (h *Handler) deleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.DeleteTopic(r.PathValue("topic")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Publish ──────────────────────────────────────────────────────────────────

// publish writes a batch outside any writer session. The response returns
// once the batch is in the topic buffer, not once it is durable; streaming
// writers get durability acks.
func (h *Handler) publish(w http.ResponseWriter, r *http.Request) {
	var req publishReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "messages must not be empty"})
		return
	}
	if len(req.Messages) > maxPublishBatch {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResp{
			Error: fmt.Sprintf("batch exceeds maximum of %d messages", maxPublishBatch),
		})
		return
	}
	if h.maxMessageBytes > 0 {
		for i, b := range req.Messages {
			if len(b) > h.maxMessageBytes {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorResp{
					Error: fmt.Sprintf("message %d is %d bytes, limit %d", i, len(b), h.maxMessageBytes),
				})
				return
			}
		}
	}

	res, err := h.broker.Publish(r.PathValue("topic"), req.Messages)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, publishResp{
		FirstID:   res.FirstID,
		LastID:    res.LastID,
		Timestamp: res.EnqueuedAt.UnixMilli(),
	})
}

// ─── Subscriptions ────────────────────────────────────────────────────────────

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	tp, err := h.broker.Topic(r.PathValue("topic"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionListResp{Subscriptions: tp.Subscriptions()})
}

func (h *Handler) createSubscription(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.StartID < 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "start_id must not be negative"})
		return
	}
	topicName, name := r.PathValue("topic"), r.PathValue("sub")
	if err := h.broker.CreateSubscription(topicName, name, req.StartID); err != nil {
		writeError(w, err)
		return
	}
	h.writeSubscription(w, http.StatusCreated, topicName, name)
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	h.writeSubscription(w, http.StatusOK, r.PathValue("topic"), r.PathValue("sub"))
}

func (h *Handler) writeSubscription(w http.ResponseWriter, code int, topicName, name string) {
	tp, err := h.broker.Topic(topicName)
	if err != nil {
		writeError(w, err)
		return
	}
	sub, err := tp.Subscription(name)
	if err != nil {
		writeError(w, err)
		return
	}
	completed := sub.CompletedMessageID()
	lag := tp.PersistedMessageID() - completed
	if lag < 0 {
		lag = 0
	}
	writeJSON(w, code, subscriptionResp{
		Name:               sub.Name(),
		ID:                 sub.ID(),
		CompletedMessageID: completed,
		Lag:                lag,
	})
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	if err := h.broker.DeleteSubscription(r.PathValue("topic"), r.PathValue("sub")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// statusFor maps broker and topic errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrInvalidName), errors.Is(err, topic.ErrStartOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrTopicNotFound), errors.Is(err, topic.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, broker.ErrTopicExists), errors.Is(err, topic.ErrSubscriptionExists):
		return http.StatusConflict
	case errors.Is(err, topic.ErrTopicNotRunning), errors.Is(err, broker.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResp{Error: err.Error()})
}

// decodeJSON decodes the request body into v. An empty body leaves v at its
// zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResp{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}
