package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rickgao/iot-stream/internal/connection"
	"github.com/rickgao/iot-stream/internal/session"
)

const maxBodyBytes = 1 << 20

// messageView renders a message with its payload inline when it is JSON.
type messageView struct {
	Topic      string    `json:"topic"`
	Payload    any       `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

func newMessageView(m connection.Message) messageView {
	v := messageView{Topic: m.Topic, ReceivedAt: m.ReceivedAt}
	if json.Valid(m.Payload) {
		v.Payload = json.RawMessage(m.Payload)
	} else {
		v.Payload = string(m.Payload)
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	state := s.sess.State()
	health := struct {
		Status        string            `json:"status"`
		State         string            `json:"state"`
		Topics        []string          `json:"topics"`
		Subscriptions map[string]string `json:"subscriptions"`
		QueueSize     int               `json:"queue_size"`
		LastError     string            `json:"last_error,omitempty"`
		Components    map[string]any    `json:"components"`
	}{
		Status:        "healthy",
		State:         state.String(),
		Topics:        s.sess.Topics(),
		Subscriptions: make(map[string]string),
		QueueSize:     s.sess.QueueSize(),
		Components:    make(map[string]any),
	}

	for topic, outcome := range s.sess.Subscriptions() {
		health.Subscriptions[topic] = outcome.String()
	}
	if err := s.sess.LastError(); err != nil {
		health.LastError = err.Error()
	}

	switch state {
	case connection.StateConnected:
	case connection.StateFailed:
		health.Status = "unhealthy"
	default:
		health.Status = "degraded"
	}

	if s.opts.Archive != nil {
		if err := s.opts.Archive.Ping(ctx); err != nil {
			health.Status = "unhealthy"
			health.Components["archive"] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
		} else {
			health.Components["archive"] = "connected"
		}
	}

	s.kickIfDisconnected()

	status := http.StatusOK
	if health.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	snapshot := s.sess.Snapshot()

	switch group := r.URL.Query().Get("group"); group {
	case "":
		views := make([]messageView, 0, len(snapshot))
		for _, m := range snapshot {
			views = append(views, newMessageView(m))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":    len(views),
			"messages": views,
		})
	case "topic":
		groups := make(map[string][]messageView)
		for _, m := range snapshot {
			groups[m.Topic] = append(groups[m.Topic], newMessageView(m))
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":  len(snapshot),
			"topics": groups,
		})
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown group %q", group))
	}
}

func (s *Server) handleLastMessage(w http.ResponseWriter, _ *http.Request) {
	msg, ok := s.sess.LastMessage()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no message received yet"))
		return
	}
	writeJSON(w, http.StatusOK, newMessageView(msg))
}

func (s *Server) handleTopics(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topics string `json:"topics"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Invalid topics are reported but do not hold back the valid ones; the
	// subscribe pass rejects them per topic.
	topics := session.ParseTopics(req.Topics)
	invalid := make(map[string]string)
	for _, t := range topics {
		if err := connection.ValidateTopic(t); err != nil {
			invalid[t] = err.Error()
		}
	}

	_, err := s.sess.Apply(session.TopicsChanged{Topics: topics})
	s.kickIfDisconnected()
	if err != nil {
		s.logger.Warn("topic change failed", "topics", topics, "error", err)
		writeError(w, statusFor(err), err)
		return
	}

	resp := map[string]any{
		"topics":    topics,
		"connected": s.sess.IsConnected(),
	}
	if len(invalid) > 0 {
		resp["invalid"] = invalid
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic   string `json:"topic"`
		Payload any    `json:"payload"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Topic == "" {
		writeError(w, http.StatusBadRequest, errors.New("topic is required"))
		return
	}
	if strings.ContainsAny(req.Topic, "+#") {
		writeError(w, http.StatusBadRequest, fmt.Errorf("publish topic %q must not contain wildcards", req.Topic))
		return
	}

	_, err := s.sess.Apply(session.PublishRequested{Topic: req.Topic, Payload: req.Payload})
	if err != nil {
		s.kickIfDisconnected()
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"topic": req.Topic})
}

func (s *Server) handleQueueSize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Size int `json:"size"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Size < 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("size must be >= 1, got %d", req.Size))
		return
	}

	applied, err := s.sess.Apply(session.QueueSizeChanged{Size: req.Size})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := http.StatusOK
	if !applied && req.Size != s.sess.QueueSize() {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"applied":    applied,
		"queue_size": s.sess.QueueSize(),
	})
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	var topicErr *connection.TopicError
	switch {
	case errors.As(err, &topicErr):
		return http.StatusBadRequest
	case errors.Is(err, connection.ErrNotConnected), errors.Is(err, connection.ErrAlreadyClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
