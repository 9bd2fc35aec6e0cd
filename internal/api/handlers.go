// Package api defines the stateless HTTP handlers for the relay's public
// surface: token issuance, queue lifecycle, message history, and the
// edge-node listing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-push-relay/pkg/push"
)

// Notifier is the fan-out side of a message post. Implementations must be
// fire-and-forget; the HTTP response never depends on the outcome.
type Notifier interface {
	Publish(ctx context.Context, token push.Token, msg push.Message)
}

// API holds the dependencies for the stateless HTTP handlers. Every
// request resolves against Storage; the fan-out notification is a
// separate, independent failure domain.
type API struct {
	storage  push.Storage
	notifier Notifier
	logger   zerolog.Logger
}

// NewAPI creates the handler set.
func NewAPI(storage push.Storage, notifier Notifier, logger zerolog.Logger) *API {
	return &API{
		storage:  storage,
		notifier: notifier,
		logger:   logger.With().Str("component", "API").Logger(),
	}
}

// Register attaches every route to the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /token/", a.NewTokenHandler)
	mux.HandleFunc("GET /queue/", a.GetQueuesHandler)
	mux.HandleFunc("POST /queue/", a.NewQueueHandler)
	mux.HandleFunc("GET /queue/{queue}/", a.GetMessagesHandler)
	mux.HandleFunc("POST /queue/{queue}/", a.NewMessageHandler)
	mux.HandleFunc("DELETE /queue/{queue}/", a.DeleteQueueHandler)
	mux.HandleFunc("GET /nodes/", a.GetNodesHandler)
}

func queueURL(queueID string) string {
	return "/queue/" + queueID + "/"
}

// NewTokenHandler issues a fresh token together with its personal
// history queue.
func (a *API) NewTokenHandler(w http.ResponseWriter, r *http.Request) {
	token, err := a.storage.NewToken(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("Token issuance failed")
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	// The personal queue carries an empty domain so it stays out of the
	// domain listing while giving the client a history URL.
	personalID := uuid.NewString()
	if err := a.storage.NewQueue(r.Context(), personalID, token, ""); err != nil {
		a.logger.Error().Err(err).Msg("Personal queue creation failed")
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"queue": queueURL(personalID),
	})
}

// GetQueuesHandler returns the domain -> queue URL mapping for a token,
// used by clients to sync push URLs across devices.
func (a *API) GetQueuesHandler(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeValidationError(w, &push.ValidationError{Fields: []string{"token"}})
		return
	}

	queues, err := a.storage.Queues(r.Context(), token)
	if err != nil {
		a.logger.Error().Err(err).Msg("Queue listing failed")
		writeError(w, http.StatusInternalServerError, "failed to list queues")
		return
	}

	out := make(map[string]string, len(queues))
	for domain, id := range queues {
		out[domain] = queueURL(id)
	}
	writeJSON(w, http.StatusOK, out)
}

// NewQueueHandler registers a push queue for a (token, domain) pair.
func (a *API) NewQueueHandler(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token  string `json:"token"`
		Domain string `json:"domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var missing []string
	if body.Token == "" {
		missing = append(missing, "token")
	}
	if body.Domain == "" {
		missing = append(missing, "domain")
	}
	if len(missing) > 0 {
		writeValidationError(w, &push.ValidationError{Fields: missing})
		return
	}

	queueID := uuid.NewString()
	if err := a.storage.NewQueue(r.Context(), queueID, body.Token, body.Domain); err != nil {
		a.logger.Error().Err(err).Msg("Queue creation failed")
		writeError(w, http.StatusInternalServerError, "failed to create queue")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"queue": queueURL(queueID)})
}

// DeleteQueueHandler revokes a queue. An unknown queue and a queue owned
// by a different token both report 404.
func (a *API) DeleteQueueHandler(w http.ResponseWriter, r *http.Request) {
	queueID := r.PathValue("queue")
	token := r.URL.Query().Get("token")
	if token == "" {
		writeValidationError(w, &push.ValidationError{Fields: []string{"token"}})
		return
	}

	owns, err := a.storage.UserOwnsQueue(r.Context(), token, queueID)
	if err != nil {
		a.logger.Error().Err(err).Msg("Ownership check failed")
		writeError(w, http.StatusInternalServerError, "failed to delete queue")
		return
	}
	if !owns {
		writeNotFound(w)
		return
	}

	if err := a.storage.DeleteQueue(r.Context(), queueID); err != nil {
		if errors.Is(err, push.ErrNotFound) {
			writeNotFound(w)
			return
		}
		a.logger.Error().Err(err).Msg("Queue delete failed")
		writeError(w, http.StatusInternalServerError, "failed to delete queue")
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// NewMessageHandler appends a message to a queue and fans it out to the
// owning token's live connections. The durable write and the fan-out are
// two sequential steps with independent failure domains: a fan-out
// failure never affects the response.
func (a *API) NewMessageHandler(w http.ResponseWriter, r *http.Request) {
	queueID := r.PathValue("queue")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be a JSON document")
		return
	}

	// Resolve the owner first so a post to a deleted queue short-circuits
	// before any side effect.
	token, err := a.storage.UserForQueue(r.Context(), queueID)
	if err != nil {
		if errors.Is(err, push.ErrNotFound) {
			writeNotFound(w)
			return
		}
		a.logger.Error().Err(err).Msg("Owner lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	msg, err := a.storage.NewMessage(r.Context(), queueID, body)
	if err != nil {
		if errors.Is(err, push.ErrNotFound) {
			writeNotFound(w)
			return
		}
		a.logger.Error().Err(err).Msg("Message append failed")
		writeError(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	a.notifier.Publish(r.Context(), token, msg)

	writeJSON(w, http.StatusOK, map[string][]push.Message{"messages": {msg}})
}

// GetMessagesHandler returns a queue's history, optionally filtered to
// timestamps strictly after `since`.
func (a *API) GetMessagesHandler(w http.ResponseWriter, r *http.Request) {
	queueID := r.PathValue("queue")
	token := r.URL.Query().Get("token")
	if token == "" {
		writeValidationError(w, &push.ValidationError{Fields: []string{"token"}})
		return
	}

	since := int64(-1)
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		val, err := strconv.ParseInt(sinceStr, 10, 64)
		if err != nil || val < 0 {
			writeError(w, http.StatusBadRequest, "invalid 'since' parameter, must be a timestamp")
			return
		}
		since = val
	}

	owns, err := a.storage.UserOwnsQueue(r.Context(), token, queueID)
	if err != nil {
		a.logger.Error().Err(err).Msg("Ownership check failed")
		writeError(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	if !owns {
		writeNotFound(w)
		return
	}

	messages, err := a.storage.Messages(r.Context(), queueID, since)
	if err != nil {
		if errors.Is(err, push.ErrNotFound) {
			writeNotFound(w)
			return
		}
		a.logger.Error().Err(err).Msg("History read failed")
		writeError(w, http.StatusInternalServerError, "failed to read messages")
		return
	}

	writeJSON(w, http.StatusOK, map[string][]push.Message{"messages": messages})
}

// GetNodesHandler lists edge nodes least-loaded first; clients connect to
// the head of the list and fall back down it.
func (a *API) GetNodesHandler(w http.ResponseWriter, r *http.Request) {
	nodes, err := a.storage.EdgeNodes(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("Node listing failed")
		writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"nodes": nodes})
}
