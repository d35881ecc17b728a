package control

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ntfy-daemon/ntfyd/internal/model"
	"github.com/ntfy-daemon/ntfyd/internal/ntfyerr"
)

// ErrorResponse is the JSON body returned on every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of GET /v1/healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// SubscriptionView is the JSON projection of a subscription, including its
// live unread indicator.
type SubscriptionView struct {
	Server       string `json:"server"`
	Topic        string `json:"topic"`
	DisplayName  string `json:"display_name"`
	Muted        bool   `json:"muted"`
	Archived     bool   `json:"archived"`
	Reserved     bool   `json:"reserved"`
	SymbolicIcon string `json:"symbolic_icon,omitempty"`
	ReadUntil    uint64 `json:"read_until"`
	UnreadCount  int    `json:"unread_count"`
}

// SubscriptionRequest names a (server, topic) pair, the body shape shared
// by Subscribe and FlagAllAsRead.
type SubscriptionRequest struct {
	Server string `json:"server"`
	Topic  string `json:"topic"`
}

// PublishRequest is the body of POST /v1/subscriptions/publish.
type PublishRequest struct {
	Server  string        `json:"server"`
	Topic   string        `json:"topic"`
	Message model.Message `json:"message"`
}

// AccountRequest is the body of POST /v1/accounts.
type AccountRequest struct {
	Server   string `json:"server"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.coordinator.ListSubscriptions(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	views := make([]SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		m, err := sub.GetModel(r.Context())
		if err != nil {
			s.logger.Warn("get subscription model", "error", err)
			continue
		}
		count, err := sub.UnreadCount(r.Context())
		if err != nil {
			s.logger.Warn("get unread count", "error", err)
		}
		views = append(views, viewOf(m, count))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub, err := s.coordinator.Subscribe(r.Context(), req.Server, req.Topic)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	m, err := sub.GetModel(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(m, 0))
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	server := r.URL.Query().Get("server")
	topic := r.URL.Query().Get("topic")
	if server == "" || topic == "" {
		writeError(w, http.StatusBadRequest, "server and topic query parameters are required")
		return
	}
	if err := s.coordinator.Unsubscribe(r.Context(), server, topic); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub, ok, err := s.coordinator.Get(r.Context(), req.Server, req.Topic)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not subscribed to that server/topic")
		return
	}
	if err := sub.Publish(r.Context(), req.Message); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFlagAllAsRead(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub, ok, err := s.coordinator.Get(r.Context(), req.Server, req.Topic)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not subscribed to that server/topic")
		return
	}
	if err := sub.FlagAllAsRead(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.coordinator.ListAccounts(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req AccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Server == "" || req.Username == "" {
		writeError(w, http.StatusBadRequest, "server and username are required")
		return
	}
	if err := s.coordinator.AddAccount(r.Context(), req.Server, req.Username, req.Password); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	server := r.URL.Query().Get("server")
	if server == "" {
		writeError(w, http.StatusBadRequest, "server query parameter is required")
		return
	}
	if err := s.coordinator.RemoveAccount(r.Context(), server); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func viewOf(m model.Subscription, unread int) SubscriptionView {
	return SubscriptionView{
		Server:       m.Server,
		Topic:        m.Topic,
		DisplayName:  m.DisplayName,
		Muted:        m.Muted,
		Archived:     m.Archived,
		Reserved:     m.Reserved,
		SymbolicIcon: m.SymbolicIcon,
		ReadUntil:    m.ReadUntil,
		UnreadCount:  unread,
	}
}

// fail maps a domain error onto an HTTP status and writes the JSON error
// body, logging the request ID so a client-reported failure can be found
// in the daemon's own logs.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, new(*ntfyerr.ErrSubscriptionNotFound)):
		status = http.StatusNotFound
	case errors.As(err, new(*ntfyerr.ErrInvalidSubscription)),
		errors.As(err, new(*ntfyerr.ErrInvalidTopic)),
		errors.As(err, new(*ntfyerr.ErrInvalidServer)):
		status = http.StatusBadRequest
	case errors.Is(err, ntfyerr.ErrSingleAccountPerServer):
		status = http.StatusConflict
	}
	s.logger.Warn("control request failed", "request_id", requestID(r), "error", err)
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
