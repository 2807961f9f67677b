package main

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"omnidesk/internal/constants"
	apperrors "omnidesk/internal/errors"
	"omnidesk/internal/handover"
	"omnidesk/internal/httputil"
	"omnidesk/internal/models"
	"omnidesk/internal/notification"
	"omnidesk/internal/security"
	"omnidesk/internal/service"
	"omnidesk/internal/validation"
	"omnidesk/pkg/channel"

	"github.com/gorilla/mux"
)

func (s *Server) setupAPIRoutes(api *mux.Router) {
	// Escalations
	api.HandleFunc("/escalations", s.handleCreateEscalation()).Methods(http.MethodPost)
	api.HandleFunc("/escalations/{id}", s.handleGetEscalation()).Methods(http.MethodGet)
	api.HandleFunc("/escalations/{id}/assign", s.handleAssignEscalation()).Methods(http.MethodPost)
	api.HandleFunc("/escalations/{id}/activate", s.handleActivateEscalation()).Methods(http.MethodPost)
	api.HandleFunc("/escalations/{id}/resolve", s.handleResolveEscalation()).Methods(http.MethodPost)
	api.HandleFunc("/escalations/{id}/cancel", s.handleCancelEscalation()).Methods(http.MethodPost)
	api.HandleFunc("/escalations/{id}/transfer", s.handleTransferEscalation()).Methods(http.MethodPost)

	company := api.PathPrefix("/companies/{company}").Subrouter()
	company.HandleFunc("/escalations", s.handleListEscalations()).Methods(http.MethodGet)
	company.HandleFunc("/escalations/metrics", s.handleEscalationMetrics()).Methods(http.MethodGet)
	company.HandleFunc("/queue", s.handleQueue()).Methods(http.MethodGet)

	// Presence
	company.HandleFunc("/users/{user}/presence", s.handleUserPresence()).Methods(http.MethodPost)
	company.HandleFunc("/agents/{agent}/status", s.handleAgentStatus()).Methods(http.MethodPut)
	company.HandleFunc("/agents/available", s.handleAvailableAgents()).Methods(http.MethodGet)

	// Outbound
	company.HandleFunc("/channels/{channel}/messages", s.handleSendMessage()).Methods(http.MethodPost)
	company.HandleFunc("/channels/{channel}/typing", s.handleTyping()).Methods(http.MethodPost)
	company.HandleFunc("/channels/{channel}/read", s.handleMarkMessageRead()).Methods(http.MethodPost)
	company.HandleFunc("/channels/{channel}/media", s.handleDownloadMedia()).Methods(http.MethodGet)

	// Notifications
	notes := api.PathPrefix("/notifications/{type}/{recipient}").Subrouter()
	notes.HandleFunc("", s.handleListNotifications()).Methods(http.MethodGet)
	notes.HandleFunc("/unread-count", s.handleUnreadCount()).Methods(http.MethodGet)
	notes.HandleFunc("/read-all", s.handleMarkAllRead()).Methods(http.MethodPost)
	notes.HandleFunc("/preferences", s.handleGetPreferences()).Methods(http.MethodGet)
	notes.HandleFunc("/preferences", s.handleSetPreferences()).Methods(http.MethodPut)
	notes.HandleFunc("/{id}/read", s.handleMarkRead()).Methods(http.MethodPost)
	notes.HandleFunc("/{id}", s.handleDeleteNotification()).Methods(http.MethodDelete)

	api.HandleFunc("/breakers", s.handleBreakers()).Methods(http.MethodGet)
}

// apiError maps service errors onto HTTP errors.
func apiError(err error) error {
	switch {
	case errors.Is(err, notification.ErrNotFound):
		return apperrors.NewNotFoundError("notification", "")
	case errors.Is(err, notification.ErrInvalidRecipient):
		return apperrors.Wrap(err, apperrors.ErrCodeValidationFailed, err.Error()).WithUserMessage("Invalid notification recipient")
	case errors.Is(err, service.ErrChannelNotConfigured):
		return apperrors.Wrap(err, apperrors.ErrCodeMissingConfig, "channel not configured").
			WithUserMessage("The channel is not connected for this company").
			WithStatus(http.StatusNotFound)
	}
	return apperrors.FromHandover(apperrors.FromChannelError(err))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := httputil.DecodeJSON(w, r, s.cfg.MaxBodyBytes, v); err != nil {
		httputil.WriteError(w, r, err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, key, field string) (string, bool) {
	id := mux.Vars(r)[key]
	if err := validation.ValidateIdentifier(field, id); err != nil {
		httputil.WriteError(w, r, err)
		return "", false
	}
	return id, true
}

type escalationResponse struct {
	*models.Escalation
	QueuePosition int `json:"queuePosition,omitempty"`
}

func (s *Server) escalationBody(esc *models.Escalation) escalationResponse {
	return escalationResponse{Escalation: esc, QueuePosition: s.deps.Engine.QueuePosition(esc.ID)}
}

func (s *Server) handleCreateEscalation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req handover.CreateRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := validation.ValidateIdentifier("company id", req.CompanyID); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if req.Reason != "" {
			if err := validation.ValidateReason(req.Reason); err != nil {
				httputil.WriteError(w, r, err)
				return
			}
		}
		if err := validation.ValidatePriority(req.Priority); err != nil {
			httputil.WriteError(w, r, err)
			return
		}

		esc, err := s.deps.Engine.CreateEscalation(r.Context(), req)
		if err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, s.escalationBody(esc))
	}
}

func (s *Server) handleGetEscalation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id", "escalation id")
		if !ok {
			return
		}
		esc, err := s.deps.Engine.GetEscalation(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.escalationBody(esc))
	}
}

type assignRequest struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName,omitempty"`
}

func (s *Server) handleAssignEscalation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id", "escalation id")
		if !ok {
			return
		}
		var req assignRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := validation.ValidateIdentifier("agent id", req.AgentID); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		esc, err := s.deps.Engine.AssignEscalation(r.Context(), id, req.AgentID, req.AgentName)
		if err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.escalationBody(esc))
	}
}

func (s *Server) handleActivateEscalation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id", "escalation id")
		if !ok {
			return
		}
		esc, err := s.deps.Engine.ActivateEscalation(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.escalationBody(esc))
	}
}

func (s *Server) handleResolveEscalation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id", "escalation id")
		if !ok {
			return
		}
		var opts handover.ResolveOptions
		if r.ContentLength != 0 && !s.decode(w, r, &opts) {
			return
		}
		esc, err := s.deps.Engine.ResolveEscalation(r.Context(), id, opts)
		if err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.escalationBody(esc))
	}
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleCancelEscalation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id", "escalation id")
		if !ok {
			return
		}
		var req cancelRequest
		if r.ContentLength != 0 && !s.decode(w, r, &req) {
			return
		}
		esc, err := s.deps.Engine.CancelEscalation(r.Context(), id, req.Reason)
		if err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.escalationBody(esc))
	}
}

type transferRequest struct {
	ToAgentID   string `json:"toAgentId"`
	ToAgentName string `json:"toAgentName,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Server) handleTransferEscalation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r, "id", "escalation id")
		if !ok {
			return
		}
		var req transferRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := validation.ValidateIdentifier("agent id", req.ToAgentID); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		esc, err := s.deps.Engine.TransferEscalation(r.Context(), id, req.ToAgentID, req.ToAgentName, req.Reason)
		if err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.escalationBody(esc))
	}
}

func (s *Server) handleListEscalations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		company, ok := pathID(w, r, "company", "company id")
		if !ok {
			return
		}
		q := r.URL.Query()
		status := models.EscalationStatus(q.Get("status"))
		if status != "" && !status.Live() && !status.Terminal() {
			httputil.WriteError(w, r, apperrors.NewValidationError("status", string(status), "unknown escalation status"))
			return
		}

		// finished escalations are served from the archive
		if status.Terminal() && s.deps.Archive != nil {
			limit := 0
			if v := q.Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					httputil.WriteError(w, r, apperrors.NewValidationError("limit", v, "limit must be a non-negative integer"))
					return
				}
				limit = n
			}
			list, err := s.deps.Archive.ListEscalations(r.Context(), company, status, limit)
			if err != nil {
				httputil.WriteError(w, r, apperrors.NewDatabaseError("list escalations", err))
				return
			}
			out := make([]escalationResponse, 0, len(list))
			for _, esc := range list {
				out = append(out, escalationResponse{Escalation: esc})
			}
			httputil.WriteJSON(w, http.StatusOK, out)
			return
		}

		list := s.deps.Engine.List(company, status)
		out := make([]escalationResponse, 0, len(list))
		for _, esc := range list {
			out = append(out, s.escalationBody(esc))
		}
		httputil.WriteJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleQueue() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		company, ok := pathID(w, r, "company", "company id")
		if !ok {
			return
		}
		queue := s.deps.Engine.Queue(company)
		out := make([]escalationResponse, 0, len(queue))
		for i, esc := range queue {
			out = append(out, escalationResponse{Escalation: esc, QueuePosition: i + 1})
		}
		httputil.WriteJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleEscalationMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		company, ok := pathID(w, r, "company", "company id")
		if !ok {
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.deps.Engine.Metrics(company))
	}
}

type userPresenceRequest struct {
	Status models.PresenceStatus `json:"status,omitempty"`
}

// handleUserPresence records activity, or an explicit status when one is given.
func (s *Server) handleUserPresence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		company, ok := pathID(w, r, "company", "company id")
		if !ok {
			return
		}
		user, ok := pathID(w, r, "user", "user id")
		if !ok {
			return
		}
		var req userPresenceRequest
		if r.ContentLength != 0 && !s.decode(w, r, &req) {
			return
		}

		if req.Status == "" {
			s.deps.Presence.Touch(user, company)
		} else if err := s.deps.Presence.SetPresence(user, company, req.Status); err != nil {
			httputil.WriteError(w, r, apperrors.NewValidationError("status", string(req.Status), err.Error()))
			return
		}
		p, _ := s.deps.Presence.GetPresence(user)
		httputil.WriteJSON(w, http.StatusOK, p)
	}
}

type agentStatusRequest struct {
	Status           models.AgentStatus `json:"status"`
	MaxConversations int                `json:"maxConversations,omitempty"`
}

func (s *Server) handleAgentStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		company, ok := pathID(w, r, "company", "company id")
		if !ok {
			return
		}
		agent, ok := pathID(w, r, "agent", "agent id")
		if !ok {
			return
		}
		var req agentStatusRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := validation.ValidateAgentStatus(req.Status); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if err := validation.ValidateNumericRange(req.MaxConversations, "maxConversations", 0, 1000); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if err := s.deps.Presence.SetAgentStatus(agent, company, req.Status, req.MaxConversations); err != nil {
			httputil.WriteError(w, r, apperrors.NewValidationError("status", string(req.Status), err.Error()))
			return
		}
		p, _ := s.deps.Presence.GetAgentPresence(agent)
		httputil.WriteJSON(w, http.StatusOK, p)
	}
}

func (s *Server) handleAvailableAgents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		company, ok := pathID(w, r, "company", "company id")
		if !ok {
			return
		}
		agents := s.deps.Presence.GetAvailableAgents(s.deps.Presence.AgentIDs(company))
		if agents == nil {
			agents = []models.AgentPresence{}
		}
		httputil.WriteJSON(w, http.StatusOK, agents)
	}
}

type sendMessageRequest struct {
	RecipientID     string              `json:"recipientId"`
	Content         string              `json:"content,omitempty"`
	MediaURL        string              `json:"mediaUrl,omitempty"`
	ContentType     channel.ContentType `json:"contentType,omitempty"`
	ConversationRef string              `json:"conversationRef,omitempty"`
	channel.SendOptions
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		company, ok := pathID(w, r, "company", "company id")
		if !ok {
			return
		}
		ch := channel.Type(strings.ToLower(mux.Vars(r)["channel"]))

		var req sendMessageRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := validation.ValidateIdentifier("recipient id", req.RecipientID); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if err := validation.ValidateStringLength(req.Content, "content", 0, constants.MaxMessageLength); err != nil {
			httputil.WriteError(w, r, err)
			return
		}

		var (
			result *channel.SendResult
			err    error
		)
		if req.MediaURL != "" {
			if err := security.ValidateMediaURL(req.MediaURL); err != nil {
				httputil.WriteError(w, r, apperrors.NewValidationError("mediaUrl", req.MediaURL, err.Error()))
				return
			}
			if !req.ContentType.Valid() || req.ContentType == channel.ContentText {
				httputil.WriteError(w, r, apperrors.NewValidationError("contentType", string(req.ContentType), "media messages need a media content type"))
				return
			}
			result, err = s.deps.Outbound.SendMedia(r.Context(), company, ch, req.RecipientID, req.MediaURL, req.ContentType, req.Content, req.SendOptions)
		} else {
			if strings.TrimSpace(req.Content) == "" {
				httputil.WriteError(w, r, apperrors.NewValidationError("content", "", "content or mediaUrl is required"))
				return
			}
			result, err = s.deps.Outbound.Send(r.Context(), company, ch, req.RecipientID, req.Content, req.SendOptions)
		}
		if err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}

		ref := req.ConversationRef
		if ref == "" {
			ref = req.RecipientID
		}
		if s.deps.Conversations != nil && req.Content != "" {
			s.deps.Conversations.RecordReply(service.ConversationID(company, ch, ref), req.Content)
		}
		httputil.WriteJSON(w, http.StatusAccepted, result)
	}
}

type receiptRequest struct {
	RecipientID string `json:"recipientId"`
	MessageID   string `json:"messageId,omitempty"`
}

// handleTyping and handleMarkMessageRead are best effort: the sender
// swallows provider failures, so both always answer 202.
func (s *Server) handleTyping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		company, ok := pathID(w, r, "company", "company id")
		if !ok {
			return
		}
		var req receiptRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := validation.ValidateIdentifier("recipient id", req.RecipientID); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		s.deps.Outbound.Typing(r.Context(), company, channel.Type(strings.ToLower(mux.Vars(r)["channel"])), req.RecipientID)
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleMarkMessageRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		company, ok := pathID(w, r, "company", "company id")
		if !ok {
			return
		}
		var req receiptRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := validation.ValidateIdentifier("recipient id", req.RecipientID); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if strings.TrimSpace(req.MessageID) == "" {
			httputil.WriteError(w, r, apperrors.NewValidationError("messageId", "", "message id is required"))
			return
		}
		s.deps.Outbound.MarkRead(r.Context(), company, channel.Type(strings.ToLower(mux.Vars(r)["channel"])), req.RecipientID, req.MessageID)
		w.WriteHeader(http.StatusAccepted)
	}
}

// handleDownloadMedia streams an inbound attachment referenced by ?ref=.
func (s *Server) handleDownloadMedia() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		company, ok := pathID(w, r, "company", "company id")
		if !ok {
			return
		}
		ref := r.URL.Query().Get("ref")
		if strings.TrimSpace(ref) == "" {
			httputil.WriteError(w, r, apperrors.NewValidationError("ref", "", "media reference is required"))
			return
		}

		media, err := s.deps.Outbound.Download(r.Context(), company, channel.Type(strings.ToLower(mux.Vars(r)["channel"])), ref)
		if err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}

		contentType := media.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		if media.Filename != "" {
			w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": media.Filename}))
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(media.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(media.Data)
	}
}

func recipientFrom(w http.ResponseWriter, r *http.Request) (models.Recipient, bool) {
	vars := mux.Vars(r)
	rec := models.Recipient{Type: models.RecipientType(vars["type"]), ID: vars["recipient"]}
	if err := validation.ValidateRecipient(rec); err != nil {
		httputil.WriteError(w, r, err)
		return rec, false
	}
	return rec, true
}

func (s *Server) handleListNotifications() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := recipientFrom(w, r)
		if !ok {
			return
		}
		opts := notification.ListOptions{UnreadOnly: r.URL.Query().Get("unread") == "true"}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				httputil.WriteError(w, r, apperrors.NewValidationError("limit", v, "limit must be a non-negative integer"))
				return
			}
			opts.Limit = n
		}
		list := s.deps.Notifications.List(rec, opts)
		if list == nil {
			list = []models.Notification{}
		}
		httputil.WriteJSON(w, http.StatusOK, list)
	}
}

func (s *Server) handleUnreadCount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := recipientFrom(w, r)
		if !ok {
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]int{"unread": s.deps.Notifications.UnreadCount(rec)})
	}
}

func (s *Server) handleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := recipientFrom(w, r)
		if !ok {
			return
		}
		if err := s.deps.Notifications.MarkAsRead(r.Context(), rec, mux.Vars(r)["id"]); err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleMarkAllRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := recipientFrom(w, r)
		if !ok {
			return
		}
		n := s.deps.Notifications.MarkAllAsRead(r.Context(), rec)
		httputil.WriteJSON(w, http.StatusOK, map[string]int{"marked": n})
	}
}

func (s *Server) handleDeleteNotification() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := recipientFrom(w, r)
		if !ok {
			return
		}
		if err := s.deps.Notifications.Delete(r.Context(), rec, mux.Vars(r)["id"]); err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleGetPreferences() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := recipientFrom(w, r)
		if !ok {
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.deps.Notifications.GetPreferences(rec))
	}
}

func (s *Server) handleSetPreferences() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := recipientFrom(w, r)
		if !ok {
			return
		}
		var prefs models.NotificationPreferences
		if !s.decode(w, r, &prefs) {
			return
		}
		prefs.Recipient = rec
		if err := validation.ValidateQuietHours(prefs.QuietHours); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if err := s.deps.Notifications.SetPreferences(r.Context(), prefs); err != nil {
			s.writeServiceError(w, r, apiError(err))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.deps.Notifications.GetPreferences(rec))
	}
}

type breakerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

func (s *Server) handleBreakers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats := s.deps.Outbound.Breakers().Stats()
		out := make([]breakerStatus, 0, len(stats))
		for _, st := range stats {
			out = append(out, breakerStatus{Name: st.Name, State: st.State.String()})
		}
		httputil.WriteJSON(w, http.StatusOK, out)
	}
}
