package main

import (
	"errors"
	"io"
	"net/http"
	"strings"

	apperrors "omnidesk/internal/errors"
	"omnidesk/internal/httputil"
	"omnidesk/internal/service"
	"omnidesk/internal/validation"
	"omnidesk/pkg/channel"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type webhookResponse struct {
	Status     string `json:"status"`
	Accepted   int    `json:"accepted"`
	Duplicates int    `json:"duplicates"`
}

// handleWebhook serves GET handshakes and POST deliveries for
// /webhooks/{channel}/{company}.
func (s *Server) handleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		ch := channel.Type(strings.ToLower(vars["channel"]))
		company := vars["company"]

		if err := validation.ValidateIdentifier("company id", company); err != nil {
			httputil.WriteError(w, r, err)
			return
		}
		if err := validation.ValidateHTTPRequestSize(r, s.cfg.MaxBodyBytes); err != nil {
			httputil.WriteError(w, r, err)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httputil.WriteError(w, r, apperrors.New(apperrors.ErrCodeInvalidInput, "request body too large").
					WithStatus(http.StatusRequestEntityTooLarge).
					WithUserMessage("Request body too large"))
				return
			}
			httputil.WriteError(w, r, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "failed to read request body"))
			return
		}

		result, err := s.deps.Inbound.HandleWebhook(r.Context(), company, ch, r.Method, r.URL.Query(), r.Header, body)
		if err != nil {
			s.writeServiceError(w, r, s.webhookError(err, company, ch))
			return
		}

		if v := result.Verification; v != nil {
			if v.ContentType != "" {
				w.Header().Set("Content-Type", v.ContentType)
			}
			w.WriteHeader(v.StatusCode)
			_, _ = w.Write([]byte(v.Body))
			return
		}

		httputil.WriteJSON(w, http.StatusOK, webhookResponse{
			Status:     "ok",
			Accepted:   len(result.Messages),
			Duplicates: result.Duplicates,
		})
	}
}

func (s *Server) webhookError(err error, company string, ch channel.Type) error {
	switch {
	case errors.Is(err, service.ErrInvalidSignature):
		return apperrors.NewAuthError("invalid webhook signature")
	case errors.Is(err, service.ErrNotHandshake):
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, err.Error()).WithUserMessage("Invalid verification request")
	case errors.Is(err, service.ErrChannelNotConfigured):
		s.logger.WithFields(logrus.Fields{
			service.LogFieldCompany: company,
			service.LogFieldChannel: string(ch),
		}).Warn("Webhook for unconfigured channel")
		return apperrors.NewNotFoundError("channel", string(ch))
	}
	return apperrors.FromChannelError(err)
}
