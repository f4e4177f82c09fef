package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/studyhub/groupchat/internal/compose"
	"github.com/studyhub/groupchat/internal/middleware"
	"github.com/studyhub/groupchat/internal/model"
	"github.com/studyhub/groupchat/internal/service"
	"github.com/studyhub/groupchat/internal/session"
	"github.com/studyhub/groupchat/pkg/logger"
)

// SessionHandler exposes the caller's chat session over HTTP.
type SessionHandler struct {
	sessions *service.SessionService
	logger   *logger.Logger
	stream   StreamOptions
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *service.SessionService, stream StreamOptions, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   log,
		stream:   stream.withDefaults(),
	}
}

// Routes mounts the session endpoints.
func (h *SessionHandler) Routes(r chi.Router) {
	r.Put("/conversation", h.OpenConversation)
	r.Delete("/", h.Close)
	r.Get("/messages", h.Messages)
	r.Put("/draft", h.UpdateDraft)
	r.Post("/mentions/select", h.SelectMention)
	r.Delete("/mentions", h.DismissMention)
	r.Put("/reply", h.SetReply)
	r.Delete("/reply", h.CancelReply)
	r.Post("/send", h.Send)
	r.Post("/retry", h.Retry)
	r.Post("/failed/restore", h.RestoreFailed)
	r.Delete("/failed", h.DiscardFailed)
	r.Get("/events", h.Events)
}

// OpenConversationRequest selects the conversation to show.
type OpenConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

// DraftRequest is the composer text and cursor. Cursor counts Unicode code
// points from the start of Value, not UTF-16 units or bytes; clients whose
// editors report UTF-16 offsets must convert before sending.
type DraftRequest struct {
	Value  string `json:"value"`
	Cursor int    `json:"cursor"`
}

// SelectMentionRequest picks a mention candidate.
type SelectMentionRequest struct {
	UserID string `json:"user_id"`
}

// ReplyRequest starts replying to a message.
type ReplyRequest struct {
	MessageID string `json:"message_id"`
}

// SendFailedResponse is returned when the backend rejects a send.
type SendFailedResponse struct {
	Error string           `json:"error"`
	Draft string           `json:"draft"`
	Reply *model.ReplyInfo `json:"reply,omitempty"`
}

func caller(ctx context.Context) (model.Profile, bool) {
	id, ok := middleware.GetIdentity(ctx)
	if !ok || id.UserID == "" {
		return model.Profile{}, false
	}
	return model.Profile{ID: id.UserID, FullName: id.Name, AvatarURL: id.Avatar}, true
}

// current returns the caller's session, creating it when create is set.
func (h *SessionHandler) current(w http.ResponseWriter, r *http.Request, create bool) (*session.Session, bool) {
	user, ok := caller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return nil, false
	}
	if create {
		return h.sessions.Acquire(user), true
	}
	sess, ok := h.sessions.Lookup(user.ID)
	if !ok {
		writeError(w, http.StatusConflict, session.ErrNoConversation.Error())
		return nil, false
	}
	return sess, true
}

// OpenConversation handles PUT /api/v1/session/conversation
func (h *SessionHandler) OpenConversation(w http.ResponseWriter, r *http.Request) {
	var req OpenConversationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateID(req.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, ok := h.current(w, r, true)
	if !ok {
		return
	}
	if err := sess.Open(r.Context(), req.ConversationID); err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	h.writeSnapshot(w, r, sess)
}

// Close handles DELETE /api/v1/session
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	h.sessions.Close(middleware.GetUserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// Messages handles GET /api/v1/session/messages
func (h *SessionHandler) Messages(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r, false)
	if !ok {
		return
	}
	h.writeSnapshot(w, r, sess)
}

func (h *SessionHandler) writeSnapshot(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	v, err := sess.Snapshot()
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// UpdateDraft handles PUT /api/v1/session/draft
func (h *SessionHandler) UpdateDraft(w http.ResponseWriter, r *http.Request) {
	var req DraftRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := middleware.ValidateDraft(req.Value, req.Cursor); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, ok := h.current(w, r, false)
	if !ok {
		return
	}
	st, err := sess.Input(req.Value, req.Cursor)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SelectMention handles POST /api/v1/session/mentions/select
func (h *SessionHandler) SelectMention(w http.ResponseWriter, r *http.Request) {
	var req SelectMentionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, ok := h.current(w, r, false)
	if !ok {
		return
	}
	sel, err := sess.SelectMention(req.UserID)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

// DismissMention handles DELETE /api/v1/session/mentions
func (h *SessionHandler) DismissMention(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r, false)
	if !ok {
		return
	}
	if err := sess.DismissMention(); err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetReply handles PUT /api/v1/session/reply
func (h *SessionHandler) SetReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, ok := h.current(w, r, false)
	if !ok {
		return
	}
	info, err := sess.SetReply(req.MessageID)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// CancelReply handles DELETE /api/v1/session/reply
func (h *SessionHandler) CancelReply(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r, false)
	if !ok {
		return
	}
	if err := sess.CancelReply(); err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Send handles POST /api/v1/session/send
func (h *SessionHandler) Send(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r, false)
	if !ok {
		return
	}
	res, err := sess.Send(r.Context())
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Retry handles POST /api/v1/session/retry
func (h *SessionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r, false)
	if !ok {
		return
	}
	res, err := sess.Retry(r.Context())
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// RestoreFailed handles POST /api/v1/session/failed/restore
func (h *SessionHandler) RestoreFailed(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r, false)
	if !ok {
		return
	}
	restored, err := sess.RestoreFailed()
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	if !restored {
		writeError(w, http.StatusNotFound, compose.ErrNoFailedSend.Error())
		return
	}
	h.writeSnapshot(w, r, sess)
}

// DiscardFailed handles DELETE /api/v1/session/failed
func (h *SessionHandler) DiscardFailed(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r, false)
	if !ok {
		return
	}
	if err := sess.DiscardFailed(); err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandler) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	var sendErr *compose.SendError
	switch {
	case errors.As(err, &sendErr):
		writeJSON(w, http.StatusBadGateway, SendFailedResponse{
			Error: sendErr.Error(),
			Draft: sendErr.Draft,
			Reply: sendErr.Reply,
		})
	case errors.Is(err, compose.ErrEmptyDraft):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrUnknownMember), errors.Is(err, session.ErrUnknownMessage),
		errors.Is(err, compose.ErrNoFailedSend):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, compose.ErrSendInFlight), errors.Is(err, session.ErrNoConversation),
		errors.Is(err, session.ErrSuperseded), errors.Is(err, compose.ErrNoSession),
		errors.Is(err, session.ErrNoMention):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		h.logger.Error("session request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
