// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/patelvivekdev/ai-sdk-v5/internal/export"
	"github.com/patelvivekdev/ai-sdk-v5/internal/logging"
	"github.com/patelvivekdev/ai-sdk-v5/internal/model"
	"github.com/patelvivekdev/ai-sdk-v5/internal/reconcile"
	"github.com/patelvivekdev/ai-sdk-v5/internal/session"
	"github.com/patelvivekdev/ai-sdk-v5/internal/storage"
	"github.com/patelvivekdev/ai-sdk-v5/internal/stream"
)

// keepAliveInterval spaces comment lines on idle event streams.
const keepAliveInterval = 15 * time.Second

// ============================================================================
// SESSION API TYPES
// ============================================================================

// AttachmentRequest is one inline file of a send.
type AttachmentRequest struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType,omitempty"`
	Data      []byte `json:"data"` // base64 in JSON
}

// SendRequest is the body of POST /api/sessions/{id}/messages.
type SendRequest struct {
	Text           string               `json:"text"`
	Attachments    []AttachmentRequest  `json:"attachments,omitempty"`
	Search         bool                 `json:"search"`
	Reasoning      bool                 `json:"reasoning"`
	ReasoningLevel model.ReasoningLevel `json:"reasoningLevel,omitempty"`
}

// SnapshotResponse is the in-memory state of one session.
type SnapshotResponse struct {
	SessionID     string          `json:"sessionId"`
	Status        stream.Status   `json:"status"`
	Messages      []model.Message `json:"messages"`
	Error         string          `json:"error,omitempty"`
	CanRegenerate bool            `json:"canRegenerate"`
}

func snapshotResponse(snap stream.Snapshot) SnapshotResponse {
	resp := SnapshotResponse{
		SessionID:     snap.SessionID,
		Status:        snap.Status,
		Messages:      snap.Messages,
		CanRegenerate: !snap.Status.InFlight() && len(snap.Messages) > 0,
	}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	return resp
}

// ChangeResponse is a persisted change delivered on the events stream.
type ChangeResponse struct {
	Kind      string             `json:"kind"`
	SessionID string             `json:"sessionId,omitempty"`
	Session   *model.ChatSession `json:"session,omitempty"`
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) sessionRoutes(r chi.Router) {
	r.Get("/", s.handleListSessions)
	r.Post("/", s.handleNewSession)
	r.Delete("/", s.handleRemoveAll)

	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", s.handleGetSession)
		r.Delete("/", s.handleDeleteSession)
		r.Post("/messages", s.handleSend)
		r.Delete("/messages/{messageID}", s.handleDeleteMessage)
		r.Post("/stop", s.handleStop)
		r.Post("/regenerate", s.handleRegenerate)
		r.Get("/events", s.handleEvents)
		r.Get("/export", s.handleExport)
	})
}

// ============================================================================
// HANDLERS
// ============================================================================

// handleListSessions handles GET /api/sessions?q=.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	var (
		metas []storage.SessionMeta
		err   error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		metas, err = s.sessions.Search(r.Context(), q)
	} else {
		metas, err = s.sessions.List(r.Context())
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if metas == nil {
		metas = []storage.SessionMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": metas})
}

// handleNewSession handles POST /api/sessions. Nothing is persisted until
// the first reply finishes.
func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"id": s.sessions.NewSession()})
}

// handleRemoveAll handles DELETE /api/sessions.
func (s *Server) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.RemoveAll(r.Context()); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGetSession handles GET /api/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Snapshot(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

// handleDeleteSession handles DELETE /api/sessions/{id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSend handles POST /api/sessions/{id}/messages. The reply streams in
// the background; clients follow it on /events.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	in := session.SendInput{
		Text:      req.Text,
		Search:    req.Search,
		Reasoning: req.Reasoning,
		Level:     req.ReasoningLevel,
	}
	for _, a := range req.Attachments {
		in.Attachments = append(in.Attachments, session.Attachment{
			Filename:  a.Filename,
			MediaType: a.MediaType,
			Data:      a.Data,
		})
	}

	msg, err := s.sessions.Send(s.baseCtx, chi.URLParam(r, "sessionID"), in)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

// handleStop handles POST /api/sessions/{id}/stop.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Stop(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRegenerate handles POST /api/sessions/{id}/regenerate.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Regenerate(s.baseCtx, chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleDeleteMessage handles DELETE /api/sessions/{id}/messages/{mid}.
// redirect tells the client the whole session is gone.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	redirect, err := s.sessions.DeleteMessage(r.Context(),
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "messageID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"redirect": redirect})
}

// handleEvents handles GET /api/sessions/{id}/events. It streams
// "snapshot" events for in-memory state and "change" events for persisted
// writes until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	snaps, unsubscribe, err := s.sessions.Subscribe(r.Context(), id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	defer unsubscribe()

	var changes <-chan storage.Change
	if ch, cancel, ok := s.sessions.Watch(id); ok {
		defer cancel()
		changes = ch
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.baseCtx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if err := sse.SendNamed("snapshot", snapshotResponse(snap)); err != nil {
				return
			}
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			resp := ChangeResponse{Kind: c.Kind.String(), SessionID: c.SessionID, Session: c.Session}
			if err := sse.SendNamed("change", resp); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := sse.Comment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// handleExport handles GET /api/sessions/{id}/export?format=.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = export.FormatMarkdown
	}
	exp, err := export.For(format, nil)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	sess, err := s.sessions.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	data, err := exp.Export(sess)
	if err != nil {
		writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", exp.MimeType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "chat_"+sess.ID+exp.FileExtension()))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logging.Debug("HTTP_WRITE_FAIL", "error", err)
	}
}

// ============================================================================
// ERROR MAPPING
// ============================================================================

// sessionStatus maps domain errors to HTTP status codes.
func sessionStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrInvalidID),
		errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, model.ErrVisionUnsupported),
		errors.Is(err, model.ErrAttachmentType),
		errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAttachmentTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrSessionNotFound),
		errors.Is(err, reconcile.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrBusy),
		errors.Is(err, stream.ErrNotStarted),
		errors.Is(err, reconcile.ErrNothingToRegenerate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	status := sessionStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.Error("SESSION_API_FAIL", "error", err)
		msg = "Request processing failed. Please try again."
	}
	writeError(w, status, msg)
}
