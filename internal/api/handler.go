package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"chat-relay/internal/attachments"
	"chat-relay/internal/db"
	"chat-relay/internal/llm"
	"chat-relay/internal/models"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Responder produces an assistant reply for an assembled conversation
// history. Satisfied by *llm.Service.
type Responder interface {
	Reply(ctx context.Context, history []models.Message, images []string) (string, error)
}

type Handler struct {
	db     *db.Database
	llm    Responder
	logger *zap.Logger
	index  *template.Template
}

func NewHandler(database *db.Database, responder Responder, webDir string, logger *zap.Logger) (*Handler, error) {
	index, err := template.ParseFiles(filepath.Join(webDir, "index.html"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse index template: %w", err)
	}

	return &Handler{
		db:     database,
		llm:    responder,
		logger: logger,
		index:  index,
	}, nil
}

// Routes registers all handlers on the router.
func (h *Handler) Routes(r *mux.Router, staticDir string) {
	r.HandleFunc("/", h.Home).Methods(http.MethodGet)
	r.HandleFunc("/conversations", h.GetConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversation", h.CreateConversation).Methods(http.MethodPost)
	r.HandleFunc("/conversation/{id:[0-9]+}", h.GetMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversation/{id:[0-9]+}", h.DeleteConversation).Methods(http.MethodDelete)
	r.HandleFunc("/conversation/{id:[0-9]+}/title", h.UpdateConversationTitle).Methods(http.MethodPut)
	r.HandleFunc("/chat", h.Chat).Methods(http.MethodPost)
	r.PathPrefix("/static/").Handler(
		http.StripPrefix("/static/", http.FileServer(http.Dir(staticDir))))
	r.NotFoundHandler = http.HandlerFunc(h.NotFound)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type indexData struct {
	Conversations []models.Conversation
}

func (h *Handler) renderIndex(w http.ResponseWriter, status int, conversations []models.Conversation) {
	var buf bytes.Buffer
	if err := h.index.Execute(&buf, indexData{Conversations: conversations}); err != nil {
		h.logger.Error("failed to render index", zap.Error(err))
		buf.Reset()
		h.index.Execute(&buf, indexData{Conversations: []models.Conversation{}})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// Home renders the UI with the conversation list. Storage failures degrade to
// an empty list rather than failing the page load.
func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	if err := h.db.CleanupDuplicateMessages(); err != nil {
		h.logger.Warn("duplicate cleanup failed", zap.Error(err))
	}
	h.renderIndex(w, http.StatusOK, h.db.GetConversations())
}

// NotFound renders the UI with an empty conversation list.
func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.renderIndex(w, http.StatusNotFound, []models.Conversation{})
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.db.GetConversations())
}

type createConversationRequest struct {
	Title string `json:"title"`
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if r.Body != nil {
		// A missing or empty body falls back to the default title.
		json.NewDecoder(r.Body).Decode(&req)
	}

	title := req.Title
	if title == "" {
		title = "New Chat " + time.Now().Format("2006-01-02 15:04")
	}

	id, err := h.db.CreateConversation(title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "title": title})
}

func conversationID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.db.GetConversationMessages(conversationID(r)))
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if !h.db.DeleteConversation(conversationID(r)) {
		writeError(w, http.StatusInternalServerError, "Failed to delete conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

func (h *Handler) UpdateConversationTitle(w http.ResponseWriter, r *http.Request) {
	var req updateTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "Title is required")
		return
	}

	if err := h.db.UpdateConversationTitle(conversationID(r), req.Title); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update conversation title")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// Chat accepts a user submission with optional attachments, stores it,
// invokes the model with the assembled history, and stores the reply.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	if err := h.db.CleanupDuplicateMessages(); err != nil {
		h.logger.Warn("duplicate cleanup failed", zap.Error(err))
	}

	if err := r.ParseMultipartForm(attachments.MaxFileSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid form data")
		return
	}

	convID, ok := h.resolveConversation(w, r.FormValue("conversation_id"))
	if !ok {
		return
	}

	processed, ok := h.processAttachments(w, r)
	if !ok {
		return
	}

	fullMessage := r.FormValue("message")
	for _, att := range processed {
		if att.Type == attachments.TypeText {
			fullMessage += fmt.Sprintf("\nFile: %s\n```%s\n%s\n```\n",
				att.Filename, att.Extension, att.Content)
		}
	}

	if err := h.db.AddMessage(convID, models.RoleUser, fullMessage); err != nil {
		if errors.Is(err, db.ErrConversationNotFound) {
			writeError(w, http.StatusBadRequest, "Invalid conversation ID")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to save message")
		return
	}

	history := h.db.GetConversationMessages(convID)

	var images []string
	for _, att := range processed {
		if att.Type == attachments.TypeImage {
			images = append(images, att.Data)
		}
	}

	h.logger.Debug("sending chat request",
		zap.Int64("conversationID", convID),
		zap.Int("history", len(history)),
		zap.Int("images", len(images)))

	response, err := h.llm.Reply(r.Context(), history, images)
	if err != nil {
		h.logger.Error("upstream request failed", zap.Error(err), zap.Int64("conversationID", convID))
		writeError(w, http.StatusInternalServerError, llm.ClassifyError(err))
		return
	}

	if err := h.db.AddMessage(convID, models.RoleAssistant, response); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save response")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"response":        response,
		"conversation_id": convID,
	})
}

// resolveConversation maps the submitted conversation_id to a concrete
// conversation, creating one when the client did not supply an id. Supplied
// ids must refer to an existing non-archived conversation.
func (h *Handler) resolveConversation(w http.ResponseWriter, raw string) (int64, bool) {
	if raw == "" || raw == "null" {
		id, err := h.db.CreateConversation("Chat " + time.Now().Format("2006-01-02 15:04"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to create conversation")
			return 0, false
		}
		return id, true
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid conversation ID")
		return 0, false
	}
	for _, conv := range h.db.GetConversations() {
		if conv.ID == id {
			return id, true
		}
	}
	writeError(w, http.StatusBadRequest, "Invalid conversation ID")
	return 0, false
}

func (h *Handler) processAttachments(w http.ResponseWriter, r *http.Request) ([]*attachments.Attachment, bool) {
	if r.MultipartForm == nil {
		return nil, true
	}

	var processed []*attachments.Attachment
	for _, fh := range r.MultipartForm.File["attachments[]"] {
		f, err := fh.Open()
		if err != nil {
			h.logger.Error("failed to open attachment", zap.Error(err), zap.String("filename", fh.Filename))
			writeError(w, http.StatusInternalServerError, "Failed to read attachment")
			return nil, false
		}

		att, err := attachments.Process(fh.Filename, fh.Size, f)
		f.Close()
		if err != nil {
			var verr *attachments.ValidationError
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, verr.Reason)
				return nil, false
			}
			h.logger.Error("failed to process attachment", zap.Error(err), zap.String("filename", fh.Filename))
			writeError(w, http.StatusInternalServerError, "Failed to process attachment")
			return nil, false
		}
		processed = append(processed, att)
	}
	return processed, true
}
