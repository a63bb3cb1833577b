package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/opentrove/trove/internal/api/respond"
	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/services"
)

type ChatHandler struct {
	svc *services.ChatService
}

func NewChatHandler(svc *services.ChatService) *ChatHandler { return &ChatHandler{svc: svc} }

// OpenConversation handles POST /api/users/{userId}/conversations. It is
// idempotent: the user's latest conversation is returned when one exists.
func (h *ChatHandler) OpenConversation(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if userID == "" {
		respond.WriteBadRequest(w, "userId required")
		return
	}
	conv, err := h.svc.OpenConversation(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusCreated, conv)
}

// PostMessage handles POST /api/conversations/{conversationId}/messages.
// confirmationResponse, when present, resolves the pending action directly.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationId"]
	if conversationID == "" {
		respond.WriteBadRequest(w, "conversationId required")
		return
	}
	var in struct {
		Message              string `json:"message"`
		ConfirmationResponse *bool  `json:"confirmationResponse,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respond.WriteBadRequest(w, "invalid json")
		return
	}
	if strings.TrimSpace(in.Message) == "" && in.ConfirmationResponse == nil {
		respond.WriteBadRequest(w, "message required")
		return
	}
	reply, err := h.svc.HandleMessage(r.Context(), conversationID, in.Message, in.ConfirmationResponse)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, reply)
}

func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := mux.Vars(r)["conversationId"]
	if conversationID == "" {
		respond.WriteBadRequest(w, "conversationId required")
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 200)
	msgs, err := h.svc.ListMessages(r.Context(), model.ListMessagesRequest{
		ConversationID: conversationID,
		Limit:          limit,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	respond.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}
