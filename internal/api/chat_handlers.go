package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/commgate/commgate/internal/database/models"
)

const defaultMessageLimit = 50

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.Chats.List(r.Context(), r.URL.Query().Get("provider"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]envelope, 0, len(chats))
	for _, chat := range chats {
		out = append(out, chatToJSON(&chat))
	}
	writeJSON(w, http.StatusOK, envelope{"chats": out})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")

	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	if _, err := s.store.Chats.GetByID(r.Context(), chatID); err != nil {
		writeDomainError(w, err)
		return
	}

	messages, err := s.store.Messages.ListByChat(r.Context(), chatID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	out := make([]envelope, 0, len(messages))
	for _, msg := range messages {
		out = append(out, messageToJSON(&msg))
	}
	writeJSON(w, http.StatusOK, envelope{"messages": out})
}

// handleMessageMedia resolves a message's media reference to a signed
// download URL through the per-backend URL cache. References that are
// already absolute URLs pass through untouched.
func (s *Server) handleMessageMedia(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	messageID := chi.URLParam(r, "messageID")

	chat, err := s.store.Chats.GetByID(r.Context(), chatID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	msg, err := s.store.Messages.Get(r.Context(), chatID, messageID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if msg.MediaURL == "" {
		writeError(w, http.StatusNotFound, "message has no media")
		return
	}

	if strings.HasPrefix(msg.MediaURL, "http://") || strings.HasPrefix(msg.MediaURL, "https://") {
		writeSuccess(w, http.StatusOK, envelope{"url": msg.MediaURL})
		return
	}

	cache, ok := s.mediaURLs[chat.Provider]
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no media backend for this chat")
		return
	}
	url, err := cache.GetOrFetch(r.Context(), msg.MediaURL)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"url": url})
}

type sendChatRequest struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	Provider string `json:"provider,omitempty"`
}

func (s *Server) handleSendChat(w http.ResponseWriter, r *http.Request) {
	var req sendChatRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "to and message are required")
		return
	}

	sender, ok := s.chatSenderFor(req.To, req.Provider)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no backend available for this chat")
		return
	}

	msg, err := sender.SendText(r.Context(), req.To, req.Message)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, envelope{"message": messageToJSON(msg)})
}

func (s *Server) handleMarkChatRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if _, err := s.store.Chats.GetByID(r.Context(), chatID); err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.store.Chats.SetUnread(r.Context(), chatID, 0); err != nil {
		writeDomainError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

// chatSenderFor picks the reflector for a destination. An explicit
// provider label wins; otherwise the chat-id prefix decides.
func (s *Server) chatSenderFor(to, providerLabel string) (ChatSender, bool) {
	if providerLabel != "" {
		sender, ok := s.chatSenders[providerLabel]
		return sender, ok
	}
	for label, sender := range s.chatSenders {
		if strings.HasPrefix(to, label+"_") {
			return sender, true
		}
	}
	// Raw numbers default to the SMS backend.
	sender, ok := s.chatSenders["sms"]
	return sender, ok
}

func chatToJSON(chat *models.Chat) envelope {
	return envelope{
		"id":          chat.ID,
		"name":        chat.Name,
		"provider":    chat.Provider,
		"unreadCount": chat.UnreadCount,
		"timestamp":   chat.Timestamp,
		"lineId":      chat.LineID,
		"lastMessage": chat.LastMessage,
	}
}

func messageToJSON(msg *models.Message) envelope {
	return envelope{
		"id":        msg.ID,
		"chatId":    msg.ChatID,
		"fromMe":    msg.FromMe,
		"type":      msg.Type,
		"content":   msg.Content,
		"sender":    msg.Sender,
		"timestamp": msg.Timestamp,
		"status":    msg.Status,
		"mediaUrl":  msg.MediaURL,
	}
}
