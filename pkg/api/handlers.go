package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/mahaj/chatcore/pkg/auth"
	"github.com/mahaj/chatcore/pkg/chat"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/notify"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

func (s *Server) writeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), writeTimeout)
}

func userID(r *http.Request) string {
	return auth.FromContext(r.Context()).UserID()
}

func pathID(r *http.Request) (snowflake.ID, error) {
	id, err := snowflake.ParseID(mux.Vars(r)["id"])
	if err != nil {
		return 0, fmt.Errorf("%w: bad chat id", model.ErrInvalidInput)
	}
	return id, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", model.ErrInvalidInput)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type LoginRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"name,omitempty"`
	PhotoURL    string `json:"picture,omitempty"`
}

type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// handleLogin issues a token for any user id. Development only.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" {
		writeError(w, fmt.Errorf("%w: user_id is required", model.ErrInvalidInput))
		return
	}

	id := auth.Identity{UserID: req.UserID, DisplayName: req.DisplayName, PhotoURL: req.PhotoURL}
	token, err := s.issuer.GenerateToken(id)
	if err != nil {
		s.log.Error("generate token", "user", req.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to generate token"})
		return
	}

	ctx, cancel := s.writeContext(r)
	defer cancel()
	if err := s.chat.UpsertProfile(ctx, *id.Profile()); err != nil {
		s.log.Warn("profile upsert failed", "user", req.UserID, "error", err)
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, UserID: req.UserID})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.chat.ListConversations(r.Context(), userID(r))
	if err != nil {
		s.log.Warn("list conversations", "user", userID(r), "error", err)
		writeError(w, err)
		return
	}
	if chats == nil {
		chats = []*model.Conversation{}
	}
	writeJSON(w, http.StatusOK, chats)
}

type CreateChatRequest struct {
	ParticipantID  string   `json:"participantId"`
	ParticipantIDs []string `json:"participantIds"`
	IsGroup        bool     `json:"isGroupChat"`
	GroupName      string   `json:"groupName"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req CreateChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	participants := req.ParticipantIDs
	if req.ParticipantID != "" {
		participants = append([]string{req.ParticipantID}, participants...)
	}

	ctx, cancel := s.writeContext(r)
	defer cancel()
	conv, created, err := s.chat.CreateConversation(ctx, chat.CreateRequest{
		CreatorID:      userID(r),
		ParticipantIDs: participants,
		IsGroup:        req.IsGroup,
		GroupName:      req.GroupName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", model.ErrInvalidInput, key)
	}
	return n, nil
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}

	h, err := s.chat.History(r.Context(), userID(r), id, page, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type SendRequest struct {
	Content string            `json:"content"`
	Type    model.MessageType `json:"type"`
	File    *model.FileRef    `json:"file"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req SendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := s.writeContext(r)
	defer cancel()
	msg, err := s.chat.Send(ctx, chat.SendRequest{
		SenderID:       userID(r),
		ConversationID: id,
		Content:        req.Content,
		Type:           req.Type,
		File:           req.File,
		Entry:          chat.EntryREST,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.writeContext(r)
	defer cancel()
	n, err := s.chat.MarkAllRead(ctx, userID(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Messages marked as read", "marked": n})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := s.writeContext(r)
	defer cancel()
	if err := s.chat.DeleteConversation(ctx, userID(r), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Chat deleted successfully"})
}

func (s *Server) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.presence.ListOnline(r.Context())
	if err != nil {
		s.log.Warn("failed to fetch presence", "error", err)
		writeError(w, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err))
		return
	}
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

type PresenceResponse struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func (s *Server) handleUserPresence(w http.ResponseWriter, r *http.Request) {
	target := mux.Vars(r)["id"]
	online, err := s.presence.IsOnline(r.Context(), target)
	if err != nil {
		s.log.Warn("failed to fetch presence", "user", target, "error", err)
		writeError(w, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err))
		return
	}
	resp := PresenceResponse{UserID: target, Online: online}
	seen, ok, err := s.presence.LastSeen(r.Context(), target)
	if err != nil {
		s.log.Warn("failed to fetch last seen", "user", target, "error", err)
	} else if ok {
		resp.LastSeen = &seen
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	out := []notify.Notification{}
	if s.notifications != nil {
		ctx, cancel := s.writeContext(r)
		defer cancel()
		items, err := s.notifications.Drain(ctx, userID(r))
		if err != nil {
			s.log.Warn("drain notifications", "user", userID(r), "error", err)
			writeError(w, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err))
			return
		}
		out = append(out, items...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out})
}
