package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/chatty-rooms/internal/apperr"
	"github.com/pliu/chatty-rooms/internal/friends"
	"github.com/pliu/chatty-rooms/internal/identity"
	"github.com/pliu/chatty-rooms/internal/messages"
	"github.com/pliu/chatty-rooms/internal/middleware"
	"github.com/pliu/chatty-rooms/internal/models"
	"github.com/pliu/chatty-rooms/internal/rooms"
	"github.com/pliu/chatty-rooms/internal/uploads"
	"github.com/pliu/chatty-rooms/internal/ws"
	"go.uber.org/zap"
)

// Multipart fields other than the file are small; this is their budget on
// top of the blob size limit.
const uploadFormOverhead = 1 << 20

type ChatHandler struct {
	Identity *identity.Service
	Rooms    *rooms.Directory
	Friends  *friends.Graph
	Messages *messages.Service
	Uploads  *uploads.Intake
	Gateway  *ws.Gateway
	Log      *zap.Logger
}

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type FriendRequest struct {
	FriendID string `json:"friendId"`
	Username string `json:"username"`
}

type PostMessageRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
	RoomID  string `json:"roomId"`
	UserID  string `json:"userId"`
}

type DeleteMessageRequest struct {
	Author string `json:"author"`
	UserID string `json:"userId"`
}

func (h *ChatHandler) GetRooms(w http.ResponseWriter, r *http.Request) {
	list, err := h.Rooms.ListRooms(r.Context())
	if err != nil {
		h.Log.Warn("list rooms failed", zap.Error(err))
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ChatHandler) GetMyRooms(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		writeJSON(w, http.StatusOK, []models.Room{})
		return
	}
	list, err := h.Rooms.ListRoomsForUser(r.Context(), user.ID)
	if err != nil {
		h.Log.Warn("list rooms for user failed", zap.String("user_id", user.ID), zap.Error(err))
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ChatHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, r, err)
		return
	}

	var creatorID string
	if user := middleware.UserFromContext(r.Context()); user != nil {
		creatorID = user.ID
	}
	room, err := h.Rooms.CreateRoom(r.Context(), req.Name, creatorID)
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (h *ChatHandler) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.Rooms.GetRoom(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		writeError(w, h.Log, r, apperr.Unauthorized("Login required"))
		return
	}
	room, err := h.Rooms.GetOrCreate1To1(r.Context(), user.ID, mux.Vars(r)["userId"])
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *ChatHandler) ListFriends(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		writeError(w, h.Log, r, apperr.Unauthorized("Login required"))
		return
	}
	list, err := h.Friends.ListMutuals(r.Context(), user.ID)
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(list))
}

// AddFriend sends a request by id or, failing that, by handle.
func (h *ChatHandler) AddFriend(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		writeError(w, h.Log, r, apperr.Unauthorized("Login required"))
		return
	}
	var req FriendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, r, err)
		return
	}

	friendID := strings.TrimSpace(req.FriendID)
	if friendID == "" && strings.TrimSpace(req.Username) != "" {
		friend, err := h.Identity.FindByHandle(r.Context(), req.Username)
		if err != nil {
			writeError(w, h.Log, r, err)
			return
		}
		friendID = friend.ID
	}
	if friendID == "" {
		writeError(w, h.Log, r, apperr.Invalid("friendId or username required"))
		return
	}

	status, err := h.Friends.Request(r.Context(), user.ID, friendID)
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK     bool                `json:"ok"`
		Status models.FriendStatus `json:"status"`
	}{true, status})
}

func (h *ChatHandler) AcceptFriend(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		writeError(w, h.Log, r, apperr.Unauthorized("Login required"))
		return
	}
	var req FriendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	if strings.TrimSpace(req.FriendID) == "" {
		writeError(w, h.Log, r, apperr.Invalid("friendId required"))
		return
	}

	if err := h.Friends.Accept(r.Context(), user.ID, strings.TrimSpace(req.FriendID)); err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

func (h *ChatHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		writeError(w, h.Log, r, apperr.Unauthorized("Login required"))
		return
	}
	list, err := h.Friends.ListPendingReceived(r.Context(), user.ID)
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(list))
}

func (h *ChatHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	type listedUser struct {
		ID        string    `json:"id"`
		Username  string    `json:"username"`
		CreatedAt time.Time `json:"createdAt"`
	}

	users, err := h.Identity.ListUsers(r.Context())
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	out := make([]listedUser, 0, len(users))
	for _, u := range users {
		out = append(out, listedUser{ID: u.ID, Username: u.Username, CreatedAt: u.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetMessages returns recent history. A missing roomId reads every room;
// "default" reads the sentinel room.
func (h *ChatHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	// Unparseable limits fall back to the default like a missing one.
	limit, _ := strconv.Atoi(q.Get("limit"))
	list, err := h.Messages.Recent(r.Context(), q.Get("roomId"), limit)
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, r, err)
		return
	}

	in := messages.AppendInput{
		Author:  req.Author,
		Content: strings.TrimSpace(req.Content),
		RoomID:  req.RoomID,
		UserID:  req.UserID,
	}
	if user := middleware.UserFromContext(r.Context()); user != nil {
		in.UserID = user.ID
	}
	ctx, cancel := persistContext(r)
	defer cancel()
	msg, err := h.Gateway.SendMessage(ctx, in, "rest")
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// DeleteMessage removes a message and tells its room. Authenticated callers
// are judged by their identity; anonymous ones by the claims in the body.
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	var req DeleteMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	claim := messages.Claim{Author: req.Author, UserID: req.UserID}
	if user := middleware.UserFromContext(r.Context()); user != nil {
		claim = messages.Claim{Author: user.Username, UserID: user.ID}
	}

	ctx, cancel := persistContext(r)
	defer cancel()
	id := mux.Vars(r)["id"]
	roomID, err := h.Messages.Delete(ctx, id, claim)
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	h.Gateway.PublishDeleted(id, roomID)
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

// RegisterGuest creates a credential-less identity for anonymous clients.
func (h *ChatHandler) RegisterGuest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	user, err := h.Identity.RegisterGuest(r.Context(), req.Username)
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userSummary{ID: user.ID, Username: user.Username})
}

// Upload stores a multipart "file" and posts it as a message.
func (h *ChatHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.Uploads.MaxBytes()+uploadFormOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, h.Log, r, apperr.Invalid("File too large"))
			return
		}
		writeError(w, h.Log, r, apperr.Invalid("Invalid multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, h.Log, r, apperr.Invalid("No file"))
		return
	}
	defer file.Close()

	att, err := h.Uploads.Save(header.Filename, header.Header.Get("Content-Type"), file)
	if err != nil {
		writeError(w, h.Log, r, err)
		return
	}

	in := messages.AppendInput{
		Author:     r.FormValue("author"),
		Content:    strings.TrimSpace(r.FormValue("content")),
		Attachment: att,
		RoomID:     r.FormValue("roomId"),
		UserID:     r.FormValue("userId"),
	}
	if user := middleware.UserFromContext(r.Context()); user != nil {
		in.UserID = user.ID
	}
	ctx, cancel := persistContext(r)
	defer cancel()
	msg, err := h.Gateway.SendMessage(ctx, in, "upload")
	if err != nil {
		if rerr := h.Uploads.Remove(att.Path); rerr != nil {
			h.Log.Warn("discard orphaned upload", zap.String("path", att.Path), zap.Error(rerr))
		}
		writeError(w, h.Log, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
