package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/chatty-rooms/internal/auth"
	"github.com/pliu/chatty-rooms/internal/friends"
	"github.com/pliu/chatty-rooms/internal/identity"
	"github.com/pliu/chatty-rooms/internal/messages"
	"github.com/pliu/chatty-rooms/internal/metrics"
	"github.com/pliu/chatty-rooms/internal/middleware"
	"github.com/pliu/chatty-rooms/internal/models"
	"github.com/pliu/chatty-rooms/internal/rooms"
	"github.com/pliu/chatty-rooms/internal/store/sqlstore"
	"github.com/pliu/chatty-rooms/internal/uploads"
	"github.com/pliu/chatty-rooms/internal/ws"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type testApp struct {
	st   *sqlstore.SQLStore
	ids  *identity.Service
	auth *AuthHandler
	chat *ChatHandler
	fs   afero.Fs
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	auth.BcryptCost = bcrypt.MinCost
	log := zap.NewNop()

	st, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	m := metrics.NewNop()
	ids := identity.NewService(st, auth.NewTokenIssuer("test-secret", time.Hour), log)
	fs := afero.NewMemMapFs()
	intake := uploads.NewWithFs(fs, 1024, log)
	msgs := messages.NewService(st, intake, log)

	hub := ws.NewHub(m, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	return &testApp{
		st:   st,
		ids:  ids,
		auth: &AuthHandler{Identity: ids, Log: log, SessionTTL: time.Hour},
		chat: &ChatHandler{
			Identity: ids,
			Rooms:    rooms.NewDirectory(st, "General", log),
			Friends:  friends.NewGraph(st, log),
			Messages: msgs,
			Uploads:  intake,
			Gateway:  ws.NewGateway(hub, ids, msgs, m, log),
			Log:      log,
		},
		fs: fs,
	}
}

func (a *testApp) register(t *testing.T, name string) *identity.Session {
	t.Helper()
	session, err := a.ids.Register(context.Background(), name, "password123", "")
	if err != nil {
		t.Fatal(err)
	}
	return session
}

func (a *testApp) optional(h http.HandlerFunc) http.Handler {
	return middleware.OptionalAuthMiddleware(a.ids)(h)
}

func (a *testApp) required(h http.HandlerFunc) http.Handler {
	return middleware.AuthMiddleware(a.ids)(h)
}

func do(t *testing.T, h http.Handler, method, path string, body any, token string, vars map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return v
}

func TestCreateRoom(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")

	rr := do(t, app.optional(app.chat.CreateRoom), "POST", "/api/chat/rooms",
		CreateRoomRequest{Name: "Test Room"}, alice.Token, nil)
	if status := rr.Code; status != http.StatusCreated {
		t.Fatalf("handler returned wrong status code: got %v want %v",
			status, http.StatusCreated)
	}
	room := decode[models.Room](t, rr)
	if room.Name != "Test Room" {
		t.Errorf("Expected room name 'Test Room', got '%s'", room.Name)
	}

	// The creator now sees the room in their list, behind the default room.
	rr = do(t, app.optional(app.chat.GetMyRooms), "GET", "/api/chat/rooms/mine", nil, alice.Token, nil)
	mine := decode[[]models.Room](t, rr)
	if len(mine) != 2 || mine[0].Name != "General" || mine[1].ID != room.ID {
		t.Errorf("unexpected rooms %+v", mine)
	}

	rr = do(t, app.optional(app.chat.CreateRoom), "POST", "/api/chat/rooms",
		CreateRoomRequest{Name: "Test Room"}, "", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected conflict for duplicate name, got %d", rr.Code)
	}
}

func TestGetRooms(t *testing.T) {
	app := newTestApp(t)

	rr := do(t, app.optional(app.chat.GetRooms), "GET", "/api/chat/rooms", nil, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	list := decode[[]models.Room](t, rr)
	if len(list) != 1 || list[0].Name != "General" {
		t.Errorf("expected only the default room, got %+v", list)
	}

	rr = do(t, app.optional(app.chat.GetMyRooms), "GET", "/api/chat/rooms/mine", nil, "", nil)
	if mine := decode[[]models.Room](t, rr); len(mine) != 0 {
		t.Errorf("anonymous callers have no rooms, got %+v", mine)
	}
}

func TestGetRoom(t *testing.T) {
	app := newTestApp(t)

	rr := do(t, app.optional(app.chat.CreateRoom), "POST", "/api/chat/rooms",
		CreateRoomRequest{Name: "lobby"}, "", nil)
	created := decode[models.Room](t, rr)

	rr = do(t, app.optional(app.chat.GetRoom), "GET", "/api/chat/rooms/"+created.ID, nil, "",
		map[string]string{"id": created.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if room := decode[models.Room](t, rr); room.Name != "lobby" {
		t.Errorf("expected lobby, got %+v", room)
	}

	rr = do(t, app.optional(app.chat.GetRoom), "GET", "/api/chat/rooms/missing", nil, "",
		map[string]string{"id": "missing"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for an unknown room, got %d", rr.Code)
	}
}

func TestGetConversation(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")
	bob := app.register(t, "bob")

	rr := do(t, app.optional(app.chat.GetConversation), "GET", "/api/chat/conversation/"+bob.User.ID,
		nil, "", map[string]string{"userId": bob.User.ID})
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 when anonymous, got %d", rr.Code)
	}

	rr = do(t, app.optional(app.chat.GetConversation), "GET", "/api/chat/conversation/"+bob.User.ID,
		nil, alice.Token, map[string]string{"userId": bob.User.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	first := decode[models.Room](t, rr)

	rr = do(t, app.optional(app.chat.GetConversation), "GET", "/api/chat/conversation/"+alice.User.ID,
		nil, bob.Token, map[string]string{"userId": alice.User.ID})
	second := decode[models.Room](t, rr)
	if first.ID != second.ID {
		t.Errorf("expected the same direct room, got %s and %s", first.ID, second.ID)
	}

	rr = do(t, app.optional(app.chat.GetConversation), "GET", "/api/chat/conversation/missing",
		nil, alice.Token, map[string]string{"userId": "missing"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown user, got %d", rr.Code)
	}
}

func TestFriendsFlow(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")
	bob := app.register(t, "bob")

	rr := do(t, app.required(app.chat.AddFriend), "POST", "/api/chat/friends",
		FriendRequest{Username: "BOB"}, alice.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, app.required(app.chat.AddFriend), "POST", "/api/chat/friends",
		FriendRequest{}, alice.Token, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without a target, got %d", rr.Code)
	}

	rr = do(t, app.required(app.chat.ListPending), "GET", "/api/chat/friends/pending", nil, bob.Token, nil)
	pending := decode[[]userSummary](t, rr)
	if len(pending) != 1 || pending[0].ID != alice.User.ID {
		t.Fatalf("unexpected pending %+v", pending)
	}

	rr = do(t, app.required(app.chat.AcceptFriend), "POST", "/api/chat/friends/accept",
		FriendRequest{FriendID: alice.User.ID}, bob.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, app.required(app.chat.ListFriends), "GET", "/api/chat/friends", nil, alice.Token, nil)
	list := decode[[]userSummary](t, rr)
	if len(list) != 1 || list[0].Username != "bob" {
		t.Errorf("unexpected friends %+v", list)
	}

	rr = do(t, app.required(app.chat.ListFriends), "GET", "/api/chat/friends", nil, "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rr.Code)
	}
}

func TestListUsersAndGuests(t *testing.T) {
	app := newTestApp(t)
	app.register(t, "alice")

	rr := do(t, app.optional(app.chat.RegisterGuest), "POST", "/api/chat/register",
		map[string]string{"username": "Visitor"}, "", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	if guest := decode[userSummary](t, rr); guest.Username != "visitor" {
		t.Errorf("unexpected guest %+v", guest)
	}

	rr = do(t, app.optional(app.chat.ListUsers), "GET", "/api/chat/user-list", nil, "", nil)
	users := decode[[]map[string]any](t, rr)
	if len(users) != 2 || users[0]["username"] != "alice" || users[1]["username"] != "visitor" {
		t.Errorf("unexpected users %v", users)
	}
}

func TestPostAndDeleteMessage(t *testing.T) {
	app := newTestApp(t)

	rr := do(t, app.optional(app.chat.PostMessage), "POST", "/api/chat/messages",
		PostMessageRequest{Author: "Guest", Content: "hello"}, "", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	msg := decode[models.Message](t, rr)

	rr = do(t, app.optional(app.chat.PostMessage), "POST", "/api/chat/messages",
		PostMessageRequest{Content: "  "}, "", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("expected conflict for empty content, got %d", rr.Code)
	}

	rr = do(t, app.optional(app.chat.GetMessages), "GET", "/api/chat/messages?roomId=default&limit=abc", nil, "", nil)
	if list := decode[[]models.Message](t, rr); len(list) != 1 {
		t.Fatalf("expected one message, got %d", len(list))
	}

	vars := map[string]string{"id": msg.ID}
	rr = do(t, app.optional(app.chat.DeleteMessage), "DELETE", "/api/chat/messages/"+msg.ID,
		DeleteMessageRequest{Author: "someone"}, "", vars)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for another author, got %d", rr.Code)
	}

	rr = do(t, app.optional(app.chat.DeleteMessage), "DELETE", "/api/chat/messages/"+msg.ID,
		DeleteMessageRequest{Author: "guest"}, "", vars)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, app.optional(app.chat.GetMessages), "GET", "/api/chat/messages", nil, "", nil)
	if list := decode[[]models.Message](t, rr); len(list) != 0 {
		t.Errorf("expected no messages after delete, got %d", len(list))
	}
}

func TestPostMessageSurvivesClientDisconnect(t *testing.T) {
	app := newTestApp(t)

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(PostMessageRequest{Author: "Guest", Content: "still here"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/chat/messages", &buf).WithContext(ctx)
	rr := httptest.NewRecorder()
	app.chat.PostMessage(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	list, err := app.chat.Messages.Recent(context.Background(), "default", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Content != "still here" {
		t.Errorf("expected the message to be stored, got %+v", list)
	}
}

func TestHealth(t *testing.T) {
	app := newTestApp(t)
	health := Health(app.st, zap.NewNop())

	rr := do(t, health, "GET", "/healthz", nil, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}

	app.st.Close()
	rr = do(t, health, "GET", "/healthz", nil, "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with the database closed, got %d", rr.Code)
	}
	if body := decode[errorBody](t, rr); body.Message != "Database unavailable" {
		t.Errorf("unexpected body %+v", body)
	}
}

func TestDeleteOwnedMessage(t *testing.T) {
	app := newTestApp(t)
	alice := app.register(t, "alice")
	bob := app.register(t, "bob")

	rr := do(t, app.optional(app.chat.PostMessage), "POST", "/api/chat/messages",
		PostMessageRequest{Author: "ignored", Content: "mine", RoomID: "r1"}, alice.Token, nil)
	msg := decode[models.Message](t, rr)
	if msg.Author != "alice" || msg.UserID == nil || *msg.UserID != alice.User.ID {
		t.Fatalf("expected alice to own the message, got %+v", msg)
	}

	vars := map[string]string{"id": msg.ID}
	// Bob's identity wins over any claim in the body.
	rr = do(t, app.optional(app.chat.DeleteMessage), "DELETE", "/api/chat/messages/"+msg.ID,
		DeleteMessageRequest{UserID: alice.User.ID}, bob.Token, vars)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for bob, got %d", rr.Code)
	}

	rr = do(t, app.optional(app.chat.DeleteMessage), "DELETE", "/api/chat/messages/"+msg.ID, nil, alice.Token, vars)
	if rr.Code != http.StatusOK {
		t.Errorf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}

	rr = do(t, app.optional(app.chat.DeleteMessage), "DELETE", "/api/chat/messages/"+msg.ID, nil, alice.Token, vars)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for a deleted message, got %d", rr.Code)
	}
}

func multipartUpload(t *testing.T, fields map[string]string, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(data)
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/api/chat/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpload(t *testing.T) {
	app := newTestApp(t)
	h := app.optional(app.chat.Upload)

	req := multipartUpload(t, map[string]string{"author": "Guest", "content": " look "}, "cat.png", "image/png", []byte("png"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", rr.Code, rr.Body.String())
	}
	msg := decode[models.Message](t, rr)
	if msg.Content != "look" || msg.Attachment == nil {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !strings.HasPrefix(msg.Attachment.Path, uploads.Dir+"/") || msg.Attachment.Name != "cat.png" {
		t.Errorf("unexpected attachment %+v", msg.Attachment)
	}
	if ok, _ := afero.Exists(app.fs, msg.Attachment.Path); !ok {
		t.Error("expected the blob to be stored")
	}

	// Deleting the message removes the blob.
	rr = do(t, app.optional(app.chat.DeleteMessage), "DELETE", "/api/chat/messages/"+msg.ID,
		DeleteMessageRequest{Author: "Guest"}, "", map[string]string{"id": msg.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rr.Code)
	}
	if ok, _ := afero.Exists(app.fs, msg.Attachment.Path); ok {
		t.Error("expected the blob to be removed")
	}

	tests := []struct {
		name        string
		filename    string
		contentType string
		data        []byte
	}{
		{"Disallowed Type", "a.zip", "application/zip", []byte("zip")},
		{"Too Large", "big.png", "image/png", make([]byte, 2048)},
		{"No File", "", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, multipartUpload(t, nil, tt.filename, tt.contentType, tt.data))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}
}
