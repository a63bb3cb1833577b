package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrove/trove/internal/api/recovery"
	"github.com/opentrove/trove/internal/conversation"
	"github.com/opentrove/trove/internal/executor"
	"github.com/opentrove/trove/internal/intent"
	"github.com/opentrove/trove/internal/model"
	"github.com/opentrove/trove/internal/services"
	"github.com/opentrove/trove/internal/store"
	"github.com/opentrove/trove/internal/store/sqlite"
)

type testEnv struct {
	store  store.Store
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "trove.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := sqlite.NewWithDB(db)

	log := zerolog.Nop()
	analyzer := intent.New(nil, log)
	exec := executor.New(st, nil, nil, log)
	machine := conversation.New(st, analyzer, exec, log)

	root := mux.NewRouter()
	root.Use(recovery.Middleware)

	userHandler := NewUserHandler(services.NewUserService(st, 100))
	root.HandleFunc("/api/users", userHandler.CreateUser).Methods("POST")
	root.HandleFunc("/api/users/{userId}", userHandler.GetUser).Methods("GET")

	chatHandler := NewChatHandler(services.NewChatService(st, machine))
	root.HandleFunc("/api/users/{userId}/conversations", chatHandler.OpenConversation).Methods("POST")
	root.HandleFunc("/api/conversations/{conversationId}/messages", chatHandler.PostMessage).Methods("POST")
	root.HandleFunc("/api/conversations/{conversationId}/messages", chatHandler.ListMessages).Methods("GET")

	listingHandler := NewListingHandler(services.NewListingService(st))
	root.HandleFunc("/api/listings", listingHandler.ListListings).Methods("GET")
	root.HandleFunc("/api/listings/{listingId}", listingHandler.GetListing).Methods("GET")
	root.HandleFunc("/api/users/{userId}/listings", listingHandler.ListUserListings).Methods("GET")

	notifHandler := NewNotificationHandler(services.NewNotificationService(st))
	root.HandleFunc("/api/users/{userId}/notifications", notifHandler.ListNotifications).Methods("GET")
	root.HandleFunc("/api/users/{userId}/notifications/read", notifHandler.MarkAllRead).Methods("POST")

	server := httptest.NewServer(root)
	t.Cleanup(server.Close)
	return &testEnv{store: st, server: server}
}

func (e *testEnv) postJSON(t *testing.T, path string, payload interface{}) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestCreateAndGetUser(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.postJSON(t, "/api/users", map[string]string{"username": "Ana", "displayName": "Ana B."})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created model.User
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "ana", created.Username)
	assert.Equal(t, 100, created.Balance)
	assert.NotEmpty(t, created.UserID)

	resp, body = env.get(t, "/api/users/"+created.UserID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.User
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, created.UserID, got.UserID)
}

func TestCreateUserDuplicate(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.postJSON(t, "/api/users", map[string]string{"username": "ana"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := env.postJSON(t, "/api/users", map[string]string{"username": "ANA"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
}

func TestCreateUserValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.postJSON(t, "/api/users", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetUserNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.get(t, "/api/users/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatFlowThroughAPI(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	seller, err := env.store.Users().Create(ctx, &model.User{Username: "bob", DisplayName: "Bob", Balance: 10})
	require.NoError(t, err)
	_, err = env.store.Listings().Create(ctx, &model.Listing{
		Title:                "Golden Sword",
		Price:                50,
		CreatorUsername:      seller.Username,
		CurrentOwnerUsername: seller.Username,
	})
	require.NoError(t, err)

	_, body := env.postJSON(t, "/api/users", map[string]string{"username": "ana"})
	var buyer model.User
	require.NoError(t, json.Unmarshal(body, &buyer))

	// Open conversation (idempotent)
	resp, body := env.postJSON(t, "/api/users/"+buyer.UserID+"/conversations", map[string]string{})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(body, &conv))

	resp, body = env.postJSON(t, "/api/users/"+buyer.UserID+"/conversations", map[string]string{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var again model.Conversation
	require.NoError(t, json.Unmarshal(body, &again))
	assert.Equal(t, conv.ConversationID, again.ConversationID)

	// Propose a purchase
	resp, body = env.postJSON(t, "/api/conversations/"+conv.ConversationID+"/messages",
		map[string]interface{}{"message": "buy golden sword for 50 tokens"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var reply conversation.Reply
	require.NoError(t, json.Unmarshal(body, &reply))
	require.NotNil(t, reply.PendingAction)
	assert.Equal(t, model.ActionBuyListing, reply.PendingAction.Type)

	// Confirm via the structured field
	yes := true
	resp, body = env.postJSON(t, "/api/conversations/"+conv.ConversationID+"/messages",
		map[string]interface{}{"message": "yes", "confirmationResponse": &yes})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	reply = conversation.Reply{}
	require.NoError(t, json.Unmarshal(body, &reply))
	assert.Nil(t, reply.PendingAction)
	assert.Contains(t, reply.AssistantMessage.Content, "bought")

	got, err := env.store.Users().Get(ctx, buyer.UserID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Balance)

	// Transcript holds all four turns
	resp, body = env.get(t, "/api/conversations/"+conv.ConversationID+"/messages?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 4, out.Count)
}

func TestPostMessageValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.postJSON(t, "/api/conversations/some-id/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.postJSON(t, "/api/conversations/missing/messages", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListingEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	owner, err := env.store.Users().Create(ctx, &model.User{Username: "bob", DisplayName: "Bob", Balance: 10})
	require.NoError(t, err)
	listing, err := env.store.Listings().Create(ctx, &model.Listing{
		Title:                "Vintage Camera",
		Price:                30,
		CreatorUsername:      owner.Username,
		CurrentOwnerUsername: owner.Username,
	})
	require.NoError(t, err)

	resp, body := env.get(t, "/api/listings")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Listings []*model.Listing `json:"listings"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "Vintage Camera", list.Listings[0].Title)

	resp, body = env.get(t, "/api/listings/"+listing.ListingID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.Listing
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, listing.ListingID, got.ListingID)

	resp, _ = env.get(t, "/api/listings/does-not-exist")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.get(t, "/api/users/"+owner.UserID+"/listings")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 1, list.Count)
}

func TestNotificationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	user, err := env.store.Users().Create(ctx, &model.User{Username: "ana", DisplayName: "Ana", Balance: 100})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := env.store.Notifications().Create(ctx, &model.Notification{
			UserID:  user.UserID,
			Kind:    model.NotificationBalanceUpdate,
			Payload: map[string]interface{}{"seq": fmt.Sprint(i)},
		})
		require.NoError(t, err)
	}

	resp, body := env.get(t, "/api/users/"+user.UserID+"/notifications?unreadOnly=true")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 3, list.Count)

	resp, body = env.postJSON(t, "/api/users/"+user.UserID+"/notifications/read", map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var marked struct {
		Updated int64 `json:"updated"`
	}
	require.NoError(t, json.Unmarshal(body, &marked))
	assert.Equal(t, int64(3), marked.Updated)

	resp, body = env.get(t, "/api/users/"+user.UserID+"/notifications?unreadOnly=true")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 0, list.Count)
}
