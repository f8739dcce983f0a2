package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"e2ee-chat/internal/authz"
	"e2ee-chat/internal/domain"
	"e2ee-chat/internal/jwtsigner"
	"e2ee-chat/internal/observability/metrics"
	"e2ee-chat/internal/registry"
	"e2ee-chat/internal/service"
	"e2ee-chat/internal/store"
	transport "e2ee-chat/internal/transport/http"
	"e2ee-chat/pkg/chatclient"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testSecret   = "transport-test-secret"
	testIssuer   = "credential-service"
	testAudience = "chat-client"
)

func TestMain(m *testing.M) {
	metrics.MustRegister("transport-test")
	os.Exit(m.Run())
}

type env struct {
	srv    *httptest.Server
	store  *store.Store
	signer *jwtsigner.Signer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg := registry.New()
	router := service.NewRouter(reg)
	handler := transport.NewRouter(transport.Options{
		Store:         st,
		Authenticator: authz.NewHMACAuthenticator(testSecret, testIssuer, testAudience),
		Fanout:        service.NewFanout(st, reg, router),
		Router:        router,
		Presence:      service.NewPresence(reg),
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &env{
		srv:    srv,
		store:  st,
		signer: jwtsigner.NewHS256(testSecret, testIssuer, testAudience),
	}
}

func (e *env) seedUser(t *testing.T, username string) *domain.User {
	t.Helper()
	user := &domain.User{
		ID:        uuid.New(),
		Username:  username,
		Email:     username + "@example.com",
		PublicKey: "pk-" + username,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.DB.Create(user).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func (e *env) token(t *testing.T, user *domain.User, username string, ttl time.Duration) string {
	t.Helper()
	token, err := e.signer.Session(user.ID, username, ttl)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// eventStream drains a client connection from a single goroutine so tests
// can wait for a specific event type without racing reads.
type eventStream struct {
	ch <-chan chatclient.Event
}

func (e *env) connect(t *testing.T, user *domain.User, username string) (*chatclient.Client, *eventStream) {
	t.Helper()
	client, err := chatclient.Dial(e.srv.URL, e.token(t, user, username, time.Hour))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ch := make(chan chatclient.Event, 64)
	go func() {
		defer close(ch)
		for {
			evt, err := client.Next()
			if err != nil {
				return
			}
			ch <- evt
		}
	}()
	return client, &eventStream{ch: ch}
}

// next blocks for an event of the given type, discarding others.
func (s *eventStream) next(t *testing.T, eventType string) chatclient.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt, ok := <-s.ch:
			if !ok {
				t.Fatalf("connection closed while waiting for %q", eventType)
			}
			if evt.Type == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", eventType)
		}
	}
}

// none asserts no event of the given type arrives within the window.
func (s *eventStream) none(t *testing.T, eventType string, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case evt, ok := <-s.ch:
			if !ok {
				return
			}
			if evt.Type == eventType {
				t.Fatalf("unexpected %q event: %s", eventType, evt.Payload)
			}
		case <-deadline:
			return
		}
	}
}

func TestMessageDeliveryToEveryDevice(t *testing.T) {
	e := newEnv(t)
	alice := e.seedUser(t, "alice-"+uuid.NewString())
	bob := e.seedUser(t, "bob-"+uuid.NewString())

	// Alice's token carries no username claim; the server resolves it
	// from the user record.
	aliceClient, aliceEvents := e.connect(t, alice, "")
	_, bobLaptop := e.connect(t, bob, bob.Username)
	_, bobPhone := e.connect(t, bob, bob.Username)

	if err := aliceClient.SendMessage(bob.ID.String(), "Zm9v"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	echo, err := aliceEvents.next(t, chatclient.EventMessage).DecodeMessage()
	if err != nil {
		t.Fatalf("decode echo: %v", err)
	}
	if echo.Ciphertext != "Zm9v" {
		t.Fatalf("expected ciphertext echoed verbatim, got %q", echo.Ciphertext)
	}
	if echo.SenderUsername != alice.Username {
		t.Fatalf("expected sender username from the user record, got %q", echo.SenderUsername)
	}

	for _, stream := range []*eventStream{bobLaptop, bobPhone} {
		msg, err := stream.next(t, chatclient.EventMessage).DecodeMessage()
		if err != nil {
			t.Fatalf("decode message: %v", err)
		}
		if msg.ID != echo.ID {
			t.Fatalf("expected the persisted id on every device, got %q vs %q", msg.ID, echo.ID)
		}
		if msg.Ciphertext != "Zm9v" {
			t.Fatalf("expected ciphertext forwarded byte-for-byte, got %q", msg.Ciphertext)
		}
		if msg.SenderID != alice.ID.String() || msg.RecipientID != bob.ID.String() {
			t.Fatalf("unexpected routing: %+v", msg)
		}
	}
}

func TestOfflineRecipientReadsHistoryLater(t *testing.T) {
	e := newEnv(t)
	alice := e.seedUser(t, "alice-"+uuid.NewString())
	bob := e.seedUser(t, "bob-"+uuid.NewString())

	aliceClient, aliceEvents := e.connect(t, alice, alice.Username)
	if err := aliceClient.SendMessage(bob.ID.String(), "Zm9v"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	echo, err := aliceEvents.next(t, chatclient.EventMessage).DecodeMessage()
	if err != nil {
		t.Fatalf("decode echo: %v", err)
	}

	bobClient, bobEvents := e.connect(t, bob, bob.Username)
	// Missed messages are never replayed over the socket.
	bobEvents.none(t, chatclient.EventMessage, 300*time.Millisecond)

	msgs, err := bobClient.History(context.Background(), alice.ID.String(), 50)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message in history, got %d", len(msgs))
	}
	if msgs[0].ID != echo.ID || msgs[0].Ciphertext != "Zm9v" || msgs[0].IsRead {
		t.Fatalf("unexpected history row: %+v", msgs[0])
	}

	count, err := bobClient.UnreadCount(context.Background(), alice.ID.String())
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 unread, got %d", count)
	}
}

func TestReadReceiptReachesSender(t *testing.T) {
	e := newEnv(t)
	alice := e.seedUser(t, "alice-"+uuid.NewString())
	bob := e.seedUser(t, "bob-"+uuid.NewString())

	aliceClient, aliceEvents := e.connect(t, alice, alice.Username)
	bobClient, bobEvents := e.connect(t, bob, bob.Username)

	if err := aliceClient.SendMessage(bob.ID.String(), "Zm9v"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	msg, err := bobEvents.next(t, chatclient.EventMessage).DecodeMessage()
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}

	if err := bobClient.MarkAsRead(msg.ID); err != nil {
		t.Fatalf("mark as read: %v", err)
	}

	receipt, err := aliceEvents.next(t, chatclient.EventMessageRead).DecodeMessageRead()
	if err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.MessageID != msg.ID || receipt.ReaderID != bob.ID.String() {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	count, err := bobClient.UnreadCount(context.Background(), alice.ID.String())
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 unread after the receipt, got %d", count)
	}
}

func TestTypingSignal(t *testing.T) {
	e := newEnv(t)
	alice := e.seedUser(t, "alice-"+uuid.NewString())
	bob := e.seedUser(t, "bob-"+uuid.NewString())

	aliceClient, _ := e.connect(t, alice, alice.Username)
	_, bobEvents := e.connect(t, bob, bob.Username)

	if err := aliceClient.Typing(bob.ID.String(), true); err != nil {
		t.Fatalf("typing: %v", err)
	}
	typing, err := bobEvents.next(t, chatclient.EventTyping).DecodeTyping()
	if err != nil {
		t.Fatalf("decode typing: %v", err)
	}
	if typing.SenderID != alice.ID.String() || !typing.IsTyping {
		t.Fatalf("unexpected typing payload: %+v", typing)
	}

	if err := aliceClient.Typing(bob.ID.String(), false); err != nil {
		t.Fatalf("typing stop: %v", err)
	}
	stop, err := bobEvents.next(t, chatclient.EventTyping).DecodeTyping()
	if err != nil {
		t.Fatalf("decode typing stop: %v", err)
	}
	if stop.IsTyping {
		t.Fatalf("expected stop signal")
	}
}

func TestPresenceLifecycle(t *testing.T) {
	e := newEnv(t)
	alice := e.seedUser(t, "alice-"+uuid.NewString())
	bob := e.seedUser(t, "bob-"+uuid.NewString())

	_, aliceEvents := e.connect(t, alice, alice.Username)
	snapshot, err := aliceEvents.next(t, chatclient.EventOnlineUsers).DecodeOnlineUsers()
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snapshot.IdentityIDs) != 0 {
		t.Fatalf("expected empty snapshot for the first connection, got %v", snapshot.IdentityIDs)
	}

	bobClient, bobEvents := e.connect(t, bob, bob.Username)
	online, err := aliceEvents.next(t, chatclient.EventUserOnline).DecodePresence()
	if err != nil {
		t.Fatalf("decode online: %v", err)
	}
	if online.IdentityID != bob.ID.String() || online.Username != bob.Username {
		t.Fatalf("unexpected online payload: %+v", online)
	}

	bobSnapshot, err := bobEvents.next(t, chatclient.EventOnlineUsers).DecodeOnlineUsers()
	if err != nil {
		t.Fatalf("decode bob snapshot: %v", err)
	}
	if len(bobSnapshot.IdentityIDs) != 1 || bobSnapshot.IdentityIDs[0] != alice.ID.String() {
		t.Fatalf("expected snapshot with only alice, got %v", bobSnapshot.IdentityIDs)
	}

	if err := bobClient.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	offline, err := aliceEvents.next(t, chatclient.EventUserOffline).DecodePresence()
	if err != nil {
		t.Fatalf("decode offline: %v", err)
	}
	if offline.IdentityID != bob.ID.String() {
		t.Fatalf("unexpected offline payload: %+v", offline)
	}
}

func TestSendToUnknownRecipientReportsError(t *testing.T) {
	e := newEnv(t)
	alice := e.seedUser(t, "alice-"+uuid.NewString())
	aliceClient, aliceEvents := e.connect(t, alice, alice.Username)

	if err := aliceClient.SendMessage("not-a-uuid", "Zm9v"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	evt := aliceEvents.next(t, chatclient.EventError)
	var serverErr chatclient.ServerError
	if err := json.Unmarshal(evt.Payload, &serverErr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if serverErr.Message == "" {
		t.Fatalf("expected an error message")
	}
}

func TestRESTSendAndConversations(t *testing.T) {
	e := newEnv(t)
	alice := e.seedUser(t, "alice-"+uuid.NewString())
	bob := e.seedUser(t, "bob-"+uuid.NewString())
	token := e.token(t, alice, alice.Username, time.Hour)

	body, _ := json.Marshal(map[string]string{
		"recipientId": bob.ID.String(),
		"ciphertext":  "Zm9v",
	})
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, raw)
	}
	var created chatclient.Message
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.Ciphertext != "Zm9v" || created.RecipientID != bob.ID.String() {
		t.Fatalf("unexpected created message: %+v", created)
	}

	bobClient, _ := e.connect(t, bob, bob.Username)
	convs, err := bobClient.Conversations(context.Background())
	if err != nil {
		t.Fatalf("conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].UserID != alice.ID.String() || convs[0].Username != alice.Username {
		t.Fatalf("unexpected conversation peer: %+v", convs[0])
	}
	if convs[0].UnreadCount != 1 || convs[0].LastMessage != "Zm9v" {
		t.Fatalf("unexpected conversation summary: %+v", convs[0])
	}
}

func TestRESTSendRejectsEmptyCiphertext(t *testing.T) {
	e := newEnv(t)
	alice := e.seedUser(t, "alice-"+uuid.NewString())
	bob := e.seedUser(t, "bob-"+uuid.NewString())
	token := e.token(t, alice, alice.Username, time.Hour)

	body, _ := json.Marshal(map[string]string{
		"recipientId": bob.ID.String(),
		"ciphertext":  "",
	})
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/messages", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestAuthErrors(t *testing.T) {
	e := newEnv(t)
	alice := e.seedUser(t, "alice-"+uuid.NewString())

	cases := []struct {
		name  string
		token string
		want  string
	}{
		{"missing", "", "missing token"},
		{"expired", e.token(t, alice, alice.Username, -time.Minute), "token expired"},
		{"garbage", "not.a.jwt", "invalid token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/conversations", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", resp.StatusCode)
			}
			raw, _ := io.ReadAll(resp.Body)
			if got := strings.TrimSpace(string(raw)); got != tc.want {
				t.Fatalf("expected body %q, got %q", tc.want, got)
			}
		})
	}
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	e := newEnv(t)
	if _, err := chatclient.Dial(e.srv.URL, "not.a.jwt"); err == nil {
		t.Fatalf("expected handshake to fail for an invalid token")
	}
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
