package broadcast

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"cardreader/internal/card/models"
	"cardreader/internal/ratelimit"
	audit "cardreader/pkg/platform/audit"
	"cardreader/pkg/platform/audit/publisher"
	"cardreader/pkg/platform/audit/store/memory"
	"cardreader/pkg/testutil"
)

// =============================================================================
// Broadcaster Test Suite
// =============================================================================
// Justification: fan-out, overflow isolation and admission are observable only
// over real websocket connections, so these tests run an httptest server.

type BroadcasterSuite struct {
	suite.Suite
	logger     *slog.Logger
	auditStore *memory.InMemoryStore
	audit      *publisher.Publisher
}

func TestBroadcasterSuite(t *testing.T) {
	suite.Run(t, new(BroadcasterSuite))
}

func (s *BroadcasterSuite) SetupTest() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.auditStore = memory.NewInMemoryStore()
	s.audit = publisher.NewPublisher(s.auditStore)
}

func (s *BroadcasterSuite) serve(b *Broadcaster, auth *Authenticator, opts ...HandlerOption) *httptest.Server {
	opts = append([]HandlerOption{WithHandlerLogger(s.logger), WithHandlerAudit(s.audit)}, opts...)
	server := httptest.NewServer(NewHandler(b, auth, opts...))
	s.T().Cleanup(func() {
		b.Close()
		server.Close()
	})
	return server
}

func (s *BroadcasterSuite) openAuth() *Authenticator {
	a, err := NewAuthenticator(AuthConfig{}, s.logger)
	s.Require().NoError(err)
	return a
}

func (s *BroadcasterSuite) waitForSubscribers(b *Broadcaster, n int) {
	s.Require().Eventually(func() bool { return b.Count() == n }, 2*time.Second, 10*time.Millisecond)
}

func insertedEvent(reader string) models.Event {
	return models.NewInserted(reader, "session-1", nil, models.OutputRecord{
		{Key: "Citizenid", Value: "3100600123450"},
		{Key: "Th_Firstname", Value: "สมชาย"},
	})
}

func (s *BroadcasterSuite) TestIdenticalPayloadToEverySubscriber() {
	b := New(Config{}, WithLogger(s.logger), WithAudit(s.audit))
	server := s.serve(b, s.openAuth())

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = testutil.DialWebSocket(s.T(), server, "/", nil)
	}
	s.waitForSubscribers(b, 3)

	s.Require().NoError(b.Broadcast(context.Background(), insertedEvent("reader-0")))

	want := `{"mode":"readsmartcard","Citizenid":"3100600123450","Th_Firstname":"สมชาย"}`
	for _, c := range conns {
		s.Require().NoError(c.SetReadDeadline(time.Now().Add(2 * time.Second)))
		kind, data, err := c.ReadMessage()
		s.Require().NoError(err)
		s.Equal(websocket.TextMessage, kind)
		s.Equal(want, string(data))
	}

	s.Require().NoError(b.Broadcast(context.Background(), models.NewRemoved("reader-0", "session-1")))
	for _, c := range conns {
		msg := testutil.ReadJSONMessage(s.T(), c, 2*time.Second)
		s.Equal(map[string]any{"mode": "removedsmartcard"}, msg)
	}

	opened, _ := s.auditStore.ListByAction(context.Background(), audit.EventConnectionOpened)
	s.Len(opened, 3)
}

func (s *BroadcasterSuite) TestSaturatedSubscriberIsDroppedAlone() {
	b := New(Config{QueueSize: 4}, WithLogger(s.logger), WithAudit(s.audit))

	slow := newSubscriber("slow", nil, 1, s.logger)
	slow.onClose = b.remove
	s.Require().NoError(b.register(slow))
	fast := make([]*Subscriber, 3)
	for i := range fast {
		fast[i] = newSubscriber(string(rune('a'+i)), nil, 4, s.logger)
		fast[i].onClose = b.remove
		s.Require().NoError(b.register(fast[i]))
	}
	s.Equal(4, b.Count())

	ctx := context.Background()
	s.Require().NoError(b.Broadcast(ctx, insertedEvent("reader-0")))
	s.Require().NoError(b.Broadcast(ctx, models.NewRemoved("reader-0", "session-1")))

	select {
	case <-slow.Done():
	default:
		s.Fail("saturated subscriber should be closed")
	}
	s.Equal(ReasonOverflow, slow.reason)
	s.Equal(3, b.Count())
	for _, f := range fast {
		s.Len(f.send, 2, "healthy subscribers receive every event")
		first := <-f.send
		s.Contains(string(first), `"mode":"readsmartcard"`)
	}

	dropped, _ := s.auditStore.ListByAction(ctx, audit.EventSubscriberDropped)
	s.Require().Len(dropped, 1)
	s.Equal("slow", dropped[0].Subject)
}

func (s *BroadcasterSuite) TestAdmissionRefusals() {
	s.Run("missing credential is 401", func() {
		auth, err := NewAuthenticator(AuthConfig{Enabled: true, APIKeys: []string{"k-123456"}}, s.logger)
		s.Require().NoError(err)
		b := New(Config{}, WithLogger(s.logger))
		server := s.serve(b, auth)

		_, resp, err := websocket.DefaultDialer.Dial(testutil.WebSocketURL(server, "/"), nil)
		s.Require().ErrorIs(err, websocket.ErrBadHandshake)
		s.Equal(http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()

		conn := testutil.DialWebSocket(s.T(), server, "/", http.Header{"X-Api-Key": {"k-123456"}})
		s.NotNil(conn)
		s.waitForSubscribers(b, 1)
	})

	s.Run("disallowed origin is 403", func() {
		b := New(Config{}, WithLogger(s.logger))
		server := s.serve(b, s.openAuth(), WithAllowedOrigins([]string{"http://localhost:3000"}))

		_, resp, err := websocket.DefaultDialer.Dial(testutil.WebSocketURL(server, "/"),
			http.Header{"Origin": {"http://evil.example"}})
		s.Require().Error(err)
		s.Equal(http.StatusForbidden, resp.StatusCode)
		_ = resp.Body.Close()

		testutil.DialWebSocket(s.T(), server, "/", http.Header{"Origin": {"http://localhost:3000"}})
		s.waitForSubscribers(b, 1)
	})

	s.Run("rate limited attempts are 429", func() {
		b := New(Config{}, WithLogger(s.logger))
		limiter := ratelimit.New(ratelimit.Config{RequestsPerWindow: 1, Window: time.Minute})
		server := s.serve(b, s.openAuth(), WithLimiter(limiter))

		testutil.DialWebSocket(s.T(), server, "/", nil)
		_, resp, err := websocket.DefaultDialer.Dial(testutil.WebSocketURL(server, "/"), nil)
		s.Require().Error(err)
		s.Equal(http.StatusTooManyRequests, resp.StatusCode)
		s.NotEmpty(resp.Header.Get("Retry-After"))
		_ = resp.Body.Close()
	})

	s.Run("concurrent cap is 429 and released on disconnect", func() {
		b := New(Config{}, WithLogger(s.logger))
		limiter := ratelimit.New(ratelimit.Config{MaxConnectionsPerIP: 1})
		server := s.serve(b, s.openAuth(), WithLimiter(limiter))

		first := testutil.DialWebSocket(s.T(), server, "/", nil)
		s.waitForSubscribers(b, 1)
		_, resp, err := websocket.DefaultDialer.Dial(testutil.WebSocketURL(server, "/"), nil)
		s.Require().Error(err)
		s.Equal(http.StatusTooManyRequests, resp.StatusCode)
		_ = resp.Body.Close()

		_ = first.Close()
		s.waitForSubscribers(b, 0)
		s.Eventually(func() bool { return limiter.Connections("127.0.0.1") == 0 }, 2*time.Second, 10*time.Millisecond)
		testutil.DialWebSocket(s.T(), server, "/", nil)
		s.waitForSubscribers(b, 1)
	})

	failures, _ := s.auditStore.ListByAction(context.Background(), audit.EventAuthFailure)
	s.Len(failures, 1)
}

func (s *BroadcasterSuite) TestReplayLastState() {
	b := New(Config{ReplayLastState: true}, WithLogger(s.logger))
	server := s.serve(b, s.openAuth())
	ctx := context.Background()

	s.Require().NoError(b.Broadcast(ctx, insertedEvent("reader-0")))
	late := testutil.DialWebSocket(s.T(), server, "/", nil)
	msg := testutil.ReadJSONMessage(s.T(), late, 2*time.Second)
	s.Equal("readsmartcard", msg["mode"])

	s.Require().NoError(b.Broadcast(ctx, models.NewRemoved("reader-0", "session-1")))
	_ = testutil.ReadJSONMessage(s.T(), late, 2*time.Second)

	after := testutil.DialWebSocket(s.T(), server, "/", nil)
	s.waitForSubscribers(b, 2)
	s.Require().NoError(after.SetReadDeadline(time.Now().Add(200 * time.Millisecond)))
	_, _, err := after.ReadMessage()
	s.Error(err, "nothing to replay once the card is removed")
}

func (s *BroadcasterSuite) TestCloseRefusesNewSubscribers() {
	b := New(Config{}, WithLogger(s.logger))
	server := s.serve(b, s.openAuth())
	conn := testutil.DialWebSocket(s.T(), server, "/", nil)
	s.waitForSubscribers(b, 1)

	b.Close()
	s.Equal(0, b.Count())
	s.Require().NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err := conn.ReadMessage()
	s.True(websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	s.Error(b.register(newSubscriber("late", nil, 1, s.logger)))
}
