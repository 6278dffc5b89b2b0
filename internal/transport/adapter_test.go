package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/KLOUTZINMODZ/zenithchat/internal/bus"
	"github.com/KLOUTZINMODZ/zenithchat/internal/model"
)

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func serverSend(ctx context.Context, c *websocket.Conn, typ string, payload any) error {
	data, err := encodeEnvelope(typ, payload)
	if err != nil {
		return err
	}
	return c.Write(ctx, websocket.MessageText, data)
}

// newGateway starts a fake gateway that completes the handshake and then
// hands the connection to scenario. The handler blocks until the server
// shuts down so the hijacked connection stays open.
func newGateway(t *testing.T, scenario func(ctx context.Context, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if err := serverSend(ctx, c, evtConnected, nil); err != nil {
			return
		}
		if scenario != nil {
			scenario(ctx, c)
		}
		<-ctx.Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOptions(url string) Options {
	return Options{
		URL:              url,
		HandshakeTimeout: 2 * time.Second,
		HeartbeatEvery:   time.Hour, // keep heartbeats out of the way
		ReconnectBase:    10 * time.Millisecond,
		ReconnectCap:     50 * time.Millisecond,
		MaxReconnects:    3,
	}
}

func waitFor(t *testing.T, ch <-chan bus.Event, kind string) bus.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				return evt
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accepts.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		serverSend(r.Context(), c, evtConnected, nil)
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	a := NewAdapter(testOptions(wsURL(srv)), b, nil, nil)
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, ch, bus.KindTransportConnected)

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if got := accepts.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if !a.Connected() {
		t.Error("adapter not connected")
	}
}

func TestConnectRejectsBadHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		serverSend(r.Context(), c, evtError, ErrorEvent{Code: "unauthorized"})
		<-r.Context().Done()
	}))
	defer srv.Close()

	a := NewAdapter(testOptions(wsURL(srv)), bus.New(), nil, nil)
	defer a.Disconnect()

	err := a.Connect(context.Background())
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %v, want ConnectionError", err)
	}
}

func TestServerEventsReachBus(t *testing.T) {
	srv := newGateway(t, func(ctx context.Context, c *websocket.Conn) {
		serverSend(ctx, c, evtMessageNew, model.RawMessage{
			ID: "m_1", ConversationID: "c_1", SenderID: "u_2", Content: "hi",
		})
		serverSend(ctx, c, evtTyping, TypingEvent{ConversationID: "c_1", UserID: "u_2"})
	})

	b := bus.New()
	ch, unsub := b.Subscribe("gateway.", 10)
	defer unsub()

	a := NewAdapter(testOptions(wsURL(srv)), b, nil, nil)
	defer a.Disconnect()
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	evt := waitFor(t, ch, bus.KindGatewayMessage)
	msg := evt.Payload.(MessageNewEvent).Message
	if msg.ID != "m_1" || msg.Content != "hi" {
		t.Errorf("message = %+v", msg)
	}

	evt = waitFor(t, ch, bus.KindGatewayTyping)
	typing := evt.Payload.(TypingEvent)
	if !typing.Typing || typing.UserID != "u_2" {
		t.Errorf("typing = %+v", typing)
	}
}

func TestMalformedFramesAreDropped(t *testing.T) {
	srv := newGateway(t, func(ctx context.Context, c *websocket.Conn) {
		c.Write(ctx, websocket.MessageText, []byte("not json"))
		serverSend(ctx, c, evtMessageNew, model.RawMessage{
			ID: "m_2", ConversationID: "c_1", SenderID: "u_2", Content: "after garbage",
		})
	})

	b := bus.New()
	ch, unsub := b.Subscribe("gateway.", 10)
	defer unsub()

	a := NewAdapter(testOptions(wsURL(srv)), b, nil, nil)
	defer a.Disconnect()
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	evt := waitFor(t, ch, bus.KindGatewayMessage)
	if got := evt.Payload.(MessageNewEvent).Message.ID; got != "m_2" {
		t.Errorf("message id = %s, want m_2", got)
	}
}

func TestSendMessageWritesCommand(t *testing.T) {
	frames := make(chan Envelope, 10)
	srv := newGateway(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			var env Envelope
			if json.Unmarshal(data, &env) == nil {
				frames <- env
			}
		}
	})

	a := NewAdapter(testOptions(wsURL(srv)), bus.New(), nil, nil)
	defer a.Disconnect()
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := a.SendMessage(context.Background(), "c_1", "temp_1", "hello", "text"); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case env := <-frames:
		if env.Type != cmdSendMessage {
			t.Fatalf("frame type = %s", env.Type)
		}
		var p sendMessagePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		if p.ConversationID != "c_1" || p.TempID != "temp_1" || p.Content != "hello" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the command")
	}
}

func TestSendWhileDisconnectedPublishesFailure(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindTransportSendFailed, 10)
	defer unsub()

	a := NewAdapter(testOptions("ws://127.0.0.1:0"), b, nil, nil)
	err := a.SendMessage(context.Background(), "c_1", "temp_9", "x", "text")
	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("error = %v, want ConnectionError", err)
	}

	evt := waitFor(t, ch, bus.KindTransportSendFailed)
	fail := evt.Payload.(SendFailure)
	if fail.TempID != "temp_9" || fail.ConversationID != "c_1" {
		t.Errorf("failure = %+v", fail)
	}
}

func TestMissingPongIsNotFatal(t *testing.T) {
	// Swallow every ping and never answer.
	srv := newGateway(t, func(ctx context.Context, c *websocket.Conn) {
		for {
			if _, _, err := c.Read(ctx); err != nil {
				return
			}
		}
	})

	opts := testOptions(wsURL(srv))
	opts.HeartbeatEvery = 20 * time.Millisecond
	a := NewAdapter(opts, bus.New(), nil, nil)
	defer a.Disconnect()
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Several heartbeat intervals without a pong.
	time.Sleep(150 * time.Millisecond)
	if !a.Connected() {
		t.Error("connection dropped over missing pongs")
	}
}

func TestExplicitConnectFailureDoesNotRetry(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accepts.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		serverSend(r.Context(), c, evtError, ErrorEvent{Code: "unauthorized"})
		<-r.Context().Done()
	}))
	defer srv.Close()

	a := NewAdapter(testOptions(wsURL(srv)), bus.New(), nil, nil)
	defer a.Disconnect()

	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("connect succeeded against a rejecting gateway")
	}

	// Longer than every backoff the options allow, jitter included.
	time.Sleep(400 * time.Millisecond)
	if got := accepts.Load(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestConnectAfterDisconnectReopens(t *testing.T) {
	srv := newGateway(t, nil)

	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	a := NewAdapter(testOptions(wsURL(srv)), b, nil, nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, ch, bus.KindTransportConnected)

	a.Disconnect()
	if a.Connected() {
		t.Fatal("still connected after disconnect")
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	waitFor(t, ch, bus.KindTransportConnected)
	if !a.Connected() {
		t.Error("adapter not connected after reopen")
	}
	a.Disconnect()
}

func TestReconnectAfterAbnormalDrop(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := accepts.Add(1)
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		serverSend(r.Context(), c, evtConnected, nil)
		if n == 1 {
			c.Close(websocket.StatusInternalError, "boom")
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe("transport.", 20)
	defer unsub()

	a := NewAdapter(testOptions(wsURL(srv)), b, nil, nil)
	defer a.Disconnect()
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, ch, bus.KindTransportConnected)
	waitFor(t, ch, bus.KindTransportDisconnected)
	waitFor(t, ch, bus.KindTransportConnected)

	if accepts.Load() < 2 {
		t.Errorf("accepts = %d, want at least 2", accepts.Load())
	}
}
