package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KLOUTZINMODZ/zenithchat/internal/bus"
	"github.com/KLOUTZINMODZ/zenithchat/internal/cache"
	"github.com/KLOUTZINMODZ/zenithchat/internal/conversation"
	"github.com/KLOUTZINMODZ/zenithchat/internal/metrics"
	"github.com/KLOUTZINMODZ/zenithchat/internal/model"
	"github.com/KLOUTZINMODZ/zenithchat/internal/status"
	"github.com/KLOUTZINMODZ/zenithchat/internal/typing"
)

type stubTransport struct{}

func (*stubTransport) Connected() bool { return false }

func (*stubTransport) MarkMessagesAsRead(context.Context, string, ...string) error { return nil }

func (*stubTransport) SendTyping(context.Context, string, bool) error { return nil }

func (*stubTransport) RequestHistory(context.Context, string, int) error { return nil }

func (*stubTransport) RequestConversations(context.Context) error { return nil }

func (*stubTransport) AckMessages(context.Context, string, []string) error { return nil }

type stubOutbox struct{}

func (stubOutbox) Send(_ context.Context, convID, content, msgType string) model.Message {
	return model.Message{
		TempID: "temp_stub", ConversationID: convID, Content: content,
		Type: msgType, CreatedAt: time.Now().UTC(),
		Status: model.StatusSending, IsOwn: true,
	}
}

func (stubOutbox) Retry(context.Context, string, string, string, string) {}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	b := bus.New()
	tracker := typing.NewTracker(time.Hour, b)
	t.Cleanup(tracker.Close)

	mgr := conversation.NewManager(conversation.Params{
		SelfID:    "u_self",
		Bus:       b,
		Cache:     cache.New(cache.Options{}),
		Transport: &stubTransport{},
		Outbox:    stubOutbox{},
		Typing:    tracker,
		Machine:   status.NewMachine(b, nil),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	mgr.Start(ctx)
	t.Cleanup(mgr.Stop)

	return NewServer("/tmp/unused.sock", "test", mgr, metrics.New(), nil)
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("%s %s: undecodable body %q", method, path, rec.Body.String())
	}
	return rec, envelope
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec, env := do(t, s, http.MethodGet, "/v1/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var data struct {
		Profile      string `json:"profile"`
		Connectivity string `json:"connectivity"`
	}
	json.Unmarshal(env["data"], &data)
	if data.Profile != "test" || data.Connectivity != "OFFLINE" {
		t.Errorf("health = %+v", data)
	}
}

func TestSendAndState(t *testing.T) {
	s := newTestServer(t)

	rec, env := do(t, s, http.MethodPost, "/v1/conversations/c_1/send", `{"content":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("send status = %d: %s", rec.Code, rec.Body.String())
	}
	var sent struct {
		Message model.Message `json:"message"`
	}
	json.Unmarshal(env["data"], &sent)
	if sent.Message.TempID == "" || sent.Message.Status != model.StatusSending {
		t.Errorf("message = %+v", sent.Message)
	}

	_, env = do(t, s, http.MethodGet, "/v1/state", "")
	var view conversation.View
	json.Unmarshal(env["data"], &view)
	if len(view.Conversations) != 1 || view.Conversations[0].ID != "c_1" {
		t.Errorf("view = %+v", view)
	}
}

func TestSendRejectsEmptyContent(t *testing.T) {
	s := newTestServer(t)
	rec, env := do(t, s, http.MethodPost, "/v1/conversations/c_1/send", `{"content":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	var apiErr apiError
	json.Unmarshal(env["error"], &apiErr)
	if apiErr.Code != "empty_content" {
		t.Errorf("error = %+v", apiErr)
	}
}

func TestMessagesRoute(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/v1/conversations/c_9/send", `{"content":"one"}`)

	_, env := do(t, s, http.MethodGet, "/v1/conversations/c_9/messages", "")
	var data struct {
		ConversationID string          `json:"conversationId"`
		Messages       []model.Message `json:"messages"`
	}
	json.Unmarshal(env["data"], &data)
	if data.ConversationID != "c_9" || len(data.Messages) != 1 {
		t.Errorf("data = %+v", data)
	}
}

func TestRetryUnknownTempID(t *testing.T) {
	s := newTestServer(t)
	rec, _ := do(t, s, http.MethodPost, "/v1/messages/temp_missing/retry", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestOpenActivatesConversation(t *testing.T) {
	s := newTestServer(t)
	rec, _ := do(t, s, http.MethodPost, "/v1/conversations/c_2/open", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	_, env := do(t, s, http.MethodGet, "/v1/state", "")
	var view conversation.View
	json.Unmarshal(env["data"], &view)
	if view.ActiveID != "c_2" {
		t.Errorf("active = %q, want c_2", view.ActiveID)
	}
}

func TestMetricsExposed(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "zenithchat_cache_misses_total") {
		t.Error("metrics output missing engine counters")
	}
}
