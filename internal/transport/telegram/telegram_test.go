package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/chargeq/internal/transport"
)

const testToken = "123456:secret-token"

type fakeAPI struct {
	mu       sync.Mutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	calls    []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{handlers: map[string]func(http.ResponseWriter, *http.Request){
		"getMe": jsonReply(`{"ok":true,"result":{"id":42,"is_bot":true,"first_name":"Charge","username":"chargeq_bot"}}`),
		"getWebhookInfo": jsonReply(`{"ok":true,"result":{"url":"","has_custom_certificate":false,"pending_update_count":0}}`),
	}}
	srv := httptest.NewServer(http.HandlerFunc(api.serve))
	t.Cleanup(srv.Close)
	client, err := New(Config{Token: testToken, Endpoint: srv.URL + "/bot%s/%s", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return api, client
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + testToken + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)
	f.mu.Lock()
	f.calls = append(f.calls, method)
	h := f.handlers[method]
	f.mu.Unlock()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeAPI) handle(method string, h func(http.ResponseWriter, *http.Request)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeAPI) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func jsonReply(body string) func(http.ResponseWriter, *http.Request) {
	return jsonStatus(http.StatusOK, body)
}

func jsonStatus(status int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty token")
	}
	if _, err := New(Config{Token: "x", Endpoint: "http://example.invalid/%s"}); err == nil {
		t.Fatalf("expected error for endpoint without two verbs")
	}
}

func TestIdentity(t *testing.T) {
	_, client := newFakeAPI(t)
	id, err := client.Identity(context.Background())
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if id.ID != 42 || id.Username != "chargeq_bot" || id.Name != "Charge" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestProbeDoesNotSubscribe(t *testing.T) {
	api, client := newFakeAPI(t)
	if err := client.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	for _, call := range api.called() {
		if call == "getUpdates" {
			t.Fatalf("probe must not call getUpdates, calls=%v", api.called())
		}
	}
}

func TestProbeReportsActiveWebhookAsConflict(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("getWebhookInfo", jsonReply(`{"ok":true,"result":{"url":"https://example.com/hook","has_custom_certificate":false,"pending_update_count":3}}`))
	err := client.Probe(context.Background())
	if !errors.Is(err, transport.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPollConvertsUpdates(t *testing.T) {
	api, client := newFakeAPI(t)
	var gotOffset, gotTimeout string
	api.handle("getUpdates", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotOffset = r.PostForm.Get("offset")
		gotTimeout = r.PostForm.Get("timeout")
		jsonReply(`{"ok":true,"result":[
			{"update_id":7,"message":{"message_id":1,"date":1700000000,"text":"/book","chat":{"id":99,"type":"private"},"from":{"id":5,"is_bot":false,"first_name":"Ann","username":"ann"}}},
			{"update_id":8}
		]}`)(w, r)
	})
	updates, err := client.Poll(context.Background(), 7, 2*time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if gotOffset != "7" || gotTimeout != "2" {
		t.Fatalf("unexpected form offset=%q timeout=%q", gotOffset, gotTimeout)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(updates))
	}
	u := updates[0]
	if u.ID != 7 || u.ChatID != 99 || u.UserID != 5 || u.Username != "ann" || u.Text != "/book" {
		t.Fatalf("unexpected update %+v", u)
	}
	if !u.Date.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected date %v", u.Date)
	}
	if updates[1].ID != 8 || updates[1].ChatID != 0 {
		t.Fatalf("unexpected bare update %+v", updates[1])
	}
}

func TestPollConflict(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("getUpdates", jsonStatus(http.StatusConflict,
		`{"ok":false,"error_code":409,"description":"Conflict: terminated by other getUpdates request; make sure that only one bot instance is running"}`))
	_, err := client.Poll(context.Background(), 0, 0)
	if transport.Classify(err) != transport.ClassConflict {
		t.Fatalf("expected conflict class, got %v", err)
	}
}

func TestRateLimitIsNetworkWithRetryAfter(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("sendMessage", jsonStatus(http.StatusTooManyRequests,
		`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`))
	err := client.Send(context.Background(), 1, "hi")
	var te *transport.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if te.Class != transport.ClassNetwork || te.RetryAfter != 3*time.Second {
		t.Fatalf("unexpected error %+v", te)
	}
}

func TestUnauthorizedIsFatal(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("getMe", jsonStatus(http.StatusUnauthorized, `{"ok":false,"error_code":401,"description":"Unauthorized"}`))
	err := client.Probe(context.Background())
	if !errors.Is(err, transport.ErrFatal) {
		t.Fatalf("expected fatal, got %v", err)
	}
}

func TestProxyGatewayErrorIsNetwork(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handle("getUpdates", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})
	_, err := client.Poll(context.Background(), 0, 0)
	if !errors.Is(err, transport.ErrNetwork) {
		t.Fatalf("expected network, got %v", err)
	}
}

func TestSend(t *testing.T) {
	api, client := newFakeAPI(t)
	var chatID, text string
	api.handle("sendMessage", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		chatID = r.PostForm.Get("chat_id")
		text = r.PostForm.Get("text")
		jsonReply(`{"ok":true,"result":{"message_id":10,"date":1700000000,"chat":{"id":99,"type":"private"},"text":"slot free"}}`)(w, r)
	})
	if err := client.Send(context.Background(), 99, "slot free"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if chatID != "99" || text != "slot free" {
		t.Fatalf("unexpected form chat_id=%q text=%q", chatID, text)
	}
}

func TestUnreachableRedactsToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/bot%s/%s"
	srv.Close()
	client, err := New(Config{Token: testToken, Endpoint: endpoint})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = client.Probe(context.Background())
	if !errors.Is(err, transport.ErrNetwork) {
		t.Fatalf("expected network, got %v", err)
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Fatalf("token leaked in error: %v", err)
	}
}

func TestCanceledContextIsNetwork(t *testing.T) {
	_, client := newFakeAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.Probe(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled in chain, got %v", err)
	}
	if transport.Classify(err) != transport.ClassNetwork {
		t.Fatalf("expected network class, got %v", transport.Classify(err))
	}
}
