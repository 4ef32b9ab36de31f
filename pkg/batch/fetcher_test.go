package batch

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/resilient-api-client/internal/testutil"
	"github.com/Sternrassler/resilient-api-client/pkg/client"
	"github.com/Sternrassler/resilient-api-client/pkg/retry"
	"github.com/rs/zerolog"
)

// fakeRequester answers from a function and tracks concurrency.
type fakeRequester struct {
	handle   func(req client.Request) client.Response[client.Payload]
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	calls    atomic.Int32
}

func (f *fakeRequester) Request(ctx context.Context, req client.Request) client.Response[client.Payload] {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return f.handle(req)
}

func ok(body string) client.Response[client.Payload] {
	return client.Response[client.Payload]{Success: true, Data: client.JSONPayload([]byte(body))}
}

func TestFetchAll_PreservesOrder(t *testing.T) {
	requester := &fakeRequester{
		handle: func(req client.Request) client.Response[client.Payload] {
			return ok(`"` + req.Path + `"`)
		},
	}
	fetcher := NewFetcher(requester, Config{MaxConcurrency: 4}, zerolog.Nop())

	reqs := make([]client.Request, 20)
	for i := range reqs {
		reqs[i] = client.Request{Path: "/p" + string(rune('a'+i))}
	}

	responses, err := fetcher.FetchAll(context.Background(), reqs)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(responses) != len(reqs) {
		t.Fatalf("len(responses) = %d, want %d", len(responses), len(reqs))
	}
	for i, resp := range responses {
		want := `"` + reqs[i].Path + `"`
		if !resp.Success || resp.Data.String() != want {
			t.Errorf("responses[%d] = %s, want %s", i, resp.Data.String(), want)
		}
	}
}

func TestFetchAll_BoundedConcurrency(t *testing.T) {
	requester := &fakeRequester{
		delay:  20 * time.Millisecond,
		handle: func(client.Request) client.Response[client.Payload] { return ok(`{}`) },
	}
	fetcher := NewFetcher(requester, Config{MaxConcurrency: 3}, zerolog.Nop())

	reqs := Pages(client.Request{Path: "/items"}, "page", 1, 12)
	if _, err := fetcher.FetchAll(context.Background(), reqs); err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	if got := requester.maxSeen.Load(); got > 3 {
		t.Errorf("max in flight = %d, want <= 3", got)
	}
	if got := requester.calls.Load(); got != 12 {
		t.Errorf("calls = %d, want 12", got)
	}
}

func TestFetchAll_PartialFailures(t *testing.T) {
	requester := &fakeRequester{
		handle: func(req client.Request) client.Response[client.Payload] {
			if req.Query.Get("page") == "2" {
				return client.Response[client.Payload]{Error: &client.ErrorEnvelope{Message: "Not found", Code: 404, Type: "http_error"}}
			}
			return ok(`[]`)
		},
	}
	fetcher := NewFetcher(requester, DefaultConfig(), zerolog.Nop())

	responses, err := fetcher.FetchAll(context.Background(), Pages(client.Request{Path: "/items"}, "page", 1, 3))
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	if !responses[0].Success || !responses[2].Success {
		t.Error("pages 1 and 3 should succeed")
	}
	if responses[1].Success || responses[1].Error.Code != 404 {
		t.Errorf("page 2 = %+v, want 404 failure", responses[1])
	}
}

func TestFetchAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var once sync.Once
	requester := &fakeRequester{
		handle: func(client.Request) client.Response[client.Payload] {
			once.Do(cancel)
			return ok(`{}`)
		},
	}
	fetcher := NewFetcher(requester, Config{MaxConcurrency: 1}, zerolog.Nop())

	reqs := Pages(client.Request{Path: "/items"}, "page", 1, 10)
	responses, err := fetcher.FetchAll(ctx, reqs)

	if err != context.Canceled {
		t.Fatalf("FetchAll() error = %v, want context.Canceled", err)
	}
	if len(responses) != len(reqs) {
		t.Fatalf("len(responses) = %d, want %d", len(responses), len(reqs))
	}
	if !responses[0].Success {
		t.Error("first response should have completed")
	}

	last := responses[len(responses)-1]
	if last.Success || last.Error == nil || !strings.Contains(last.Error.Message, "cancelled before dispatch") {
		t.Errorf("last response = %+v, want cancelled envelope", last)
	}
	if got := requester.calls.Load(); got >= int32(len(reqs)) {
		t.Errorf("calls = %d, want fewer than %d", got, len(reqs))
	}
}

func TestFetchAll_Empty(t *testing.T) {
	fetcher := NewFetcher(&fakeRequester{}, DefaultConfig(), zerolog.Nop())

	responses, err := fetcher.FetchAll(context.Background(), nil)
	if err != nil || len(responses) != 0 {
		t.Errorf("FetchAll(nil) = %v, %v; want empty, nil", responses, err)
	}
}

func TestFetchAll_Timeout(t *testing.T) {
	requester := &fakeRequester{
		delay: time.Second,
		handle: func(client.Request) client.Response[client.Payload] {
			return ok(`{}`)
		},
	}
	fetcher := NewFetcher(requester, Config{MaxConcurrency: 2, Timeout: 20 * time.Millisecond}, zerolog.Nop())

	start := time.Now()
	if _, err := fetcher.FetchAll(context.Background(), Pages(client.Request{Path: "/slow"}, "page", 1, 2)); err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("FetchAll() took %v, per-request timeout not applied", elapsed)
	}
}

func TestNewFetcher_Defaults(t *testing.T) {
	fetcher := NewFetcher(&fakeRequester{}, Config{}, zerolog.Nop())
	if fetcher.config.MaxConcurrency != 10 {
		t.Errorf("MaxConcurrency = %d, want 10", fetcher.config.MaxConcurrency)
	}
}

func TestPages(t *testing.T) {
	base := client.Request{Method: http.MethodGet, Path: "/orders", Query: map[string][]string{"type": {"buy"}}}

	reqs := Pages(base, "page", 2, 4)
	if len(reqs) != 3 {
		t.Fatalf("len(Pages()) = %d, want 3", len(reqs))
	}
	for i, req := range reqs {
		wantPage := string(rune('2' + i))
		if got := req.Query.Get("page"); got != wantPage {
			t.Errorf("reqs[%d] page = %q, want %q", i, got, wantPage)
		}
		if got := req.Query.Get("type"); got != "buy" {
			t.Errorf("reqs[%d] type = %q, want buy", i, got)
		}
	}
	if base.Query.Get("page") != "" {
		t.Error("Pages() modified the base query")
	}

	if got := Pages(base, "page", 3, 1); got != nil {
		t.Errorf("Pages(3, 1) = %v, want nil", got)
	}
}

func TestFetchAll_WithClient(t *testing.T) {
	server := testutil.NewMockServer()
	defer server.Close()
	server.Script(http.MethodGet, "/orders", testutil.NewOKResponse(`[{"id":1}]`))

	apiClient, err := client.New(client.Config{
		BaseURL: server.URL(),
		Token:   "token",
		Delay:   retry.NoDelay,
	})
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	fetcher := NewFetcher(apiClient, Config{MaxConcurrency: 2}, zerolog.Nop())
	responses, err := fetcher.FetchAll(context.Background(), Pages(client.Request{Path: "/orders"}, "page", 1, 5))
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}

	for i, resp := range responses {
		if !resp.Success {
			t.Errorf("responses[%d] failed: %+v", i, resp.Error)
		}
	}
	if got := server.RequestCountFor(http.MethodGet, "/orders"); got != 5 {
		t.Errorf("server requests = %d, want 5", got)
	}
}
