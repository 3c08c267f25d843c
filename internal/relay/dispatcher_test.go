// ABOUTME: Tests for the agent dispatcher
// ABOUTME: Covers streaming, failures, timeouts, retries, and the global concurrency bound

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/registry"
)

// staticTokens signs every credential the same way, or rejects them all.
type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) AuthToken(string) (string, error) {
	return s.token, s.err
}

// relayFixture wires a registry, broadcaster, and recording sender with one
// subscribed connection.
type relayFixture struct {
	registry *registry.Registry
	sender   *recordingSender
	b        *Broadcaster
}

func newRelayFixture(t *testing.T, convID string) *relayFixture {
	t.Helper()
	reg := registry.New(testLogger())
	reg.Join(convID, "user-1", "conn-1", nil)
	sender := newRecordingSender()
	return &relayFixture{
		registry: reg,
		sender:   sender,
		b:        NewBroadcaster(reg, sender, testLogger()),
	}
}

// agentPayloads returns the payloads delivered to conn-1 for one agent, in order.
func (f *relayFixture) agentPayloads(agentUID string) []Payload {
	var out []Payload
	for _, frame := range f.sender.framesFor("conn-1") {
		env, ok := frame.payload.(*AgentEnvelope)
		if ok && env.AgentID == agentUID {
			out = append(out, env.Data)
		}
	}
	return out
}

func terminalCount(payloads []Payload) int {
	n := 0
	for _, p := range payloads {
		if p.Terminal() {
			n++
		}
	}
	return n
}

func testAgent(uid, name, host string) AgentDescriptor {
	return AgentDescriptor{
		UID:        uid,
		Name:       name,
		APIHost:    host,
		Credential: "id.secret",
		Config: AgentConfig{
			ModelID: "jiutian-lan",
			Timeout: 5 * time.Second,
		},
	}
}

func newTestDispatcher(f *relayFixture, tokens TokenSource, opts DispatcherOptions) *Dispatcher {
	if opts.MaxConcurrent == 0 {
		opts.MaxConcurrent = 4
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 5 * time.Second
	}
	return NewDispatcher(f.b, tokens, opts, testLogger())
}

// streamingUpstream serves the given lines as a chunked stream.
func streamingUpstream(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n", line)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDispatcher_SuccessfulStream(t *testing.T) {
	f := newRelayFixture(t, "conv-1")
	srv := streamingUpstream(t, []string{
		`: keep-alive`,
		``,
		`data: {"response":"H","delta":"H"}`,
		`data: {"response":"Hi","delta":"i"}`,
		`data: {"response":"Hi","delta":"[EOS]","Usage":{"total_tokens":7}}`,
	})

	d := newTestDispatcher(f, staticTokens{token: "tok"}, DispatcherOptions{})
	d.Dispatch(context.Background(), testAgent("a1", "alpha", srv.URL), "hi", nil, "conv-1")

	payloads := f.agentPayloads("a1")
	require.Len(t, payloads, 4)

	assert.Equal(t, KindStatus, payloads[0].Type)
	assert.Contains(t, payloads[0].Content, "alpha")

	assert.Equal(t, KindDelta, payloads[1].Type)
	assert.Equal(t, "H", payloads[1].Content)
	assert.Equal(t, "H", payloads[1].Accumulated)

	assert.Equal(t, KindDelta, payloads[2].Type)
	assert.Equal(t, "i", payloads[2].Content)
	assert.Equal(t, "Hi", payloads[2].Accumulated)

	assert.Equal(t, KindComplete, payloads[3].Type)
	assert.Equal(t, "Hi", payloads[3].Content)
	assert.True(t, payloads[3].Finished)
	assert.JSONEq(t, `{"total_tokens":7}`, string(payloads[3].Usage))

	assert.Equal(t, 1, terminalCount(payloads))
}

func TestDispatcher_StopsReadingAfterCompletion(t *testing.T) {
	f := newRelayFixture(t, "conv-1")
	srv := streamingUpstream(t, []string{
		`data: {"response":"done","finished":"Stop"}`,
		`data: {"response":"ignored","delta":"x"}`,
	})

	d := newTestDispatcher(f, staticTokens{token: "tok"}, DispatcherOptions{})
	d.Dispatch(context.Background(), testAgent("a1", "alpha", srv.URL), "hi", nil, "conv-1")

	payloads := f.agentPayloads("a1")
	// status + complete, nothing after the terminal
	require.Len(t, payloads, 2)
	assert.Equal(t, KindComplete, payloads[1].Type)
	assert.Equal(t, "done", payloads[1].Content)
}

func TestDispatcher_UpstreamRequestBody(t *testing.T) {
	f := newRelayFixture(t, "conv-1")

	var gotBody map[string]any
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &gotBody))
		fmt.Fprintln(w, `data: {"response":"ok","finished":"Stop"}`)
	}))
	t.Cleanup(srv.Close)

	agent := testAgent("a1", "alpha", srv.URL+"/") // trailing slash is trimmed
	agent.Config.KLAssistID = "assist-9"
	agent.Config.Params = map[string]any{"temperature": 0.1}

	d := newTestDispatcher(f, staticTokens{token: "tok"}, DispatcherOptions{})
	d.Dispatch(context.Background(), agent, "hello", [][2]string{{"q", "a"}}, "conv-1")

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "jiutian-lan", gotBody["modelId"])
	assert.Equal(t, "hello", gotBody["prompt"])
	assert.Equal(t, true, gotBody["stream"])
	assert.Equal(t, "assist-9", gotBody["klAssistId"])
	assert.Equal(t, []any{[]any{"q", "a"}}, gotBody["history"])
}

func TestDispatcher_NonOKStatusEmitsSingleError(t *testing.T) {
	f := newRelayFixture(t, "conv-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	d := newTestDispatcher(f, staticTokens{token: "tok"}, DispatcherOptions{})
	d.Dispatch(context.Background(), testAgent("a1", "alpha", srv.URL), "hi", nil, "conv-1")

	payloads := f.agentPayloads("a1")
	require.Len(t, payloads, 2)
	assert.Equal(t, KindError, payloads[1].Type)
	assert.Contains(t, payloads[1].Content, "502")
	assert.True(t, payloads[1].Finished)
}

func TestDispatcher_TimeoutEmitsSingleError(t *testing.T) {
	f := newRelayFixture(t, "conv-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	agent := testAgent("a1", "alpha", srv.URL)
	agent.Config.Timeout = 50 * time.Millisecond

	d := newTestDispatcher(f, staticTokens{token: "tok"}, DispatcherOptions{})
	d.Dispatch(context.Background(), agent, "hi", nil, "conv-1")

	payloads := f.agentPayloads("a1")
	require.NotEmpty(t, payloads)
	last := payloads[len(payloads)-1]
	assert.Equal(t, KindError, last.Type)
	assert.Contains(t, last.Content, "timeout")
	assert.Equal(t, 1, terminalCount(payloads))
}

func TestDispatcher_MalformedCredentialFailsBeforeCall(t *testing.T) {
	f := newRelayFixture(t, "conv-1")

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	t.Cleanup(srv.Close)

	d := newTestDispatcher(f, staticTokens{err: errors.New("invalid apikey format")}, DispatcherOptions{})
	d.Dispatch(context.Background(), testAgent("a1", "alpha", srv.URL), "hi", nil, "conv-1")

	payloads := f.agentPayloads("a1")
	require.Len(t, payloads, 1)
	assert.Equal(t, KindError, payloads[0].Type)
	assert.Contains(t, payloads[0].Content, "alpha")
	assert.Equal(t, int32(0), calls.Load(), "no upstream call should be made")
}

func TestDispatcher_StreamEndsWithoutCompletion(t *testing.T) {
	f := newRelayFixture(t, "conv-1")
	srv := streamingUpstream(t, []string{
		`data: {"response":"part","delta":"part"}`,
	})

	d := newTestDispatcher(f, staticTokens{token: "tok"}, DispatcherOptions{})
	d.Dispatch(context.Background(), testAgent("a1", "alpha", srv.URL), "hi", nil, "conv-1")

	payloads := f.agentPayloads("a1")
	last := payloads[len(payloads)-1]
	assert.Equal(t, KindError, last.Type)
	assert.Equal(t, 1, terminalCount(payloads))
}

// failFirstTransport fails the first N round trips with a transport error.
type failFirstTransport struct {
	failures atomic.Int32
	limit    int32
	inner    http.RoundTripper
}

func (t *failFirstTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.failures.Add(1) <= t.limit {
		return nil, errors.New("connection refused")
	}
	return t.inner.RoundTrip(req)
}

func TestDispatcher_RetriesTransportFailures(t *testing.T) {
	f := newRelayFixture(t, "conv-1")
	srv := streamingUpstream(t, []string{
		`data: {"response":"ok","finished":"Stop"}`,
	})

	transport := &failFirstTransport{limit: 1, inner: http.DefaultTransport}
	d := newTestDispatcher(f, staticTokens{token: "tok"}, DispatcherOptions{
		Client: &http.Client{Transport: transport},
	})

	agent := testAgent("a1", "alpha", srv.URL)
	agent.Config.MaxRetries = 1
	d.Dispatch(context.Background(), agent, "hi", nil, "conv-1")

	payloads := f.agentPayloads("a1")
	last := payloads[len(payloads)-1]
	assert.Equal(t, KindComplete, last.Type)
}

func TestDispatcher_RetryBudgetExhausted(t *testing.T) {
	f := newRelayFixture(t, "conv-1")

	transport := &failFirstTransport{limit: 100, inner: http.DefaultTransport}
	d := newTestDispatcher(f, staticTokens{token: "tok"}, DispatcherOptions{
		Client: &http.Client{Transport: transport},
	})

	agent := testAgent("a1", "alpha", "http://upstream.invalid")
	agent.Config.MaxRetries = 1
	d.Dispatch(context.Background(), agent, "hi", nil, "conv-1")

	payloads := f.agentPayloads("a1")
	last := payloads[len(payloads)-1]
	assert.Equal(t, KindError, last.Type)
	assert.Equal(t, int32(2), transport.failures.Load(), "one attempt plus one retry")
}

func TestDispatcher_ConcurrencyBound(t *testing.T) {
	const capacity = 2
	const dispatches = 6

	f := newRelayFixture(t, "conv-1")

	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		inFlight.Add(-1)
		fmt.Fprintln(w, `data: {"response":"ok","finished":"Stop"}`)
	}))
	t.Cleanup(srv.Close)

	d := newTestDispatcher(f, staticTokens{token: "tok"}, DispatcherOptions{MaxConcurrent: capacity})

	var wg sync.WaitGroup
	for i := 0; i < dispatches; i++ {
		agent := testAgent(fmt.Sprintf("a%d", i), fmt.Sprintf("agent-%d", i), srv.URL)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), agent, "hi", nil, "conv-1")
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(capacity),
		"no more than %d upstream calls may be in flight", capacity)

	// Every dispatch still completed with one terminal each
	for i := 0; i < dispatches; i++ {
		payloads := f.agentPayloads(fmt.Sprintf("a%d", i))
		assert.Equal(t, 1, terminalCount(payloads), "agent a%d", i)
	}
}
