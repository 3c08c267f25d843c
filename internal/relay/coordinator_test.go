// ABOUTME: Tests for the fan-out coordinator
// ABOUTME: Covers resolution failures, lifecycle messages, and dispatch isolation

package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver returns a canned agent list or error.
type fakeResolver struct {
	agents []AgentDescriptor
	err    error
}

func (r fakeResolver) ResolveEnabled(ctx context.Context, uids []string) ([]AgentDescriptor, error) {
	return r.agents, r.err
}

func (f *relayFixture) systemFrames() []*SystemEnvelope {
	var out []*SystemEnvelope
	for _, frame := range f.sender.framesFor("conn-1") {
		if env, ok := frame.payload.(*SystemEnvelope); ok {
			out = append(out, env)
		}
	}
	return out
}

func newTestCoordinator(f *relayFixture, resolver AgentResolver, opts DispatcherOptions) *Coordinator {
	d := newTestDispatcher(f, staticTokens{token: "tok"}, opts)
	return NewCoordinator(resolver, d, f.b, testLogger())
}

func TestCoordinator_ResolutionErrorPublishesSystemError(t *testing.T) {
	f := newRelayFixture(t, "conv-1")
	c := newTestCoordinator(f, fakeResolver{err: errors.New("db gone")}, DispatcherOptions{})

	c.Run(context.Background(), FanOutRequest{ConvID: "conv-1", Message: "hi", AgentUIDs: []string{"a1"}})

	frames := f.systemFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, SystemError, frames[0].MessageType)
	assert.Contains(t, frames[0].Data.Message, "Error processing request")
}

func TestCoordinator_NoEnabledAgentsPublishesSystemError(t *testing.T) {
	f := newRelayFixture(t, "conv-1")
	c := newTestCoordinator(f, fakeResolver{}, DispatcherOptions{})

	c.Run(context.Background(), FanOutRequest{ConvID: "conv-1", Message: "hi", AgentUIDs: []string{"ghost"}})

	frames := f.systemFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, SystemError, frames[0].MessageType)
	assert.Equal(t, "No enabled agents found for the provided UIDs", frames[0].Data.Message)
}

func TestCoordinator_FanOutLifecycle(t *testing.T) {
	f := newRelayFixture(t, "conv-1")
	srv := streamingUpstream(t, []string{
		`data: {"response":"H","delta":"H"}`,
		`data: {"response":"Hi","delta":"i"}`,
		`data: {"response":"Hi","finished":"Stop"}`,
	})

	// The resolver has already excluded the disabled second UID.
	resolver := fakeResolver{agents: []AgentDescriptor{testAgent("a1", "alpha", srv.URL)}}
	c := newTestCoordinator(f, resolver, DispatcherOptions{})

	c.Run(context.Background(), FanOutRequest{
		ConvID:    "conv-1",
		UserID:    "user-1",
		Message:   "hi",
		AgentUIDs: []string{"a1", "a2-disabled"},
	})

	system := f.systemFrames()
	require.Len(t, system, 2)
	assert.Equal(t, SystemStart, system[0].MessageType)
	assert.Equal(t, 1, system[0].Data.AgentCount)
	assert.Equal(t, []string{"alpha"}, system[0].Data.AgentNames)
	assert.Equal(t, SystemComplete, system[1].MessageType)

	payloads := f.agentPayloads("a1")
	require.Len(t, payloads, 4)
	assert.Equal(t, KindStatus, payloads[0].Type)
	assert.Equal(t, "H", payloads[1].Content)
	assert.Equal(t, "H", payloads[1].Accumulated)
	assert.Equal(t, "i", payloads[2].Content)
	assert.Equal(t, "Hi", payloads[2].Accumulated)
	assert.Equal(t, KindComplete, payloads[3].Type)
	assert.Equal(t, "Hi", payloads[3].Content)

	// The lifecycle brackets the agent stream: start arrives before any
	// agent frame, complete after the last.
	all := f.sender.framesFor("conn-1")
	_, first := all[0].payload.(*SystemEnvelope)
	_, last := all[len(all)-1].payload.(*SystemEnvelope)
	assert.True(t, first)
	assert.True(t, last)
}

func TestCoordinator_DispatchIsolation(t *testing.T) {
	f := newRelayFixture(t, "conv-1")

	okSrv := streamingUpstream(t, []string{
		`data: {"response":"fine","finished":"Stop"}`,
	})
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(badSrv.Close)
	slowSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slowSrv.Close)

	slow := testAgent("a-slow", "slow", slowSrv.URL)
	slow.Config.Timeout = 100 * time.Millisecond

	resolver := fakeResolver{agents: []AgentDescriptor{
		testAgent("a-ok", "ok", okSrv.URL),
		testAgent("a-bad", "bad", badSrv.URL),
		slow,
	}}
	c := newTestCoordinator(f, resolver, DispatcherOptions{})

	c.Run(context.Background(), FanOutRequest{ConvID: "conv-1", Message: "hi", AgentUIDs: []string{"a-ok", "a-bad", "a-slow"}})

	okPayloads := f.agentPayloads("a-ok")
	require.Equal(t, 1, terminalCount(okPayloads))
	assert.Equal(t, KindComplete, okPayloads[len(okPayloads)-1].Type)

	for _, uid := range []string{"a-bad", "a-slow"} {
		payloads := f.agentPayloads(uid)
		require.Equal(t, 1, terminalCount(payloads), "agent %s", uid)
		assert.Equal(t, KindError, payloads[len(payloads)-1].Type, "agent %s", uid)
	}

	// Failures never suppress the completion announcement.
	system := f.systemFrames()
	require.Len(t, system, 2)
	assert.Equal(t, SystemComplete, system[1].MessageType)
}

func TestCoordinator_StartRunsInBackground(t *testing.T) {
	f := newRelayFixture(t, "conv-1")
	srv := streamingUpstream(t, []string{
		`data: {"response":"ok","finished":"Stop"}`,
	})

	resolver := fakeResolver{agents: []AgentDescriptor{testAgent("a1", "alpha", srv.URL)}}
	c := newTestCoordinator(f, resolver, DispatcherOptions{})

	c.Start(context.Background(), FanOutRequest{ConvID: "conv-1", Message: "hi", AgentUIDs: []string{"a1"}})

	require.Eventually(t, func() bool {
		system := f.systemFrames()
		return len(system) == 2 && system[1].MessageType == SystemComplete
	}, 2*time.Second, 10*time.Millisecond)
}
