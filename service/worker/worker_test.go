package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/onet/v3/log"
	"lattigo-worker/service/capability/capmock"
	"lattigo-worker/service/messages"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testKey     = "secret"
	testTimeout = 5 * time.Second
	testReward  = 20 * time.Millisecond

	addSchema = `{"schemeType":"BGV","operations":[
		{"type":"ADD","operands":[{"type":"array","field":"a"},{"type":"array","field":"b"}],"resultType":"array"}]}`
)

type testServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testKey {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// peer is the server side of one worker connection.
type peer struct {
	conn *websocket.Conn
	in   chan []byte
}

type wireMessage struct {
	Type string              `json:"type"`
	Data messages.ResultData `json:"data"`
}

func (ts *testServer) accept(t *testing.T) *peer {
	select {
	case conn := <-ts.conns:
		p := &peer{conn: conn, in: make(chan []byte, 16)}
		go func() {
			defer close(p.in)
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				p.in <- data
			}
		}()
		t.Cleanup(func() { conn.Close() })
		return p
	case <-time.After(testTimeout):
		t.Fatal("worker did not connect")
		return nil
	}
}

func (p *peer) next(t *testing.T) wireMessage {
	select {
	case data, ok := <-p.in:
		if !ok {
			t.Fatal("connection closed")
		}
		msg := wireMessage{}
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(testTimeout):
		t.Fatal("no message from worker")
	}
	return wireMessage{}
}

func (p *peer) expectSilence(t *testing.T, d time.Duration) {
	select {
	case data, ok := <-p.in:
		if ok {
			t.Fatal("unexpected message:", string(data))
		}
		t.Fatal("connection closed")
	case <-time.After(d):
	}
}

func (p *peer) expectClosed(t *testing.T) {
	deadline := time.After(testTimeout)
	for {
		select {
		case _, ok := <-p.in:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("connection was not closed")
		}
	}
}

// first returns the first message of the peer, or nil when the connection closed before any.
func (p *peer) first(t *testing.T) []byte {
	select {
	case data := <-p.in:
		return data
	case <-time.After(testTimeout):
		t.Fatal("no message from worker")
	}
	return nil
}

func (p *peer) send(t *testing.T, data []byte) {
	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, data))
}

func assignment(t *testing.T, schema string, token string) []byte {
	columns, err := json.Marshal(map[string]string{
		"a": capmock.EncryptValues([]float64{5}),
		"b": capmock.EncryptValues([]float64{3}),
	})
	require.NoError(t, err)

	data, err := json.Marshal(map[string]interface{}{
		"payload": map[string]interface{}{
			"id":         "asg-1",
			"jsonSchema": schema,
			"chunk": map[string]interface{}{
				"id":          "chunk-7",
				"length":      1,
				"columnsData": string(columns),
			},
			"publicKey": base64.StdEncoding.EncodeToString([]byte("pk")),
			"relinKeys": base64.StdEncoding.EncodeToString([]byte("rlk")),
		},
		"token": token,
	})
	require.NoError(t, err)
	return data
}

func startWorker(t *testing.T, ts *testServer, backend *capmock.Backend) *Worker {
	w := NewWorker(backend, Config{Server: ts.url(), APIKey: testKey, RewardInterval: testReward})
	require.Equal(t, Disconnected, w.State())
	require.NoError(t, w.Init(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

func waitForState(t *testing.T, w *Worker, state State) {
	deadline := time.Now().Add(testTimeout)
	for w.State() != state {
		if time.Now().After(deadline) {
			t.Fatalf("worker is %v, want %v", w.State(), state)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRequestProcessSubmit(t *testing.T) {
	log.SetDebugVisible(1)
	ts := newTestServer(t)
	backend := capmock.NewBackend()
	w := startWorker(t, ts, backend)
	p := ts.accept(t)

	require.Equal(t, messages.MsgRequestChunk, p.next(t).Type)

	// At most one request in flight.
	p.expectSilence(t, 10*testReward)
	require.Equal(t, Requesting, w.State())

	p.send(t, assignment(t, addSchema, "tok-1"))
	msg := p.next(t)
	require.Equal(t, messages.MsgSendChunkProcessingResult, msg.Type)
	require.Equal(t, "chunk-7", msg.Data.ChunkID.String())
	require.JSONEq(t, `"tok-1"`, string(msg.Data.Token))
	values, err := capmock.DecryptValues(msg.Data.Result)
	require.NoError(t, err)
	require.Equal(t, 8.0, values[0])

	require.Equal(t, messages.MsgRequestChunk, p.next(t).Type)

	stats := w.Stats()
	require.Equal(t, uint64(2), stats.Requested)
	require.Equal(t, uint64(1), stats.Processed)
	require.Equal(t, uint64(1), stats.Submitted)
	require.Equal(t, uint64(0), stats.Failed)

	timing, err := w.Timing()
	require.NoError(t, err)
	require.Equal(t, 1, timing.Count)
	require.True(t, timing.Mean > 0)

	c := backend.Last()
	require.Equal(t, c.Allocated, c.Released)
	require.True(t, c.Closed)
}

func TestFailedChunkIsNotSubmitted(t *testing.T) {
	ts := newTestServer(t)
	backend := capmock.NewBackend()
	w := startWorker(t, ts, backend)
	p := ts.accept(t)

	require.Equal(t, messages.MsgRequestChunk, p.next(t).Type)
	p.send(t, assignment(t, `{"schemeType":"BGV","operations":[
		{"type":"ADD","operands":[{"field":"a"},{"field":"missing"}]}]}`, "tok-1"))

	// The next message is a new request, not a result.
	require.Equal(t, messages.MsgRequestChunk, p.next(t).Type)
	require.Equal(t, uint64(1), w.Stats().Failed)
	require.Equal(t, uint64(0), w.Stats().Submitted)

	c := backend.Last()
	require.Equal(t, c.Allocated, c.Released)

	// A malformed frame is rejected without a new request; the pending one still stands.
	p.send(t, []byte(`{"payload":{"id":"x"}}`))
	p.expectSilence(t, 10*testReward)
	stats := w.Stats()
	require.Equal(t, uint64(1), stats.Rejected)
	require.Equal(t, uint64(1), stats.Failed)
	require.Equal(t, uint64(2), stats.Requested)
	require.Equal(t, Requesting, w.State())

	// And the loop still serves a valid chunk afterwards.
	p.send(t, assignment(t, addSchema, "tok-2"))
	msg := p.next(t)
	require.Equal(t, messages.MsgSendChunkProcessingResult, msg.Type)
	require.JSONEq(t, `"tok-2"`, string(msg.Data.Token))
}

func TestAuthenticationFailure(t *testing.T) {
	ts := newTestServer(t)
	w := NewWorker(capmock.NewBackend(), Config{Server: ts.url(), APIKey: "wrong"})
	err := w.Init(context.Background())
	require.True(t, errors.Is(err, messages.ErrConnection), err)
	require.Equal(t, Disconnected, w.State())
	require.True(t, errors.Is(w.Wait(), messages.ErrConnection))
}

func TestServerClose(t *testing.T) {
	ts := newTestServer(t)
	w := startWorker(t, ts, capmock.NewBackend())
	p := ts.accept(t)
	require.Equal(t, messages.MsgRequestChunk, p.next(t).Type)

	require.NoError(t, p.conn.Close())

	err := w.Wait()
	require.True(t, errors.Is(err, messages.ErrConnection), err)
	require.Equal(t, Disconnected, w.State())

	// No automatic reconnection.
	select {
	case <-ts.conns:
		t.Fatal("worker reconnected on its own")
	case <-time.After(10 * testReward):
	}
}

func TestReinitTearsDownConnection(t *testing.T) {
	ts := newTestServer(t)
	w := startWorker(t, ts, capmock.NewBackend())
	first := ts.accept(t)
	require.Equal(t, messages.MsgRequestChunk, first.next(t).Type)

	require.NoError(t, w.Init(context.Background()))
	first.expectClosed(t)

	second := ts.accept(t)
	require.Equal(t, messages.MsgRequestChunk, second.next(t).Type)
	second.send(t, assignment(t, addSchema, "tok-3"))
	require.Equal(t, messages.MsgSendChunkProcessingResult, second.next(t).Type)
}

func TestStop(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(capmock.NewBackend(), Config{Server: ts.url(), APIKey: testKey, RewardInterval: testReward})
	require.NoError(t, w.Init(ctx))
	p := ts.accept(t)
	require.Equal(t, messages.MsgRequestChunk, p.next(t).Type)
	waitForState(t, w, Requesting)

	cancel()
	require.NoError(t, w.Wait())
	require.Equal(t, Disconnected, w.State())
	p.expectClosed(t)
}

func TestSummarize(t *testing.T) {
	timing, err := summarize(nil)
	require.NoError(t, err)
	require.Equal(t, 0, timing.Count)

	durations := make([]float64, 100)
	for i := range durations {
		durations[i] = float64(i + 1)
	}
	timing, err = summarize(durations)
	require.NoError(t, err)
	require.Equal(t, 100, timing.Count)
	require.InDelta(t, 50.5, timing.Mean, 1e-9)
	require.InDelta(t, 50.5, timing.Median, 1e-9)
	require.True(t, timing.P95 >= 95 && timing.P95 <= 96, timing.P95)
}

func TestStateNames(t *testing.T) {
	names := map[State]string{
		Disconnected: "DISCONNECTED",
		Connecting:   "CONNECTING",
		Idle:         "IDLE",
		Requesting:   "REQUESTING",
		Processing:   "PROCESSING",
		Submitting:   "SUBMITTING",
	}
	for s, name := range names {
		require.Equal(t, name, s.String())
	}
	require.Equal(t, "State(42)", State(42).String())
}

// blockingDial holds the first dial until release is closed. The dial itself ignores cancellation, so
// the connection is established even when the worker gave up on it.
func blockingDial(dialing chan<- struct{}, release <-chan struct{}) Dialer {
	var calls int32
	return func(ctx context.Context, server, apiKey string) (Transport, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(dialing)
			<-release
		}
		return DialWebsocket(context.Background(), server, apiKey)
	}
}

func TestStopWhileDialing(t *testing.T) {
	ts := newTestServer(t)
	dialing, release := make(chan struct{}), make(chan struct{})
	w := NewWorker(capmock.NewBackend(), Config{Server: ts.url(), APIKey: testKey, RewardInterval: testReward,
		Dial: blockingDial(dialing, release)})

	initErr := make(chan error, 1)
	go func() { initErr <- w.Init(context.Background()) }()
	<-dialing
	require.Equal(t, Connecting, w.State())

	w.Stop()
	close(release)
	require.NoError(t, <-initErr)
	require.NoError(t, w.Wait())
	require.Equal(t, Disconnected, w.State())

	// The late connection is closed without being used.
	p := ts.accept(t)
	require.Nil(t, p.first(t))
	require.Equal(t, uint64(0), w.Stats().Requested)
}

func TestReinitWhileDialing(t *testing.T) {
	ts := newTestServer(t)
	dialing, release := make(chan struct{}), make(chan struct{})
	w := NewWorker(capmock.NewBackend(), Config{Server: ts.url(), APIKey: testKey, RewardInterval: testReward,
		Dial: blockingDial(dialing, release)})
	t.Cleanup(w.Stop)

	first := make(chan error, 1)
	go func() { first <- w.Init(context.Background()) }()
	<-dialing

	second := make(chan error, 1)
	go func() { second <- w.Init(context.Background()) }()
	// The second Init stops the pending connection before queueing behind the first.
	waitForState(t, w, Disconnected)
	close(release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	// Exactly one of the two connections runs the loop.
	var live *peer
	for _, p := range []*peer{ts.accept(t), ts.accept(t)} {
		data := p.first(t)
		if data == nil {
			continue
		}
		require.Nil(t, live, "both connections are running")
		msg := wireMessage{}
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, messages.MsgRequestChunk, msg.Type)
		live = p
	}
	require.NotNil(t, live, "no connection is running")

	live.send(t, assignment(t, addSchema, "tok-4"))
	require.Equal(t, messages.MsgSendChunkProcessingResult, live.next(t).Type)
}

func TestPanicIsAChunkFailure(t *testing.T) {
	backend := capmock.NewBackend()
	backend.PanicOn = "Add"

	work, err := messages.DecodeAssignment(assignment(t, addSchema, "tok-1"))
	require.NoError(t, err)
	_, err = NewWorker(backend, Config{}).evaluate(work)
	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")

	ts := newTestServer(t)
	w := startWorker(t, ts, backend)
	p := ts.accept(t)
	require.Equal(t, messages.MsgRequestChunk, p.next(t).Type)
	p.send(t, assignment(t, addSchema, "tok-1"))

	// The loop survives and asks for the next chunk.
	require.Equal(t, messages.MsgRequestChunk, p.next(t).Type)
	stats := w.Stats()
	require.Equal(t, uint64(1), stats.Failed)
	require.Equal(t, uint64(0), stats.Processed)
	require.Equal(t, uint64(0), stats.Submitted)

	for i, c := range backend.Contexts() {
		require.Equal(t, c.Allocated, c.Released, "context %d", i)
		require.True(t, c.Closed, "context %d", i)
	}
}
