// Package worker runs the protocol loop of a compute worker: request a chunk, evaluate it, submit the
// result, wait, and start over.
//
// A Worker is an explicitly constructed object owning its backend and its connection; several workers
// can run in one process. At most one chunk is in flight per worker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/sync/errgroup"
	"lattigo-worker/service/capability"
	"lattigo-worker/service/messages"
	"lattigo-worker/service/pipeline"
	"sync"
	"time"
)

// RewardInterval is the wait between the end of a chunk and the next request.
const RewardInterval = 10 * time.Second

// Config holds the connection settings of a Worker.
type Config struct {
	// Server is the websocket URL of the server.
	Server string
	APIKey string

	// RewardInterval overrides the package constant when non-zero.
	RewardInterval time.Duration
	// Dial overrides DialWebsocket.
	Dial Dialer
}

// Worker requests chunks from one server and evaluates them with its backend.
type Worker struct {
	id        messages.WorkerID
	config    Config
	evaluator *pipeline.Evaluator

	// initMutex serializes Init; mutex guards the fields below it.
	initMutex sync.Mutex
	mutex     sync.Mutex
	current   *session
	stats     Stats
	durations []float64
}

// session is one connection and the loop running on it.
type session struct {
	worker    *Worker
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{}

	mutex  sync.Mutex
	state  State
	err    error
	closed bool
}

// NewWorker returns a disconnected worker with a fresh identifier. Zero fields of config take their defaults.
func NewWorker(backend capability.Backend, config Config) *Worker {
	if config.RewardInterval == 0 {
		config.RewardInterval = RewardInterval
	}
	if config.Dial == nil {
		config.Dial = DialWebsocket
	}
	return &Worker{
		id:        messages.NewWorkerID(),
		config:    config,
		evaluator: pipeline.NewEvaluator(backend),
	}
}

func (w *Worker) ID() messages.WorkerID {
	return w.id
}

// State returns the state of the current connection, Disconnected when there is none.
func (w *Worker) State() State {
	w.mutex.Lock()
	s := w.current
	w.mutex.Unlock()
	if s == nil {
		return Disconnected
	}
	return s.getState()
}

// Stats returns a snapshot of the counters.
func (w *Worker) Stats() Stats {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.stats
}

// Timing summarizes how long the last processed chunks took to evaluate.
func (w *Worker) Timing() (Timing, error) {
	w.mutex.Lock()
	durations := append([]float64(nil), w.durations...)
	w.mutex.Unlock()
	return summarize(durations)
}

func (w *Worker) record(d time.Duration) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if len(w.durations) == maxTimings {
		w.durations = w.durations[1:]
	}
	w.durations = append(w.durations, d.Seconds())
}

func (w *Worker) count(f func(*Stats)) {
	w.mutex.Lock()
	f(&w.stats)
	w.mutex.Unlock()
}

// Init connects to the server and starts the loop in the background. An active connection is torn down
// first, abandoning its in-flight chunk. Calls are serialized, and a connection still being dialed when
// Stop or another Init is called is closed unused. The loop stops when ctx is done, on Stop, or on a
// connection error.
func (w *Worker) Init(ctx context.Context) error {
	// Abort a dial in progress in a concurrent Init, then wait for it to return.
	w.Stop()
	w.initMutex.Lock()
	defer w.initMutex.Unlock()
	w.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	s := &session{worker: w, cancel: cancel, done: make(chan struct{}), state: Connecting}
	w.mutex.Lock()
	w.current = s
	w.mutex.Unlock()

	log.Lvl2(w.id, ": connecting to", w.config.Server)
	transport, err := w.config.Dial(runCtx, w.config.Server, w.config.APIKey)

	s.mutex.Lock()
	closed := s.closed
	if err == nil && !closed {
		s.transport = transport
	}
	s.mutex.Unlock()

	if closed {
		// Stopped while dialing.
		if err == nil {
			transport.Close()
		}
		cancel()
		log.Lvl2(w.id, ": stopped while connecting")
		s.finish(nil)
		return nil
	}
	if err != nil {
		cancel()
		if !errors.Is(err, messages.ErrConnection) {
			err = fmt.Errorf("%w: %v", messages.ErrConnection, err)
		}
		s.finish(err)
		return err
	}
	log.Lvl1(w.id, ": connected to", w.config.Server)

	go s.run(runCtx)
	return nil
}

// Wait blocks until the current loop ends and returns why: nil when it was stopped, an error wrapping
// messages.ErrConnection when the connection failed.
func (w *Worker) Wait() error {
	w.mutex.Lock()
	s := w.current
	w.mutex.Unlock()
	if s == nil {
		return nil
	}
	<-s.done
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.err
}

// Run is Init followed by Wait.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Init(ctx); err != nil {
		return err
	}
	return w.Wait()
}

// Stop tears down the current connection without waiting for the loop to notice.
func (w *Worker) Stop() {
	w.mutex.Lock()
	s := w.current
	w.mutex.Unlock()
	if s == nil {
		return
	}

	s.mutex.Lock()
	s.closed = true
	s.state = Disconnected
	cancel, transport := s.cancel, s.transport
	s.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		transport.Close()
	}
}

func (s *session) getState() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *session) setState(state State) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.closed {
		s.state = state
	}
}

func (s *session) finish(err error) {
	s.mutex.Lock()
	s.closed = true
	s.state = Disconnected
	s.err = err
	s.mutex.Unlock()
	close(s.done)
}

func (s *session) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return s.transport.Close()
	})

	err := g.Wait()
	if errors.Is(err, errStopped) {
		err = nil
	}
	if err != nil {
		log.Error(s.worker.id, ": disconnected:", err)
	} else {
		log.Lvl1(s.worker.id, ": stopped")
	}
	s.finish(err)
}

// errStopped ends the loop without reporting an error.
var errStopped = errors.New("stopped")

func (s *session) loop(ctx context.Context) error {
	w := s.worker
	for {
		if err := s.request(ctx); err != nil {
			return s.stopped(ctx, err)
		}

		work, err := s.receive(ctx)
		if err != nil {
			return s.stopped(ctx, err)
		}

		s.setState(Processing)
		if err := s.process(ctx, work); err != nil {
			return s.stopped(ctx, err)
		}

		s.setState(Idle)
		select {
		case <-time.After(w.config.RewardInterval):
		case <-s.transport.Done():
			return fmt.Errorf("%w: connection closed while idle", messages.ErrConnection)
		case <-ctx.Done():
			return errStopped
		}
	}
}

func (s *session) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errStopped
	}
	return err
}

func (s *session) request(ctx context.Context) error {
	s.setState(Requesting)
	req, err := messages.EncodeRequestChunk()
	if err != nil {
		return err
	}
	s.worker.count(func(st *Stats) { st.Requested++ })
	if err := s.transport.Send(ctx, req); err != nil {
		return err
	}
	log.Lvl3(s.worker.id, ": requested a chunk")
	return nil
}

// receive waits for the next valid assignment. A frame that does not decode is rejected and the wait goes
// on, since the request it answers is still pending.
func (s *session) receive(ctx context.Context) (*messages.Work, error) {
	w := s.worker
	for {
		data, err := s.transport.Receive(ctx)
		if err != nil {
			return nil, err
		}
		work, err := messages.DecodeAssignment(data)
		if err == nil {
			return work, nil
		}
		log.Error(w.id, ": rejecting frame:", err)
		w.count(func(st *Stats) { st.Rejected++ })
	}
}

// process evaluates one assignment and submits its result. Chunk failures are logged and dropped; only
// transport errors are returned.
func (s *session) process(ctx context.Context, work *messages.Work) error {
	w := s.worker

	log.Lvl1(w.id, ": processing chunk", work.Chunk.ID, "of length", work.Chunk.Length)

	start := time.Now()
	result, err := w.evaluate(work)
	s.setState(Submitting)
	if err != nil {
		log.Error(w.id, ": chunk", work.Chunk.ID, "failed:", err)
		w.count(func(st *Stats) { st.Failed++ })
		return nil
	}
	w.count(func(st *Stats) { st.Processed++ })
	w.record(time.Since(start))

	frame, err := messages.EncodeResult(work.Chunk.ID, result, work.Token)
	if err != nil {
		log.Error(w.id, ": could not encode result:", err)
		return nil
	}
	if err := s.transport.Send(ctx, frame); err != nil {
		return err
	}
	w.count(func(st *Stats) { st.Submitted++ })
	log.Lvl1(w.id, ": submitted chunk", work.Chunk.ID, "in", time.Since(start))

	return nil
}

// evaluate runs the pipeline, turning a panic into a chunk failure. Handles are released either way.
func (w *Worker) evaluate(work *messages.Work) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("evaluation panicked: %v", r)
		}
	}()
	return w.evaluator.Evaluate(work)
}
