package worker

import (
	"context"
	"errors"
	"fmt"
	"github.com/gorilla/websocket"
	"go.dedis.ch/onet/v3/log"
	"lattigo-worker/service/messages"
	"net/http"
	"sync"
	"time"
)

// Transport carries whole protocol messages in both directions.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	// Receive blocks until a message arrives, the connection drops or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
	// Done is closed once the connection is gone.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens a Transport to server, authenticated with apiKey.
type Dialer func(ctx context.Context, server, apiKey string) (Transport, error)

const closeGracePeriod = time.Second

type websocketTransport struct {
	conn *websocket.Conn

	writeLock sync.Mutex

	incoming chan []byte
	done     chan struct{}
	doneOnce sync.Once

	errLock sync.Mutex
	err     error
}

// DialWebsocket connects to a websocket endpoint, sending the key in the Authorization header.
func DialWebsocket(ctx context.Context, server, apiKey string) (Transport, error) {
	header := http.Header{}
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, server, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %v (status %s)", messages.ErrConnection, server, err, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", messages.ErrConnection, server, err)
	}

	t := &websocketTransport{
		conn:     conn,
		incoming: make(chan []byte),
		done:     make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *websocketTransport) readLoop() {
	defer t.markDone()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Lvl2("Connection closed by peer")
			}
			t.errLock.Lock()
			t.err = err
			t.errLock.Unlock()
			return
		}
		select {
		case t.incoming <- data:
		case <-t.done:
			return
		}
	}
}

func (t *websocketTransport) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *websocketTransport) Send(ctx context.Context, data []byte) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()

	select {
	case <-t.done:
		return fmt.Errorf("%w: connection is closed", messages.ErrConnection)
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("%w: %v", messages.ErrConnection, err)
		}
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", messages.ErrConnection, err)
	}
	return nil
}

func (t *websocketTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.incoming:
		return data, nil
	case <-t.done:
		t.errLock.Lock()
		defer t.errLock.Unlock()
		if t.err != nil {
			return nil, fmt.Errorf("%w: read: %v", messages.ErrConnection, t.err)
		}
		return nil, fmt.Errorf("%w: connection is closed", messages.ErrConnection)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *websocketTransport) Done() <-chan struct{} {
	return t.done
}

// Close sends a close frame and drops the connection without waiting for the peer.
func (t *websocketTransport) Close() error {
	t.writeLock.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	t.writeLock.Unlock()

	t.markDone()
	if cerr := t.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		log.Lvl3("Closing connection:", err)
	}
	return nil
}
