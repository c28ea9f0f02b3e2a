package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

const connectRetryInterval = 100 * time.Millisecond

// Client is a single-connection IPC client. One background reader owns
// the connection's read side and routes responses and events; commands
// and event consumption may run on different goroutines.
type Client struct {
	path string

	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	events chan Message
	resps  chan Response
	done   chan struct{}

	errMu   sync.Mutex
	readErr error
}

// NewClient builds a client for the given socket path. An empty path
// selects the default endpoint.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// Connect retries dialing the endpoint until it accepts or the timeout
// elapses. Idempotent when already connected.
func (c *Client) Connect(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("unix", c.path, connectRetryInterval)
		if err == nil {
			c.attach(conn)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrConnectTimeout, c.path, timeout)
		}
		time.Sleep(connectRetryInterval)
	}
}

func (c *Client) attach(conn net.Conn) {
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.events = make(chan Message, 256)
	c.resps = make(chan Response, 1)
	c.done = make(chan struct{})
	c.setReadErr(nil)
	go c.readLoop(conn, c.events, c.resps, c.done)
}

// readLoop is the sole reader of the connection. It classifies inbound
// messages by the presence of a "type" key and routes them.
func (c *Client) readLoop(conn net.Conn, events chan Message, resps chan Response, done chan struct{}) {
	dec := json.NewDecoder(conn)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			c.setReadErr(err)
			close(done)
			return
		}
		if msg.IsEvent() {
			select {
			case events <- msg:
			default:
				// Slow consumer; drop rather than stall the reader.
			}
			continue
		}
		select {
		case resps <- Response(msg):
		default:
		}
	}
}

func (c *Client) setReadErr(err error) {
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
}

func (c *Client) getReadErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Connected reports whether the client holds a live connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Disconnect closes the connection. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// SendCommand writes one command and blocks for exactly one response.
func (c *Client) SendCommand(command string, args map[string]any) (Response, error) {
	c.mu.Lock()
	conn, enc, resps, done := c.conn, c.enc, c.resps, c.done
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	// Discard any stale response left by a previous aborted exchange.
	select {
	case <-resps:
	default:
	}

	msg := map[string]any{"command": command}
	for k, v := range args {
		msg[k] = v
	}
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("%w: send command: %v", ErrCommunication, err)
	}

	select {
	case resp := <-resps:
		if _, ok := resp["status"]; !ok {
			return nil, fmt.Errorf("%w: malformed response", ErrCommunication)
		}
		return resp, nil
	case <-done:
		return nil, fmt.Errorf("%w: connection closed: %v", ErrCommunication, c.getReadErr())
	}
}

// ReceiveMessage returns the next inbound event, or nil when none arrives
// within the timeout. A severed connection is an error.
func (c *Client) ReceiveMessage(timeout time.Duration) (Message, error) {
	c.mu.Lock()
	events, done := c.events, c.done
	c.mu.Unlock()
	if events == nil {
		return nil, ErrNotConnected
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-events:
		return msg, nil
	case <-done:
		// Drain anything routed before the connection dropped.
		select {
		case msg := <-events:
			return msg, nil
		default:
		}
		return nil, fmt.Errorf("%w: connection closed: %v", ErrCommunication, c.getReadErr())
	case <-timer.C:
		return nil, nil
	}
}

// IsServiceRunning reports whether the endpoint artifact exists. It does
// not guarantee the service is responsive.
func (c *Client) IsServiceRunning() bool {
	_, err := os.Stat(c.path)
	return err == nil
}

// SocketPath returns the endpoint this client targets.
func (c *Client) SocketPath() string {
	return c.path
}
