package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Send before Connect or after Close.
var ErrNotConnected = errors.New("signaling: not connected")

// Client manages the WebSocket connection to the signaling relay
type Client struct {
	url              string
	token            string
	handshakeTimeout time.Duration
	pingInterval     time.Duration

	conn      *websocket.Conn
	mu        sync.Mutex // Guards conn and serialises writes
	logger    *slog.Logger
	msgChan   chan Message
	errChan   chan error
	closeChan chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config holds signaling client configuration
type Config struct {
	URL              string        // Relay WebSocket URL
	Token            string        // Bearer token sent on the upgrade request
	HandshakeTimeout time.Duration // Default 10s
	PingInterval     time.Duration // Default 25s
	Logger           *slog.Logger  // Logger instance
}

// NewClient creates a new signaling client
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		url:              cfg.URL,
		token:            cfg.Token,
		handshakeTimeout: cfg.HandshakeTimeout,
		pingInterval:     cfg.PingInterval,
		logger:           cfg.Logger,
		msgChan:          make(chan Message, 100), // Bounded message queue
		errChan:          make(chan error, 10),
		closeChan:        make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Connect establishes the WebSocket connection and starts message handling
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.handshakeTimeout,
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.logger.Error("failed to connect to signaling relay", "url", c.url, "error", err)
		return err
	}

	// The relay answers our pings; silence for two intervals means it is gone
	readWait := 2 * c.pingInterval
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	c.conn = conn
	c.logger.Info("connected to signaling relay", "url", c.url)

	// Start read/write goroutines
	c.wg.Add(2)
	go c.readLoop(conn, readWait)
	go c.writeLoop(conn)

	return nil
}

// readLoop decodes inbound messages. Invalid messages are logged and dropped.
func (c *Client) readLoop(conn *websocket.Conn, readWait time.Duration) {
	defer c.wg.Done()

	var dropped int64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.logger.Error("signaling read error", "error", err)
				select {
				case c.errChan <- err:
				default:
				}
			}
			c.dropConn(conn)
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		msg, err := Decode(data)
		if err != nil {
			dropped++
			if dropped <= 3 || dropped%100 == 0 {
				c.logger.Warn("dropping invalid signaling message", "error", err, "dropped", dropped)
			}
			continue
		}

		c.logger.Debug("received signaling message", "type", msg.Kind(), "from", msg.Sender())

		select {
		case c.msgChan <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// writeLoop sends keep-alive pings on conn until it is replaced or closed.
func (c *Client) writeLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendPing(conn); err != nil {
				if errors.Is(err, ErrNotConnected) {
					return
				}
				c.logger.Error("failed to send ping", "error", err)
			}
		case <-c.closeChan:
			return
		}
	}
}

func (c *Client) sendPing(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn != conn {
		return ErrNotConnected
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.handshakeTimeout))
}

// dropConn forgets conn after a read failure so Send reports ErrNotConnected.
func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn.Close()
		c.conn = nil
	}
}

// Send encodes and writes a message to the relay
func (c *Client) Send(msg Message) error {
	data, err := Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.handshakeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.logger.Debug("sent signaling message", "type", msg.Kind(), "to", msg.Recipient())
	return nil
}

// Messages returns the channel of validated inbound messages
func (c *Client) Messages() <-chan Message {
	return c.msgChan
}

// Errors returns the channel of connection errors
func (c *Client) Errors() <-chan error {
	return c.errChan
}

// Close closes the connection and waits for the loops to exit
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closeChan)

		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			err = c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()

		c.wg.Wait()
	})
	return err
}

// IsConnected returns whether the relay connection is active
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
