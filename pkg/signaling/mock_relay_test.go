package signaling

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockRelay simulates the signaling relay for testing
type mockRelay struct {
	server   *httptest.Server
	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
	received [][]byte
	authz    []string
}

func startMockRelay(t *testing.T) *mockRelay {
	t.Helper()
	m := &mockRelay{clients: make(map[*websocket.Conn]bool)}
	m.server = httptest.NewServer(http.HandlerFunc(m.handleWebSocket))
	t.Cleanup(m.Close)
	return m
}

// URL returns the WebSocket URL for this mock server
func (m *mockRelay) URL() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockRelay) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.clients[conn] = true
	m.authz = append(m.authz, r.Header.Get("Authorization"))
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.clients, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.received = append(m.received, data)
		m.mu.Unlock()
	}
}

// Push writes a raw frame to every connected client
func (m *mockRelay) Push(t *testing.T, raw string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		if err := c.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
}

// DropClients closes every server-side connection
func (m *mockRelay) DropClients() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		c.Close()
	}
}

// WaitForConnections waits for n clients to connect (with timeout)
func (m *mockRelay) WaitForConnections(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		count := len(m.clients)
		m.mu.Unlock()

		if count >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %d connections, got %d", n, count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitForMessages waits until n frames have been received
func (m *mockRelay) WaitForMessages(n int, timeout time.Duration) ([][]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		got := append([][]byte(nil), m.received...)
		m.mu.Unlock()

		if len(got) >= n {
			return got, nil
		}
		if time.Now().After(deadline) {
			return got, fmt.Errorf("timeout waiting for %d messages, got %d", n, len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (m *mockRelay) Close() {
	m.DropClients()
	m.server.Close()
}
