package stream

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// reconnectInterval mirrors the teacher's ticonnect global (interval to
// re-connect, ms), fixed here since this package carries no package-level
// mutable config per the module's no-process-wide-state rule.
const reconnectInterval = 1 * time.Second

// TCPClient is an outbound TCP connection that silently tries to
// reconnect on the next Read/Write after a drop, grounded on the
// teacher's TcpClient/OpenTcpClient/ReadTcpClient/ConnectTcpClient.
type TCPClient struct {
	mu       sync.Mutex
	addr     string
	conn     net.Conn
	lastTry  time.Time
	lastErr  error
}

// OpenTCPClient dials addr (host:port), the teacher's OpenTcpClient.
// A dial failure is not returned as an error: State reports StateError
// until a dial succeeds, and Read/Write retry the dial, matching the teacher's
// tolerance of a correction source that isn't up yet.
func OpenTCPClient(addr string) *TCPClient {
	c := &TCPClient{addr: addr}
	c.tryConnect()
	return c
}

func (c *TCPClient) tryConnect() {
	if !c.lastTry.IsZero() && time.Since(c.lastTry) < reconnectInterval {
		return
	}
	c.lastTry = time.Now()
	conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	c.lastErr = err
	if err == nil {
		c.conn = conn
	}
}

func (c *TCPClient) Read(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.tryConnect()
		if c.conn == nil {
			return 0, c.lastErr
		}
	}
	n, err := c.conn.Read(buf)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		c.lastErr = err
	}
	return n, err
}

func (c *TCPClient) Write(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		c.tryConnect()
		if c.conn == nil {
			return 0, c.lastErr
		}
	}
	n, err := c.conn.Write(buf)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		c.lastErr = err
	}
	return n, err
}

func (c *TCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *TCPClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return StateConnected
	}
	if c.lastErr != nil {
		return StateError
	}
	return StateWaiting
}

// TCPServer listens for inbound connections and fans out every Write to
// all currently-connected clients, the teacher's TcpSvr/OpenTcpSvr
// (MAXCLI simultaneous clients) — used to republish a serial/NTRIP feed
// to local consumers.
type TCPServer struct {
	mu       sync.Mutex
	ln       net.Listener
	clients  []net.Conn
	maxConns int
}

// maxTCPClients is the teacher's MAXCLI.
const maxTCPClients = 32

// OpenTCPServer starts listening on addr (":port"), the teacher's
// OpenTcpSvr.
func OpenTCPServer(addr string) (*TCPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("stream: listen %s: %w", addr, err)
	}
	s := &TCPServer{ln: ln, maxConns: maxTCPClients}
	go s.acceptLoop()
	return s, nil
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if len(s.clients) >= s.maxConns {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		s.clients = append(s.clients, conn)
		s.mu.Unlock()
	}
}

// Read is not meaningful for a fan-out server and always returns a
// "write-only" error, the teacher's ReadTcpSvr (TcpSvr is write-only in
// practice).
func (s *TCPServer) Read([]byte) (int, error) {
	return 0, fmt.Errorf("stream: tcp server is write-only")
}

// Write sends buf to every connected client, dropping any that error
// (the teacher's WriteTcpSvr loop over svr.cli[i]).
func (s *TCPServer) Write(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live := s.clients[:0]
	for _, c := range s.clients {
		if _, err := c.Write(buf); err != nil {
			c.Close()
			continue
		}
		live = append(live, c)
	}
	s.clients = live
	return len(buf), nil
}

func (s *TCPServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clients = nil
	return s.ln.Close()
}

func (s *TCPServer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) > 0 {
		return StateConnected
	}
	return StateWaiting
}

// NumClients reports how many clients are currently connected, for
// status reporting (the teacher's StatExTcpSvr client count).
func (s *TCPServer) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
