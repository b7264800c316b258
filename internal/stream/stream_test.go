package stream

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidBaudAcceptsOnlyTheSupportedLadder(t *testing.T) {
	_, err := validBaud(9600)
	assert.NoError(t, err)
	_, err = validBaud(9601)
	assert.Error(t, err)
}

func TestFileStreamWritesAndReadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	w, err := OpenFileWrite(FileConfig{Path: path})
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := OpenFileRead(path)
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, 16)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.Equal(t, StateConnected, r.State())
}

func TestFileStreamSwapsOnInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roll.bin")
	w, err := OpenFileWrite(FileConfig{Path: path, SwapInterval: time.Millisecond})
	require.NoError(t, err)
	defer w.Close()
	_, err = w.Write([]byte("a"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = w.Write([]byte("b"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2, "expected a rotated file alongside the active one")
}

func TestTCPServerFansOutToConnectedClients(t *testing.T) {
	srv, err := OpenTCPServer("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	addr := srv.ln.Addr().String()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.NumClients() == 1 }, time.Second, time.Millisecond)

	_, err = srv.Write([]byte("corrections"))
	require.NoError(t, err)

	buf := make([]byte, 32)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "corrections", string(buf[:n]))
	assert.Equal(t, StateConnected, srv.State())
}

func TestTCPClientConnectsToListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()

	c := OpenTCPClient(ln.Addr().String())
	defer c.Close()
	require.Eventually(t, func() bool { return c.State() == StateConnected }, time.Second, time.Millisecond)

	_, err = c.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestNTripClientRejectsCasterThatRefusesMountpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		conn.Read(buf)
		conn.Write([]byte("HTTP/1.0 401 Unauthorized\r\n\r\n"))
	}()

	_, err = OpenNTripClient(NTripClientConfig{Addr: ln.Addr().String(), Mountpoint: "RTCM3"})
	assert.Error(t, err)
}

func TestNTripClientAcceptsIcyOk(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		conn.Read(buf)
		conn.Write([]byte("ICY 200 OK\r\n\r\n"))
		conn.Write([]byte("RTCMDATA"))
	}()

	c, err := OpenNTripClient(NTripClientConfig{Addr: ln.Addr().String(), Mountpoint: "RTCM3", User: "u", Password: "p"})
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, StateConnected, c.State())

	buf := make([]byte, 16)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "RTCMDATA", string(buf[:n]))
}
