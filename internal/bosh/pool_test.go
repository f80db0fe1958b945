package bosh

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDialer hands the pool net.Pipe client ends and forwards everything
// written to them onto the requests channel.
type fakeDialer struct {
	servers  chan net.Conn
	requests chan string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		servers:  make(chan net.Conn, 4),
		requests: make(chan string, 16),
	}
}

func (f *fakeDialer) dial() (net.Conn, error) {
	client, server := net.Pipe()
	f.servers <- server
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			f.requests <- string(buf[:n])
		}
	}()
	return client, nil
}

func newTestPool(t *testing.T) (*Pool, *fakeDialer) {
	t.Helper()
	f := newFakeDialer()
	p := NewPool("srv", 8080, discardLogger())
	p.dial = f.dial
	t.Cleanup(p.Shutdown)
	return p, f
}

func httpResponse(body string) string {
	return fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
}

func recvRequest(t *testing.T, f *fakeDialer) string {
	t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request received")
		return ""
	}
}

func recvResponse(t *testing.T, p *Pool) []byte {
	t.Helper()
	select {
	case payload := <-p.Responses():
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("no response delivered")
		return nil
	}
}

func TestSendFramesRequest(t *testing.T) {
	p, f := newTestPool(t)

	require.NoError(t, p.Send("<body rid='1' sid='S'/>"))

	req := recvRequest(t, f)
	assert.Contains(t, req, "POST /jabber HTTP/1.1\r\n")
	assert.Contains(t, req, "Host: srv\r\n")
	assert.Contains(t, req, fmt.Sprintf("Content-Length: %d\r\n\r\n", len("<body rid='1' sid='S'/>")))
	assert.Contains(t, req, "<body rid='1' sid='S'/>")
	assert.Equal(t, 1, p.Open())
	assert.False(t, p.AllIdle(), "request is in flight")
}

func TestReceiveResponse(t *testing.T) {
	p, f := newTestPool(t)

	require.NoError(t, p.Send("<body/>"))
	recvRequest(t, f)
	server := <-f.servers
	_, err := server.Write([]byte(httpResponse("<body sid='S1'/>")))
	require.NoError(t, err)

	assert.Equal(t, "<body sid='S1'/>", string(recvResponse(t, p)))
	require.Eventually(t, p.AllIdle, 2*time.Second, 10*time.Millisecond)
}

func TestStackedResponses(t *testing.T) {
	p, f := newTestPool(t)

	require.NoError(t, p.Send("<body/>"))
	recvRequest(t, f)
	server := <-f.servers
	stacked := httpResponse("<body><iq/></body>") + httpResponse("<body><presence/></body>")
	_, err := server.Write([]byte(stacked))
	require.NoError(t, err)

	assert.Equal(t, "<body><iq/></body>", string(recvResponse(t, p)))
	assert.Equal(t, "<body><presence/></body>", string(recvResponse(t, p)))
}

func TestContentLengthZero(t *testing.T) {
	p, f := newTestPool(t)

	require.NoError(t, p.Send("<body/>"))
	recvRequest(t, f)
	server := <-f.servers
	_, err := server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	require.NoError(t, err)

	assert.Empty(t, recvResponse(t, p))
	require.Eventually(t, p.AllIdle, 2*time.Second, 10*time.Millisecond)
}

func TestHeaderCaseInsensitive(t *testing.T) {
	p, f := newTestPool(t)

	require.NoError(t, p.Send("<body/>"))
	recvRequest(t, f)
	server := <-f.servers
	_, err := server.Write([]byte("HTTP/1.1 200 OK\r\ncontent-length: 7\r\n\r\n<body/>"))
	require.NoError(t, err)

	assert.Equal(t, "<body/>", string(recvResponse(t, p)))
}

func TestMissingContentLengthDropsSocket(t *testing.T) {
	p, f := newTestPool(t)

	require.NoError(t, p.Send("<body/>"))
	recvRequest(t, f)
	server := <-f.servers
	_, err := server.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Open() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServerEOFDropsSocket(t *testing.T) {
	p, f := newTestPool(t)

	require.NoError(t, p.Send("<body/>"))
	recvRequest(t, f)
	server := <-f.servers
	server.Close()

	require.Eventually(t, func() bool { return p.Open() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPoolCap(t *testing.T) {
	p, f := newTestPool(t)

	// Two unanswered requests occupy both allowed sockets.
	require.NoError(t, p.Send("<body rid='1'/>"))
	require.NoError(t, p.Send("<body rid='2'/>"))
	recvRequest(t, f)
	recvRequest(t, f)
	assert.Equal(t, MaxConns, p.Open())

	err := p.Send("<body rid='3'/>")
	assert.ErrorIs(t, err, ErrPoolBusy)
	assert.Equal(t, MaxConns, p.Open())
}

func TestDrainResponsesDiscardsBuffered(t *testing.T) {
	p, f := newTestPool(t)

	require.NoError(t, p.Send("<body/>"))
	recvRequest(t, f)
	server := <-f.servers
	_, err := server.Write([]byte(httpResponse("<body sid='stale'/>")))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(p.respC) == 1 }, 2*time.Second, 10*time.Millisecond)

	p.DrainResponses()

	assert.Empty(t, p.respC, "buffered response from the old session is gone")
}

func TestIdleSocketReused(t *testing.T) {
	p, f := newTestPool(t)

	require.NoError(t, p.Send("<body rid='1'/>"))
	recvRequest(t, f)
	server := <-f.servers
	_, err := server.Write([]byte(httpResponse("<body/>")))
	require.NoError(t, err)
	recvResponse(t, p)
	require.Eventually(t, p.AllIdle, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Send("<body rid='2'/>"))
	recvRequest(t, f)
	assert.Equal(t, 1, p.Open(), "idle socket is reused instead of opening another")
}
