package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticonet/portico/pkg/adapter"
	"github.com/porticonet/portico/pkg/pipeline"
)

func startHTTP(t *testing.T) *HTTPHandler {
	t.Helper()
	h := NewHTTPHandler()
	h.SetAdapter(echoAdapter(t))
	require.NoError(t, h.Configure(testConfig("http-test")))
	require.NoError(t, h.Init())
	require.NoError(t, h.Start())
	t.Cleanup(func() {
		_ = h.Stop()
		_ = h.Destroy()
	})
	return h
}

type httpReply struct {
	status int
	header map[string]string
	body   string
}

func readReply(t *testing.T, r *bufio.Reader) httpReply {
	t.Helper()

	line, err := r.ReadString('\n')
	require.NoError(t, err)
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), " ", 3)
	require.GreaterOrEqual(t, len(parts), 2)
	status, err := strconv.Atoi(parts[1])
	require.NoError(t, err)

	header := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, value, found := strings.Cut(line, ": ")
		require.True(t, found)
		header[key] = value
	}

	length, err := strconv.Atoi(header["Content-Length"])
	require.NoError(t, err)
	body := make([]byte, length)
	_, err = io.ReadFull(r, body)
	require.NoError(t, err)

	return httpReply{status: status, header: header, body: string(body)}
}

func TestHTTPEchoRoundTrip(t *testing.T) {
	h := startHTTP(t)

	conn, err := net.Dial("tcp", h.Endpoint().Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	body := "hello portico"
	fmt.Fprintf(conn, "POST /echo HTTP/1.1\r\nHost: test\r\nContent-Length: %d\r\n\r\n%s", len(body), body)

	reply := readReply(t, bufio.NewReader(conn))
	assert.Equal(t, 200, reply.status)
	assert.Equal(t, "/echo", reply.header["Target"])
	assert.Equal(t, body, reply.body)
}

func TestHTTPKeepAliveServesMultipleRequests(t *testing.T) {
	h := startHTTP(t)

	conn, err := net.Dial("tcp", h.Endpoint().Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for i := 0; i < 3; i++ {
		target := fmt.Sprintf("/req/%d", i)
		fmt.Fprintf(conn, "GET %s HTTP/1.1\r\nHost: test\r\n\r\n", target)
		reply := readReply(t, reader)
		assert.Equal(t, 200, reply.status)
		assert.Equal(t, target, reply.header["Target"])
	}
}

func TestHTTPConnectionCloseEndsConnection(t *testing.T) {
	h := startHTTP(t)

	conn, err := net.Dial("tcp", h.Endpoint().Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")
	reply := readReply(t, reader)
	assert.Equal(t, 200, reply.status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = reader.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHTTPMalformedRequestRejected(t *testing.T) {
	h := startHTTP(t)

	conn, err := net.Dial("tcp", h.Endpoint().Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "NONSENSE\r\n\r\n")
	reply := readReply(t, bufio.NewReader(conn))
	assert.Equal(t, 400, reply.status)
}

// TestHTTPFramingHeadersNotDuplicated sets framing headers from the basic
// valve and checks the wire carries each exactly once, with the framer's
// values winning.
func TestHTTPFramingHeadersNotDuplicated(t *testing.T) {
	h := NewHTTPHandler()
	p := pipeline.New()
	basic := pipeline.NewFuncValve(func(_ context.Context, _ *pipeline.Request, resp *pipeline.Response) error {
		resp.Header["Content-Length"] = "999"
		resp.Header["Connection"] = "keep-alive"
		resp.Header["X-Extra"] = "kept"
		_, err := resp.Write([]byte("ok"))
		return err
	})
	require.NoError(t, p.SetBasic(basic))
	h.SetAdapter(adapter.NewPipelineAdapter(p))
	require.NoError(t, h.Configure(testConfig("http-framing")))
	require.NoError(t, h.Init())
	require.NoError(t, h.Start())
	t.Cleanup(func() {
		_ = h.Stop()
		_ = h.Destroy()
	})

	conn, err := net.Dial("tcp", h.Endpoint().Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	fmt.Fprintf(conn, "GET / HTTP/1.1\r\nHost: test\r\nConnection: close\r\n\r\n")

	var head []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		head = append(head, line)
	}

	var contentLengths, connections []string
	for _, line := range head {
		key, value, _ := strings.Cut(line, ": ")
		switch {
		case strings.EqualFold(key, "Content-Length"):
			contentLengths = append(contentLengths, value)
		case strings.EqualFold(key, "Connection"):
			connections = append(connections, value)
		}
	}
	require.Len(t, contentLengths, 1)
	assert.Equal(t, "2", contentLengths[0])
	require.Len(t, connections, 1)
	assert.Equal(t, "close", connections[0])
	assert.Contains(t, head, "X-Extra: kept")
}

type recordingUpgrade struct {
	name     string
	leftover chan []byte
}

func (u *recordingUpgrade) Name() string { return u.name }

func (u *recordingUpgrade) ProcessConnection(_ context.Context, conn net.Conn, leftover []byte) error {
	u.leftover <- leftover
	_, err := conn.Write([]byte("upgraded"))
	return err
}

func TestHTTPUpgradeHandsOffConnection(t *testing.T) {
	h := startHTTP(t)
	up := &recordingUpgrade{name: "echo-stream", leftover: make(chan []byte, 1)}
	h.AddUpgradeProtocol(up)

	conn, err := net.Dial("tcp", h.Endpoint().Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	// The early bytes after the request must reach the upgraded
	// protocol, not the HTTP framer.
	fmt.Fprintf(conn, "GET /socket HTTP/1.1\r\nHost: test\r\nConnection: Upgrade\r\nUpgrade: Echo-Stream\r\n\r\nearly")

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "101")
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	select {
	case got := <-up.leftover:
		assert.Equal(t, "early", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade protocol never received the connection")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	buf := make([]byte, 8)
	_, err = io.ReadFull(reader, buf)
	require.NoError(t, err)
	assert.Equal(t, "upgraded", string(buf))
}

func TestHTTPUnknownUpgradeTokenIsIgnored(t *testing.T) {
	h := startHTTP(t)

	conn, err := net.Dial("tcp", h.Endpoint().Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	fmt.Fprintf(conn, "GET /plain HTTP/1.1\r\nHost: test\r\nConnection: Upgrade\r\nUpgrade: nope\r\n\r\n")
	reply := readReply(t, bufio.NewReader(conn))
	assert.Equal(t, 200, reply.status)
	assert.Equal(t, "/plain", reply.header["Target"])
}
