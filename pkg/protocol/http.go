package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/porticonet/portico/internal/logger"
	"github.com/porticonet/portico/pkg/pipeline"
)

const (
	httpMaxBodyBytes = 4 << 20

	// headerMethod carries the request method into the protocol-neutral
	// header map.
	headerMethod = "Method"
)

// HTTPHandler frames connections as HTTP/1.1 exchanges: one request line
// plus MIME headers per unit of work, keep-alive by default, with Upgrade
// negotiation handing the connection off to a registered upgrade
// protocol.
type HTTPHandler struct {
	*baseHandler

	maxBody int64
}

// NewHTTPHandler creates an unconfigured HTTP/1.1 handler.
func NewHTTPHandler() *HTTPHandler {
	h := &HTTPHandler{maxBody: httpMaxBodyBytes}
	h.baseHandler = newBaseHandler(HTTPProtocolName, h)
	return h
}

// SetMaxBodyBytes overrides the request body limit.
func (h *HTTPHandler) SetMaxBodyBytes(limit int64) {
	if limit > 0 {
		h.maxBody = limit
	}
}

func (h *HTTPHandler) processConnection(ctx context.Context, conn net.Conn) {
	cfg := h.Endpoint().Config()
	reader := bufio.NewReaderSize(conn, h.DesiredBufferSize())

	for {
		if cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		}

		req, upgradeToken, err := h.readRequest(reader, conn.RemoteAddr())
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("http: read request from %s: %v", conn.RemoteAddr(), err)
				h.writeError(conn, cfg.WriteTimeout, pipeline.StatusBadRequest)
			}
			return
		}

		if upgradeToken != "" {
			if up := h.findUpgradeProtocol(upgradeToken); up != nil {
				h.switchProtocols(ctx, conn, reader, up, upgradeToken)
				return
			}
			// Unknown token: ignore the header and serve the request
			// on the original protocol.
		}

		resp := pipeline.NewResponse()
		start := time.Now()
		if err := h.Adapter().Service(ctx, req, resp); err != nil {
			logger.Error("http: service %s: %v", req.Target, err)
			resp = pipeline.NewResponse()
			resp.SetStatus(pipeline.StatusInternalError)
		}
		h.reqMetrics.RecordRequest(HTTPProtocolName, time.Since(start), resp.Status)

		keepAlive := !strings.EqualFold(req.Header["Connection"], "close")
		if err := h.writeResponse(conn, cfg.WriteTimeout, resp, keepAlive); err != nil {
			logger.Debug("http: write response to %s: %v", conn.RemoteAddr(), err)
			return
		}
		if !keepAlive {
			return
		}
	}
}

// readRequest frames one request. The returned upgrade token is non-empty
// when the client asked to switch protocols.
func (h *HTTPHandler) readRequest(reader *bufio.Reader, remote net.Addr) (*pipeline.Request, string, error) {
	tp := textproto.NewReader(reader)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, "", err
	}
	method, target, proto, ok := parseRequestLine(line)
	if !ok {
		return nil, "", fmt.Errorf("malformed request line %q", line)
	}
	if proto != "HTTP/1.1" && proto != "HTTP/1.0" {
		return nil, "", fmt.Errorf("unsupported protocol %q", proto)
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, "", fmt.Errorf("read headers: %w", err)
	}

	header := make(map[string]string, len(mimeHeader)+1)
	for key, values := range mimeHeader {
		header[key] = values[0]
	}
	header[headerMethod] = method

	var body []byte
	if lenStr := header["Content-Length"]; lenStr != "" {
		n, err := strconv.ParseInt(lenStr, 10, 64)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("bad content length %q", lenStr)
		}
		if n > h.maxBody {
			return nil, "", fmt.Errorf("body of %d bytes exceeds limit", n)
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil, "", fmt.Errorf("read body: %w", err)
		}
	}

	var upgradeToken string
	if strings.Contains(strings.ToLower(header["Connection"]), "upgrade") {
		upgradeToken = header["Upgrade"]
	}

	return &pipeline.Request{
		Protocol:   HTTPProtocolName,
		RemoteAddr: remote,
		Target:     target,
		Header:     header,
		Body:       body,
	}, upgradeToken, nil
}

// switchProtocols completes the 101 handshake and hands the connection,
// plus any bytes already buffered past the request, to the upgraded
// protocol.
func (h *HTTPHandler) switchProtocols(ctx context.Context, conn net.Conn, reader *bufio.Reader, up UpgradeProtocol, token string) {
	var sb strings.Builder
	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: " + token + "\r\n")
	sb.WriteString("Connection: Upgrade\r\n\r\n")
	if _, err := conn.Write([]byte(sb.String())); err != nil {
		logger.Debug("http: upgrade handshake to %s: %v", conn.RemoteAddr(), err)
		return
	}

	var leftover []byte
	if n := reader.Buffered(); n > 0 {
		leftover, _ = reader.Peek(n)
		leftover = append([]byte(nil), leftover...)
		_, _ = reader.Discard(n)
	}

	_ = conn.SetReadDeadline(time.Time{})
	logger.Info("http: connection from %s upgraded to %s", conn.RemoteAddr(), up.Name())
	if err := up.ProcessConnection(ctx, conn, leftover); err != nil {
		logger.Debug("http: upgraded connection from %s: %v", conn.RemoteAddr(), err)
	}
}

func (h *HTTPHandler) writeResponse(conn net.Conn, writeTimeout time.Duration, resp *pipeline.Response, keepAlive bool) error {
	if writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}

	body := resp.Body()
	var sb strings.Builder
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", resp.Status, statusText(resp.Status))
	for key, value := range resp.Header {
		// The framer owns the framing headers, whatever a valve set.
		if strings.EqualFold(key, "Content-Length") || strings.EqualFold(key, "Connection") {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\r\n", key, value)
	}
	fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(body))
	if !keepAlive {
		sb.WriteString("Connection: close\r\n")
	}
	sb.WriteString("\r\n")

	if _, err := conn.Write([]byte(sb.String())); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

func (h *HTTPHandler) writeError(conn net.Conn, writeTimeout time.Duration, status int) {
	resp := pipeline.NewResponse()
	resp.SetStatus(status)
	_ = h.writeResponse(conn, writeTimeout, resp, false)
}

func parseRequestLine(line string) (method, target, proto string, ok bool) {
	first := strings.IndexByte(line, ' ')
	if first < 0 {
		return "", "", "", false
	}
	last := strings.LastIndexByte(line, ' ')
	if last == first {
		return "", "", "", false
	}
	method = line[:first]
	target = line[first+1 : last]
	proto = line[last+1:]
	return method, target, proto, method != "" && target != ""
}

func statusText(status int) string {
	switch status {
	case pipeline.StatusOK:
		return "OK"
	case pipeline.StatusBadRequest:
		return "Bad Request"
	case pipeline.StatusForbidden:
		return "Forbidden"
	case pipeline.StatusNotFound:
		return "Not Found"
	case pipeline.StatusInternalError:
		return "Internal Server Error"
	default:
		return "Status " + strconv.Itoa(status)
	}
}
