package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/porticonet/portico/internal/logger"
	"github.com/porticonet/portico/pkg/buffer"
	"github.com/porticonet/portico/pkg/pipeline"
)

// FMP wire format. Each message is a sequence of fragments; a fragment
// starts with a 4-byte big-endian header whose high bit marks the last
// fragment and whose low 31 bits carry the fragment length. The
// reassembled request payload is a 2-byte big-endian target length, the
// target, then the body. A reply payload is a 2-byte big-endian status
// followed by the body.
const (
	fmpLastFragment = 1 << 31
	fmpMaxFragment  = 1 << 20
	fmpMaxMessage   = 8 << 20
)

var errMessageTooLarge = errors.New("fmp: message exceeds size limit")

// FMPHandler frames connections with the fragmented message protocol.
// Fragments of one message are reassembled through a growable buffer
// before dispatch.
type FMPHandler struct {
	*baseHandler

	maxMessage int
}

// NewFMPHandler creates an unconfigured FMP handler.
func NewFMPHandler() *FMPHandler {
	h := &FMPHandler{maxMessage: fmpMaxMessage}
	h.baseHandler = newBaseHandler(FMPProtocolName, h)
	return h
}

// SetMaxMessageBytes overrides the reassembled message limit.
func (h *FMPHandler) SetMaxMessageBytes(limit int) {
	if limit > 0 {
		h.maxMessage = limit
	}
}

func (h *FMPHandler) processConnection(ctx context.Context, conn net.Conn) {
	cfg := h.Endpoint().Config()
	reader := bufio.NewReaderSize(conn, h.DesiredBufferSize())
	buf := buffer.NewGrowable(h.DesiredBufferSize())

	for {
		if cfg.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		}

		payload, err := readMessage(reader, buf, h.maxMessage)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("fmp: read message from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		target, body, err := splitMessage(payload)
		if err != nil {
			logger.Debug("fmp: malformed message from %s: %v", conn.RemoteAddr(), err)
			if werr := writeReply(conn, cfg.WriteTimeout, pipeline.StatusBadRequest, nil); werr != nil {
				return
			}
			continue
		}

		req := &pipeline.Request{
			Protocol:   FMPProtocolName,
			RemoteAddr: conn.RemoteAddr(),
			Target:     target,
			Header:     map[string]string{},
			Body:       body,
		}
		resp := pipeline.NewResponse()

		start := time.Now()
		if err := h.Adapter().Service(ctx, req, resp); err != nil {
			logger.Error("fmp: service %s: %v", target, err)
			resp = pipeline.NewResponse()
			resp.SetStatus(pipeline.StatusInternalError)
		}
		h.reqMetrics.RecordRequest(FMPProtocolName, time.Since(start), resp.Status)

		if err := writeReply(conn, cfg.WriteTimeout, resp.Status, resp.Body()); err != nil {
			logger.Debug("fmp: write reply to %s: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// readMessage reassembles one message into buf, growing it through the
// buffer callback as fragments arrive, and returns the payload.
func readMessage(r io.Reader, buf buffer.Handler, maxMessage int) ([]byte, error) {
	buf.SetBytes(buf.Bytes()[:0])

	var hdr [4]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if len(buf.Bytes()) > 0 && errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		marker := binary.BigEndian.Uint32(hdr[:])
		last := marker&fmpLastFragment != 0
		size := int(marker &^ uint32(fmpLastFragment))
		if size > fmpMaxFragment {
			return nil, fmt.Errorf("fmp: fragment of %d bytes exceeds limit", size)
		}

		off := len(buf.Bytes())
		total := off + size
		if total > maxMessage {
			return nil, errMessageTooLarge
		}
		buf.Expand(total)
		b := buf.Bytes()[:total]
		if _, err := io.ReadFull(r, b[off:]); err != nil {
			return nil, err
		}
		buf.SetBytes(b)

		if last {
			return b, nil
		}
	}
}

func splitMessage(payload []byte) (target string, body []byte, err error) {
	if len(payload) < 2 {
		return "", nil, errors.New("payload shorter than target length prefix")
	}
	tlen := int(binary.BigEndian.Uint16(payload))
	if len(payload) < 2+tlen {
		return "", nil, fmt.Errorf("target length %d exceeds payload", tlen)
	}
	return string(payload[2 : 2+tlen]), payload[2+tlen:], nil
}

// writeReply frames status and body into fragments, splitting bodies
// larger than the fragment limit.
func writeReply(conn net.Conn, writeTimeout time.Duration, status int, body []byte) error {
	if writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	}

	payload := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(payload, uint16(status))
	copy(payload[2:], body)

	var hdr [4]byte
	for {
		frag := payload
		last := true
		if len(frag) > fmpMaxFragment {
			frag = payload[:fmpMaxFragment]
			last = false
		}
		payload = payload[len(frag):]

		marker := uint32(len(frag))
		if last {
			marker |= fmpLastFragment
		}
		binary.BigEndian.PutUint32(hdr[:], marker)
		if _, err := conn.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := conn.Write(frag); err != nil {
			return err
		}
		if last {
			return nil
		}
	}
}
