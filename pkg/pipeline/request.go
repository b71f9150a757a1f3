package pipeline

import (
	"bytes"
	"net"
)

// Request is the container-level view of one unit of work, produced by an
// adapter from a framed protocol exchange. It is deliberately protocol
// neutral: the HTTP-like and FMP framers both map onto it.
type Request struct {
	// Protocol is the logical protocol identifier the connection was
	// accepted under, e.g. "http/1.1" or "fmp/1.0".
	Protocol string

	// RemoteAddr is the peer address of the underlying connection.
	RemoteAddr net.Addr

	// Target names what the request is addressed at: a path for HTTP-like
	// protocols, a message subject for framed ones.
	Target string

	// Header holds the protocol's key/value metadata, keys normalized by
	// the framer.
	Header map[string]string

	// Body is the request payload. Framers bound its size before
	// constructing the request.
	Body []byte
}

// Response accumulates the reply for one unit of work. Exactly one valve in
// the chain, normally the basic valve, must produce it.
type Response struct {
	// Status is the protocol-mapped status code.
	Status int

	// Header holds reply metadata.
	Header map[string]string

	body      bytes.Buffer
	committed bool
}

// NewResponse returns an empty, uncommitted response.
func NewResponse() *Response {
	return &Response{
		Status: StatusOK,
		Header: make(map[string]string),
	}
}

// Write appends payload bytes and commits the response.
func (r *Response) Write(p []byte) (int, error) {
	r.committed = true
	return r.body.Write(p)
}

// WriteString appends a string payload and commits the response.
func (r *Response) WriteString(s string) (int, error) {
	r.committed = true
	return r.body.WriteString(s)
}

// SetStatus sets the status code and commits the response.
func (r *Response) SetStatus(status int) {
	r.Status = status
	r.committed = true
}

// Committed reports whether any valve has produced output. A traversal that
// finishes with an uncommitted response is a chain contract violation.
func (r *Response) Committed() bool {
	return r.committed
}

// Body returns the accumulated payload.
func (r *Response) Body() []byte {
	return r.body.Bytes()
}

// Status codes shared by the framers. HTTP-like protocols write them
// verbatim; framed protocols map them onto their own status field.
const (
	StatusOK            = 200
	StatusBadRequest    = 400
	StatusForbidden     = 403
	StatusNotFound      = 404
	StatusInternalError = 500
)
