// Package buffer defines the callback contract protocol read paths use to
// grow or swap the application-layer read buffer when a frame outgrows it.
package buffer

// Handler lets a protocol layer expand or replace the buffer it is framing
// into without owning the allocation policy.
type Handler interface {
	// Bytes returns the current backing buffer.
	Bytes() []byte

	// SetBytes replaces the backing buffer.
	SetBytes(b []byte)

	// Expand grows the buffer to hold at least size bytes, preserving
	// existing content. A size at or below the current capacity is a
	// no-op.
	Expand(size int)
}

// Empty is a no-op Handler for paths that never buffer application data.
var Empty Handler = emptyHandler{}

type emptyHandler struct{}

func (emptyHandler) Bytes() []byte   { return nil }
func (emptyHandler) SetBytes([]byte) {}
func (emptyHandler) Expand(int)      {}

// Growable is the default Handler, doubling capacity on expansion to
// amortize repeated small growths.
type Growable struct {
	buf []byte
}

// NewGrowable creates a Growable with the given initial capacity.
func NewGrowable(capacity int) *Growable {
	return &Growable{buf: make([]byte, 0, capacity)}
}

func (g *Growable) Bytes() []byte { return g.buf }

func (g *Growable) SetBytes(b []byte) { g.buf = b }

func (g *Growable) Expand(size int) {
	if size <= cap(g.buf) {
		return
	}
	newCap := cap(g.buf) * 2
	if newCap < size {
		newCap = size
	}
	grown := make([]byte, len(g.buf), newCap)
	copy(grown, g.buf)
	g.buf = grown
}
