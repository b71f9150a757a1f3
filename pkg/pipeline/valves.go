package pipeline

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/porticonet/portico/internal/logger"
)

// FuncValve adapts a function into a terminal valve. It is the usual basic
// valve: it produces the response and never forwards.
type FuncValve struct {
	BaseValve
	fn    func(ctx context.Context, req *Request, resp *Response) error
	async bool
}

// NewFuncValve wraps fn as a terminal valve.
func NewFuncValve(fn func(ctx context.Context, req *Request, resp *Response) error) *FuncValve {
	return &FuncValve{fn: fn, async: true}
}

func (v *FuncValve) AsyncSupported() bool { return v.async }

func (v *FuncValve) Invoke(ctx context.Context, req *Request, resp *Response, _ *Link) error {
	return v.fn(ctx, req, resp)
}

// AccessLogValve logs one line per unit of work and forwards.
type AccessLogValve struct {
	BaseValve
}

func (v *AccessLogValve) AsyncSupported() bool { return true }

func (v *AccessLogValve) Invoke(ctx context.Context, req *Request, resp *Response, next *Link) error {
	start := time.Now()
	err := next.Invoke(ctx, req, resp)
	logger.Info("%s %s %q status=%d bytes=%d duration=%v",
		req.RemoteAddr, req.Protocol, req.Target, resp.Status, len(resp.Body()), time.Since(start))
	return err
}

// TracingValve wraps the downstream chain in a span.
type TracingValve struct {
	BaseValve
	tracer trace.Tracer
}

// NewTracingValve creates a tracing valve using the globally registered
// tracer provider.
func NewTracingValve() *TracingValve {
	return &TracingValve{tracer: otel.Tracer("portico/pipeline")}
}

func (v *TracingValve) AsyncSupported() bool { return true }

func (v *TracingValve) Invoke(ctx context.Context, req *Request, resp *Response, next *Link) error {
	ctx, span := v.tracer.Start(ctx, fmt.Sprintf("%s %s", req.Protocol, req.Target))
	defer span.End()
	return next.Invoke(ctx, req, resp)
}

// RemoteAddrValve rejects requests from denied peers before they reach the
// rest of the chain. Deny rules win over allow rules; an empty allow list
// admits everyone not denied.
type RemoteAddrValve struct {
	BaseValve
	allow []*net.IPNet
	deny  []*net.IPNet
}

// NewRemoteAddrValve parses allow/deny entries given as CIDR ranges or
// plain IP addresses.
func NewRemoteAddrValve(allow, deny []string) (*RemoteAddrValve, error) {
	allowNets, err := parseNets(allow)
	if err != nil {
		return nil, fmt.Errorf("allow list: %w", err)
	}
	denyNets, err := parseNets(deny)
	if err != nil {
		return nil, fmt.Errorf("deny list: %w", err)
	}
	return &RemoteAddrValve{allow: allowNets, deny: denyNets}, nil
}

func (v *RemoteAddrValve) AsyncSupported() bool { return true }

func (v *RemoteAddrValve) Invoke(ctx context.Context, req *Request, resp *Response, next *Link) error {
	if !v.permitted(req.RemoteAddr) {
		resp.SetStatus(StatusForbidden)
		logger.Warn("pipeline: rejected request from %s", req.RemoteAddr)
		return nil
	}
	return next.Invoke(ctx, req, resp)
}

func (v *RemoteAddrValve) permitted(addr net.Addr) bool {
	ip := addrIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range v.deny {
		if n.Contains(ip) {
			return false
		}
	}
	if len(v.allow) == 0 {
		return true
	}
	for _, n := range v.allow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return net.ParseIP(addr.String())
		}
		return net.ParseIP(host)
	}
}

func parseNets(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		if _, n, err := net.ParseCIDR(e); err == nil {
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			return nil, fmt.Errorf("invalid address or CIDR %q", e)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}
