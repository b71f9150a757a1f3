// Package metrics provides Prometheus metrics collection for Portico
// components.
//
// All metrics are optional - if the registry is not initialized, components
// receive no-op implementations with zero overhead.
package metrics

import "time"

// EndpointMetrics collects connection-level metrics from an endpoint.
type EndpointMetrics interface {
	ConnectionAccepted()
	ConnectionClosed()
	SetActiveConnections(count int64)
	AcceptError()
	ConnectionRejected()
}

// RequestMetrics collects per-request metrics from a protocol handler.
type RequestMetrics interface {
	RecordRequest(protocol string, duration time.Duration, status int)
}

// NewNoopEndpointMetrics returns an EndpointMetrics that discards
// everything.
func NewNoopEndpointMetrics() EndpointMetrics { return noopEndpointMetrics{} }

// NewNoopRequestMetrics returns a RequestMetrics that discards everything.
func NewNoopRequestMetrics() RequestMetrics { return noopRequestMetrics{} }

type noopEndpointMetrics struct{}

func (noopEndpointMetrics) ConnectionAccepted()        {}
func (noopEndpointMetrics) ConnectionClosed()          {}
func (noopEndpointMetrics) SetActiveConnections(int64) {}
func (noopEndpointMetrics) AcceptError()               {}
func (noopEndpointMetrics) ConnectionRejected()        {}

type noopRequestMetrics struct{}

func (noopRequestMetrics) RecordRequest(string, time.Duration, int) {}
