// Package adapter defines the translation layer between protocol framing
// and the container's request/response model.
package adapter

import (
	"context"
	"fmt"

	"github.com/porticonet/portico/pkg/pipeline"
)

// Adapter receives the container-level request a protocol handler framed
// from the wire and produces the response, normally by invoking a pipeline.
//
// Implementations must be safe for concurrent use: one adapter serves every
// connection of its protocol handler.
type Adapter interface {
	// Service processes one unit of work. The response must be committed
	// by the time Service returns without error.
	Service(ctx context.Context, req *pipeline.Request, resp *pipeline.Response) error
}

// PipelineAdapter is the standard adapter: it hands each unit of work to
// the entry valve of a pipeline.
type PipelineAdapter struct {
	pipeline *pipeline.Pipeline
}

// NewPipelineAdapter creates an adapter dispatching into p.
func NewPipelineAdapter(p *pipeline.Pipeline) *PipelineAdapter {
	if p == nil {
		panic("adapter: pipeline cannot be nil")
	}
	return &PipelineAdapter{pipeline: p}
}

// Service invokes the pipeline's current chain. A chain that neither
// forwarded nor produced output left the request hanging; that is reported
// as an error here instead of silently returning an empty reply.
func (a *PipelineAdapter) Service(ctx context.Context, req *pipeline.Request, resp *pipeline.Response) error {
	if err := a.pipeline.Invoke(ctx, req, resp); err != nil {
		return err
	}
	if !resp.Committed() {
		return fmt.Errorf("adapter: no valve produced a response for %q", req.Target)
	}
	return nil
}

// Pipeline returns the pipeline this adapter dispatches into.
func (a *PipelineAdapter) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}
