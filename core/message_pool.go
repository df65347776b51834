package core

import (
	"context"
	"fmt"

	"github.com/searchktools/fast-exchange/core/http"
	"github.com/searchktools/fast-exchange/core/pools"
	"go.uber.org/zap"
)

// MessagePool hands out Request/Response pairs. Both objects are reset on
// release, so an idle pair pins no attributes, cancellation handles or
// buffers, and again on acquire.
type MessagePool struct {
	requests  *pools.BoundedPool[*http.Request]
	responses *pools.BoundedPool[*http.Response]
	logger    *zap.Logger
}

// NewMessagePool creates a pool holding at most max pairs. A max of zero or
// less is unlimited.
func NewMessagePool(max int, logger *zap.Logger) *MessagePool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessagePool{
		requests:  pools.NewBoundedPool(max, http.NewRequest),
		responses: pools.NewBoundedPool(max, http.NewResponse),
		logger:    logger,
	}
}

// Acquire returns a reset pair, blocking until one is free or ctx is done
func (p *MessagePool) Acquire(ctx context.Context) (*http.Request, *http.Response, error) {
	req, err := p.requests.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: request: %v", ErrPoolExhausted, err)
	}
	resp, err := p.responses.Acquire(ctx)
	if err != nil {
		p.requests.Release(req)
		return nil, nil, fmt.Errorf("%w: response: %v", ErrPoolExhausted, err)
	}

	req.Reset()
	resp.Reset()
	return req, resp, nil
}

func (p *MessagePool) ReleaseRequest(req *http.Request) {
	req.Reset()
	if err := p.requests.Release(req); err != nil {
		p.logger.Error("request release failed", zap.Error(err))
	}
}

func (p *MessagePool) ReleaseResponse(resp *http.Response) {
	resp.Reset()
	if err := p.responses.Release(resp); err != nil {
		p.logger.Error("response release failed", zap.Error(err))
	}
}

// Stats returns request and response pool statistics
func (p *MessagePool) Stats() (requests, responses pools.BoundedPoolStats) {
	return p.requests.Stats(), p.responses.Stats()
}
