package agent

import (
	"context"

	"github.com/agentrt/agentrt/internal/agentrt/apperr"
)

// HandleRequest enqueues an HTTP request addressed directly to this
// instance (§4.1 priority (d), the lowest of the four categories) and
// blocks until it has been processed, returning the handler's Response or
// an error if the class defines no OnRequest hook.
func (a *Agent) HandleRequest(ctx context.Context, req *Request) (*Response, error) {
	type result struct {
		resp *Response
		err  error
	}
	done := make(chan result, 1)

	a.mailbox.Enqueue(PriorityHTTPRequest, "", func(ctx context.Context) {
		a.setCurrent(CallContext{Agent: a, Request: req})
		if a.Class.Handlers.OnRequest == nil {
			done <- result{err: apperr.NotFoundf("agent class %s does not handle direct requests", a.Class.ID)}
			return
		}
		resp, err := a.Class.Handlers.OnRequest(ctx, a, req)
		done <- result{resp: resp, err: err}
	})

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
