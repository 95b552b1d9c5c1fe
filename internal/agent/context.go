package agent

// CallContext is the stable "current call" handle readable by any code
// executing on behalf of one mailbox item (§4.1: "a stable current-call
// context readable by any code executing on its behalf"). Because the
// actor drains its mailbox one item at a time on a single goroutine, it is
// safe to stash this on the Agent itself rather than threading it through
// every handler signature — exactly one Item's Run closure is ever
// executing when a handler reads it.
type CallContext struct {
	Agent      *Agent
	Connection *Connection // nil for a scheduled fire or HTTP request
	Request    *Request    // nil unless this call originated from OnRequest
}

// Current returns the most recently set call context (normally that of the
// mailbox item presently executing). It is not reset between items, so code
// running outside any item sees whatever was set last; before anything has
// been set it returns CallContext{Agent: a} with everything else nil.
func (a *Agent) Current() CallContext {
	if v := a.current.Load(); v != nil {
		return v.(CallContext)
	}
	return CallContext{Agent: a}
}

func (a *Agent) setCurrent(cc CallContext) {
	a.current.Store(cc)
}
