package pgdispatch

import "context"

// Request is the atomic unit of pipeline admission (spec section 3): an
// opaque byte-builder (encode) that materialises the outbound message(s),
// paired with a parser factory that will consume the inbound messages
// those outbound bytes provoke and produce an R or fail.
type Request[R any] struct {
	encode encodeTask
	parser func(onParameterChange func(name, value string)) Parser
}

// NewRequest builds a Request from an encode task and a fresh-parser
// factory. The factory receives the dispatcher's onParameterChange hook so
// a ParameterStatus interleaved mid-pipeline (spec SUPPLEMENTED FEATURE 3)
// reaches it the same way one observed while idle does; most constructors
// ignore the argument since only andThen chains need to forward it. Most
// callers use the message-specific constructors in messages.go instead of
// calling this directly.
func NewRequest[R any](encode encodeTask, newParser func(onParameterChange func(name, value string)) Parser) Request[R] {
	return Request[R]{encode: encode, parser: newParser}
}

// performRequest is the generic form of the dispatcher method described in
// spec section 4.6. It allocates a single-shot result cell, atomically
// enqueues the encode task and the result processor so pipeline position
// is deterministic, then blocks for the outcome.
func performRequest[R any](ctx context.Context, d *Dispatcher, req Request[R]) (R, error) {
	var zero R

	if terr := d.transport.get(); terr != nil {
		return zero, terr
	}

	resultCh := make(chan requestOutcome, 1)
	pr := &pendingRequest{parser: req.parser(d.setParameter), resultCh: resultCh}

	d.enqueueMu.Lock()
	// The transport can fail, and interpreterLoop can run drainProcessors
	// over whatever is already queued, in the gap between the check above
	// and taking this lock. Rechecking here, still under enqueueMu, closes
	// that window: drainProcessors also runs under the guarantee that
	// nothing more gets pushed to resultProcessorQ once d.done has fired,
	// because every push is made under this same mutex.
	if terr := d.transport.get(); terr != nil {
		d.enqueueMu.Unlock()
		return zero, terr
	}
	d.serializerMsgQ.push(req.encode)
	d.resultProcessorQ.push(pr)
	d.enqueueMu.Unlock()

	select {
	case out := <-resultCh:
		if out.err != nil {
			return zero, out.err
		}
		return decodeOutcome[R](out.value)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// decodeOutcome converts a ResultProcessor's Done value into R. Parsers
// built on errorOrTag/simpleParser (ParseComplete, BindComplete,
// CloseComplete, NoData, ParameterDescription, PortalSuspended) resolve an
// ErrorResponse to a bare *BackendError rather than the expected type --
// spec section 4.5's "a successful parse whose value happens to carry a
// per-request error". Those surface here as a Go error. Parsers that
// assemble a data-bearing result (QueryResult, DescribeResult, SyncResult,
// StatementResult) carry their own Backend field instead and pass through
// unchanged; callers read that field via resultset.go's accessors.
func decodeOutcome[R any](v any) (R, error) {
	var zero R

	if be, ok := v.(*BackendError); ok {
		return zero, be
	}

	r, ok := v.(R)
	if !ok {
		return zero, NewProtocolError("unexpected result type %T", v)
	}
	return r, nil
}

// PerformRequest submits req for processing and blocks until its response
// has been fully parsed (or the connection fails). It is the caller-facing
// entry point named performRequest in spec section 4.6.
func PerformRequest[R any](ctx context.Context, d *Dispatcher, req Request[R]) (R, error) {
	return performRequest(ctx, d, req)
}
