package pgdispatch

import "context"

// Session is a free sequential composition of Requests (spec section 3/
// 4.7): Pure(R) or Free(Request(Session(R))). Rather than modelling the
// recursive sum type directly, it is implemented as a step interpreter
// (spec section 9, "Free-monad session -> tagged-variant sequencer"): a
// session exposes step(), returning either a final value or the next
// request to run plus a continuation to resume with its outcome. Inner
// requests are submitted only as their predecessor's result becomes
// available -- sessions do not collapse into a single pipeline entry, but
// each individual request still is one.
type Session[R any] interface {
	step() sessionStep[R]
}

// sessionStep is the result of stepping a Session: either Done with a
// final value, or More with a request to run and a continuation that
// resumes the session once that request's outcome (success, protocol
// error, transport error, or backend error) is known.
type sessionStep[R any] struct {
	done  bool
	value R

	run func(ctx context.Context, d *Dispatcher) Session[R]
}

type pureSession[R any] struct{ value R }

func (p pureSession[R]) step() sessionStep[R] {
	return sessionStep[R]{done: true, value: p.value}
}

// Pure lifts a value directly into a Session with no further requests.
func Pure[R any](value R) Session[R] {
	return pureSession[R]{value: value}
}

// freeSession wraps one pending step: runReq performs the wire round-trip
// and, given its outcome, builds the Session to continue with.
type freeSession[R any] struct {
	runReq func(ctx context.Context, d *Dispatcher) Session[R]
}

func (f freeSession[R]) step() sessionStep[R] {
	return sessionStep[R]{run: f.runReq}
}

// Free builds the next Session step from a Request and a continuation
// that receives the request's outcome: Right(result) on success, Left(err)
// whenever performRequest returns an error -- a ProtocolError, a
// TransportError, or a BackendError from a parser with no result of its
// own such as ParseCompleteParser (see decodeOutcome). A request whose
// result carries a Backend field (QueryResult, []StatementResult,
// DescribeResult, SyncResult) receives an ErrorResponse as Right with
// that field set, not as Left. A BackendError does not close the
// connection.
func Free[T, R any](req Request[T], cont func(Either[error, T]) Session[R]) Session[R] {
	return freeSession[R]{
		runReq: func(ctx context.Context, d *Dispatcher) Session[R] {
			v, err := performRequest(ctx, d, req)
			if err != nil {
				return cont(Either[error, T]{left: err, isLeft: true})
			}
			return cont(Either[error, T]{right: v})
		},
	}
}

// Either is a minimal sum type used to surface a Session step's outcome
// without panicking or relying on a second error return that callers
// might ignore -- the caller must branch on IsLeft before touching Right.
type Either[L, R any] struct {
	left   L
	right  R
	isLeft bool
}

// Left wraps a failure value.
func Left[L, R any](v L) Either[L, R] { return Either[L, R]{left: v, isLeft: true} }

// Right wraps a success value.
func Right[L, R any](v R) Either[L, R] { return Either[L, R]{right: v} }

// IsLeft reports whether the Either holds a failure.
func (e Either[L, R]) IsLeft() bool { return e.isLeft }

// Left returns the failure value; only meaningful if IsLeft is true.
func (e Either[L, R]) Left() L { return e.left }

// Right returns the success value; only meaningful if IsLeft is false.
func (e Either[L, R]) Right() R { return e.right }

// RunSession interprets a Session to completion against d, running each
// Free step's Request via performRequest and feeding its outcome to the
// continuation, looping until Pure is reached.
func RunSession[R any](ctx context.Context, d *Dispatcher, s Session[R]) R {
	for {
		step := s.step()
		if step.done {
			return step.value
		}
		s = step.run(ctx, d)
	}
}
