package pgdispatch

import (
	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

// ParseStatus is the outcome of feeding one message into a Parser.
type ParseStatus int

const (
	// NeedMore indicates the parser has not yet seen enough messages to
	// produce a result and should be fed the next one.
	NeedMore ParseStatus = iota
	// Done indicates the parser has produced a final value, retrievable
	// through Value.
	Done
	// Fail indicates the inbound message did not satisfy the parser's
	// expected shape. The interpreter turns this into a ProtocolError.
	Fail
)

// Parser is a state machine that consumes a stream of backend messages for
// a single pending request and eventually resolves to a value or fails. It
// is plain data -- no host-language monad machinery -- matching the
// feed/andThen/choice model: sequential composition chains parsers one
// after another, and choice dispatches on the first message's tag.
type Parser interface {
	// Feed consumes one backend message. msg is only valid for the
	// duration of the call; a parser that needs to retain data from it
	// must copy it out before returning.
	Feed(tag types.ServerMessage, msg *buffer.Reader) (ParseStatus, error)
	// Value returns the parser's final result. Only meaningful once Feed
	// has returned Done.
	Value() any
}

// statefulParser adapts a feed closure plus a value getter into a Parser;
// the closures hold whatever state the parser needs.
type statefulParser struct {
	feed  func(tag types.ServerMessage, msg *buffer.Reader) (ParseStatus, error)
	value func() any
}

func (p *statefulParser) Feed(tag types.ServerMessage, msg *buffer.Reader) (ParseStatus, error) {
	return p.feed(tag, msg)
}

func (p *statefulParser) Value() any { return p.value() }

// andThen sequences two parsers: first runs to completion, then its value
// is handed to next to build the parser that consumes the remainder of the
// stream. Intervening NoticeResponse and ParameterStatus messages are
// swallowed transparently at every stage by skipAsides, matching the
// "composition must accept intervening messages transparently" rule.
// onParameterChange, when non-nil, is forwarded to by every skipAside
// within this chain -- a ParameterStatus interleaved inside a pipelined
// request (e.g. ExtendedQueryRequest) reaches it the same way one that
// arrives while idle reaches Dispatcher.setParameter.
func andThen(first Parser, next func(any) Parser, onParameterChange func(string, string)) Parser {
	var second Parser

	return &statefulParser{
		feed: func(tag types.ServerMessage, msg *buffer.Reader) (ParseStatus, error) {
			if second == nil {
				if skip, _ := skipAside(tag, msg, onParameterChange); skip {
					return NeedMore, nil
				}

				status, err := first.Feed(tag, msg)
				switch status {
				case NeedMore:
					return NeedMore, nil
				case Fail:
					return Fail, err
				case Done:
					second = next(first.Value())
					return NeedMore, nil
				}
			}

			if skip, _ := skipAside(tag, msg, onParameterChange); skip {
				return NeedMore, nil
			}

			return second.Feed(tag, msg)
		},
		value: func() any {
			if second != nil {
				return second.Value()
			}
			return nil
		},
	}
}

// skipAside reports whether tag is a NoticeResponse or ParameterStatus
// message that every composed parser accepts transparently at any point.
// ParameterStatus updates are also forwarded to onChange, when supplied.
func skipAside(tag types.ServerMessage, msg *buffer.Reader, onChange func(string, string)) (bool, error) {
	switch tag {
	case types.ServerNoticeResponse:
		return true, nil
	case types.ServerParameterStatus:
		if onChange != nil {
			name, err := msg.GetString()
			if err == nil {
				value, _ := msg.GetString()
				onChange(name, value)
			}
		}
		return true, nil
	default:
		return false, nil
	}
}

// mapParser transforms a parser's terminal Done value through f, leaving
// NeedMore/Fail behaviour untouched. Used to assemble a composite result
// type from the last parser in an andThen chain without threading the
// transform through every intermediate stage.
func mapParser(p Parser, f func(any) any) Parser {
	return &statefulParser{
		feed:  p.Feed,
		value: func() any { return f(p.Value()) },
	}
}

// errorOrTag builds a parser that completes successfully with a
// *BackendError if tag is an ErrorResponse at this position (the
// "backend error is a successful parse" rule), or otherwise delegates to
// match for the expected tag. match returns the parsed value or an error;
// label names the expected message in the protocol-error text on mismatch.
func errorOrTag(expect types.ServerMessage, match func(msg *buffer.Reader) (any, error), label string) Parser {
	var result any

	return &statefulParser{
		feed: func(tag types.ServerMessage, msg *buffer.Reader) (ParseStatus, error) {
			if skip, _ := skipAside(tag, msg, nil); skip {
				return NeedMore, nil
			}

			switch tag {
			case types.ServerErrorResponse:
				be, err := parseErrorResponse(msg)
				if err != nil {
					return Fail, err
				}
				result = be
				return Done, nil
			case expect:
				v, err := match(msg)
				if err != nil {
					return Fail, err
				}
				result = v
				return Done, nil
			default:
				return Fail, NewProtocolError("expected %s, got %s", label, tag)
			}
		},
		value: func() any { return result },
	}
}
