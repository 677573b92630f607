package pgdispatch

import (
	"errors"
	"io"
	"log/slog"

	"github.com/pgdispatch/pgdispatch/pkg/buffer"
)

// chanReader adapts incomingBytesQ to an io.Reader so the Slicer loop can
// reuse buffer.Reader's framing logic (ReadTypedMsg) instead of
// hand-rolling a second length-prefix parser. Read blocks until a chunk is
// available or done closes, at which point it reports io.EOF -- the same
// signal a real socket gives on an orderly close.
type chanReader struct {
	q    *fifo[[]byte]
	done <-chan struct{}
	buf  []byte
}

func (r *chanReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		chunk, ok := r.q.pop(r.done)
		if !ok {
			return 0, io.EOF
		}
		r.buf = chunk
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// serializerLoop is the Serializer loop of spec section 4.1: it reads
// encodeTasks from serializerMsgQ, materialises each into one or more
// contiguous length-prefixed frames using the writer it exclusively owns,
// and pushes the finished frames to outgoingBytesQ.
func (d *Dispatcher) serializerLoop() {
	defer d.wg.Done()

	for {
		task, ok := d.serializerMsgQ.pop(d.done)
		if !ok {
			return
		}

		frames, err := task(d.writer)
		if err != nil {
			// Encoding is total for well-formed requests (spec 4.1); a
			// builder error here is a caller bug, not a wire condition, so
			// it is logged and the frame is dropped rather than treated
			// as a transport or protocol error.
			d.logger.Error("failed to encode outbound message", slog.Any("err", err))
			continue
		}

		for _, frame := range frames {
			d.outgoingBytesQ.push(frame)
		}
	}
}

// senderLoop is the Sender loop of spec section 4.2: it drains
// outgoingBytesQ and writes each buffer fully to the socket, retrying
// partial writes. The first I/O error it observes is published to the
// write-once transport cell and the loop exits.
func (d *Dispatcher) senderLoop() {
	defer d.wg.Done()

	for {
		frame, ok := d.outgoingBytesQ.pop(d.done)
		if !ok {
			return
		}

		if err := d.writeFull(frame); err != nil {
			d.transport.put(NewTransportError(err))
			return
		}
	}
}

func (d *Dispatcher) writeFull(buf []byte) error {
	for len(buf) > 0 {
		n, err := d.conn.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// receiverLoop is the Receiver loop of spec section 4.3: it reads raw
// bytes from the socket into a caller-chosen buffer size, appending each
// chunk to incomingBytesQ. EOF and I/O errors publish a transport error
// and the loop exits. It does not select on done directly -- shutdown
// closes the socket, which unblocks the in-flight Read with an error that
// put-if-empty turns into a no-op if a cause was already published.
func (d *Dispatcher) receiverLoop() {
	defer d.wg.Done()

	buf := make([]byte, d.bufferSize)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			d.incomingBytesQ.push(chunk)
		}
		if err != nil {
			d.transport.put(NewTransportError(err))
			return
		}
	}
}

// slicerLoop is the Slicer loop of spec section 4.4: a framing state
// machine over the rolling buffer fed by incomingBytesQ, peeling off one
// complete (tag, payload) message at a time and emitting it to
// incomingMsgQ. Payloads are copied out of the reader's rolling buffer
// before being queued since the interpreter consumes them on a different
// goroutine, potentially after the slicer has already reused that memory
// for the next message.
func (d *Dispatcher) slicerLoop() {
	defer d.wg.Done()

	cr := &chanReader{q: d.incomingBytesQ, done: d.done}
	reader := buffer.NewReader(d.logger, cr, d.bufferSize)

	for {
		tag, _, err := reader.ReadTypedMsg()
		if err != nil {
			d.transport.put(NewTransportError(err))
			return
		}

		payload := append([]byte(nil), reader.Msg...)
		d.incomingMsgQ.push(inboundMessage{tag: tag, payload: payload})
	}
}

// interpreterLoop is the Interpreter loop of spec section 4.5, the heart
// of the dispatcher. It holds exactly one piece of state: the active
// pendingRequest, or nil for "idle". When a message arrives and there is
// no active processor, the next one is dequeued non-blockingly before the
// message is handled; the message then goes to the active parser, or to
// handleIdle if no processor was queued. Checking after the receive rather
// than before is what lets a processor enqueued mid-wait be picked up by
// the very next message (spec 4.5, "Wake-up ordering").
func (d *Dispatcher) interpreterLoop() {
	defer d.wg.Done()

	var active *pendingRequest

	for {
		msg, ok := d.incomingMsgQ.pop(d.done)
		if !ok {
			d.drainProcessors(active)
			return
		}

		reader := &buffer.Reader{Msg: msg.payload}

		if active == nil {
			if pr, ok := d.resultProcessorQ.tryPop(); ok {
				active = pr
			}
		}

		if active == nil {
			d.handleIdle(msg.tag, reader)
		} else {
			status, err := active.parser.Feed(msg.tag, reader)
			switch status {
			case NeedMore:
			case Done:
				active.resultCh <- requestOutcome{value: active.parser.Value()}
				active = nil
			case Fail:
				var perr *ProtocolError
				if !errors.As(err, &perr) {
					err = NewProtocolError("%s", err)
				}
				active.resultCh <- requestOutcome{err: err}
				active = nil
				// Pipeline synchronisation is lost once a parser fails
				// mid-stream (spec section 7 / Open Question (a));
				// publishing a transport error tears the connection down
				// and drains every other pending request.
				d.transport.put(NewTransportError(err))
			}
		}
	}
}
