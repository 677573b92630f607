package pgdispatch

import (
	"log/slog"
	"net"
	"sync"

	"github.com/pgdispatch/pgdispatch/pkg/buffer"
	"github.com/pgdispatch/pgdispatch/pkg/types"
)

// encodeTask materialises one or more protocol messages into finished,
// length-prefixed byte frames using the Serializer loop's writer. It is the
// "opaque byte-builder" half of a Request.
type encodeTask func(w *buffer.Writer) ([][]byte, error)

// inboundMessage is one framed backend message as emitted by the Slicer
// loop: a type tag and its payload, copied out of the rolling buffer.
type inboundMessage struct {
	tag     types.ServerMessage
	payload []byte
}

// pendingRequest is the concrete, non-generic form of a ResultProcessor:
// a parser fed successive inbound messages, and the channel its final
// outcome is delivered on.
type pendingRequest struct {
	parser   Parser
	resultCh chan requestOutcome
}

type requestOutcome struct {
	value any
	err   error
}

// Dispatcher owns one connection's five cooperating loops (Serializer,
// Sender, Receiver, Slicer, Interpreter) and is the caller-facing handle
// for submitting requests and tearing the connection down.
type Dispatcher struct {
	logger *slog.Logger
	conn   net.Conn

	bufferSize int

	serializerMsgQ   *fifo[encodeTask]
	outgoingBytesQ   *fifo[[]byte]
	incomingBytesQ   *fifo[[]byte]
	incomingMsgQ     *fifo[inboundMessage]
	resultProcessorQ *fifo[*pendingRequest]

	// enqueueMu serialises the two-queue transaction performRequest uses
	// to admit a request: pushing the encode task and its result
	// processor together is the only point at which pipeline ordering is
	// established (spec section 5).
	enqueueMu sync.Mutex

	transport *transportCell
	stop      chan struct{}
	// done is closed exactly once, by shutdownWatcher, the first time
	// either Stop is called or a transport error is published. It is the
	// single signal every loop's queue.pop selects on, so a transport
	// error observed by Sender or Receiver wakes Serializer/Slicer/
	// Interpreter without waiting for an explicit Stop.
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	writer *buffer.Writer // owned exclusively by the Serializer loop

	onNotification      func(Notification)
	onUnaffiliatedError func(error)
	onParameterChange   func(name, value string)

	paramMu          sync.RWMutex
	params           map[string]string
	integerDatetimes IntegerDatetimesFlag

	backendPID int32
	backendKey int32

	values *ValueDecoder
}

// newDispatcher wires the five loops' queues and the write-once transport
// cell, but does not start any goroutine -- callers use start.
func newDispatcher(conn net.Conn, settings Settings) *Dispatcher {
	d := &Dispatcher{
		logger:     settings.logger(),
		conn:       conn,
		bufferSize: settings.bufferSize(),

		serializerMsgQ:   newFifo[encodeTask](),
		outgoingBytesQ:   newFifo[[]byte](),
		incomingBytesQ:   newFifo[[]byte](),
		incomingMsgQ:     newFifo[inboundMessage](),
		resultProcessorQ: newFifo[*pendingRequest](),

		transport: newTransportCell(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),

		writer: buffer.NewWriter(settings.logger()),
		values: NewValueDecoder(),

		params: make(map[string]string),

		onNotification:      settings.onNotification,
		onUnaffiliatedError: settings.onUnaffiliatedError,
		onParameterChange:   settings.onParameterChange,
	}

	return d
}

// start launches the five loops plus the shutdown watcher. Each loop is an
// independent long-running goroutine; none shares state with another
// except through the queues and the transport cell.
func (d *Dispatcher) start() {
	d.wg.Add(6)
	go d.shutdownWatcher()
	go d.serializerLoop()
	go d.senderLoop()
	go d.receiverLoop()
	go d.slicerLoop()
	go d.interpreterLoop()
}

// shutdownWatcher closes done -- the signal every loop's blocking queue
// pop selects on -- the first time either stop fires (explicit Stop) or
// the transport cell is published to (Sender/Receiver I/O failure). It
// also closes the socket, which unblocks whichever of Sender/Receiver did
// not itself observe the failure; that loop's own attempt to publish a
// transport error is then a harmless no-op (put-if-empty).
func (d *Dispatcher) shutdownWatcher() {
	defer d.wg.Done()

	select {
	case <-d.stop:
	case <-d.transport.closed():
	}

	close(d.done)
	_ = d.conn.Close()
}

// Stop tears down all five loops and closes the underlying connection.
// In-flight result cells are fulfilled with a TransportError wrapping
// errStopped, unless a transport error was already published.
// After Stop returns, performRequest rejects immediately.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.transport.put(NewTransportError(errStopped))
		close(d.stop)
	})
	d.wg.Wait()
}

func (d *Dispatcher) setParameter(name, value string) {
	d.paramMu.Lock()
	d.params[name] = value
	d.paramMu.Unlock()

	if name == "integer_datetimes" {
		d.integerDatetimes = IntegerDatetimesFlag(value == "on")
	}

	if d.onParameterChange != nil {
		d.onParameterChange(name, value)
	}
}

// Parameter returns the last value reported for a startup/runtime
// parameter, such as "server_version" or "DateStyle".
func (d *Dispatcher) Parameter(name string) (string, bool) {
	d.paramMu.RLock()
	defer d.paramMu.RUnlock()
	v, ok := d.params[name]
	return v, ok
}

// IntegerDatetimes reports the connection's "integer_datetimes" setting,
// threaded through to RowDecoder per spec.
func (d *Dispatcher) IntegerDatetimes() IntegerDatetimesFlag {
	return d.integerDatetimes
}

// Values returns the connection's column-value decoder, seeded with
// pgtype's built-in OID registry.
func (d *Dispatcher) Values() *ValueDecoder {
	return d.values
}

// handleIdle processes one inbound message while no ResultProcessor is
// active, per spec section 4.5 state "idle".
func (d *Dispatcher) handleIdle(tag types.ServerMessage, msg *buffer.Reader) {
	switch tag {
	case types.ServerNotificationResponse:
		pid, err := msg.GetUint32()
		if err != nil {
			d.publishUnaffiliatedError(NewProtocolError("malformed NotificationResponse: %s", err))
			return
		}
		channel, err := msg.GetString()
		if err != nil {
			d.publishUnaffiliatedError(NewProtocolError("malformed NotificationResponse: %s", err))
			return
		}
		payload, err := msg.GetString()
		if err != nil {
			d.publishUnaffiliatedError(NewProtocolError("malformed NotificationResponse: %s", err))
			return
		}
		d.publishNotification(Notification{PID: int32(pid), Channel: channel, Payload: payload})

	case types.ServerErrorResponse:
		be, err := parseErrorResponse(msg)
		if err != nil {
			d.publishUnaffiliatedError(NewProtocolError("malformed ErrorResponse: %s", err))
			return
		}
		d.publishUnaffiliatedError(be)

	case types.ServerParameterStatus:
		name, err := msg.GetString()
		if err != nil {
			return
		}
		value, err := msg.GetString()
		if err != nil {
			return
		}
		d.setParameter(name, value)

	case types.ServerReady, types.ServerNoticeResponse, types.ServerBackendKeyData:
		// ignored while idle; BackendKeyData only arrives during startup,
		// handled separately by the handshake, but is harmless here too.

	default:
		d.publishUnaffiliatedError(NewProtocolError("unexpected message %s in idle state", tag))
	}
}

func (d *Dispatcher) publishNotification(n Notification) {
	if d.onNotification != nil {
		d.onNotification(n)
	}
}

func (d *Dispatcher) publishUnaffiliatedError(err error) {
	if d.onUnaffiliatedError != nil {
		d.onUnaffiliatedError(err)
	}
}

// drainProcessors fulfils every still-pending processor with the published
// transport error once the interpreter loop is shutting down.
func (d *Dispatcher) drainProcessors(active *pendingRequest) {
	terr := d.transport.get()
	if terr == nil {
		terr = NewTransportError(errStopped)
	}

	if active != nil {
		active.resultCh <- requestOutcome{err: terr}
	}

	for {
		pr, ok := d.resultProcessorQ.tryPop()
		if !ok {
			return
		}
		pr.resultCh <- requestOutcome{err: terr}
	}
}
