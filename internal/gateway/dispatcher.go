package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chozzz/vargos-sub004/internal/logging"
	"github.com/chozzz/vargos-sub004/pkg/protocol"
)

// DefaultCallTimeout bounds an RPC when the caller passes no timeout.
const DefaultCallTimeout = 30 * time.Second

type pendingCall struct {
	target string
	settle func(*protocol.Frame)
	timer  *time.Timer
}

// Dispatcher correlates request ids with their response waiters. Every
// dispatched request settles exactly once: with the matching response,
// with TIMEOUT when the deadline fires, or with SERVICE_UNAVAILABLE
// when the target service disconnects first.
type Dispatcher struct {
	mu       sync.Mutex
	registry *Registry
	pending  map[string]*pendingCall
	timeout  time.Duration
	tracer   trace.Tracer
	log      *slog.Logger
}

// NewDispatcher builds a dispatcher over the registry and hooks
// deregistration so calls to a vanished service fail fast.
func NewDispatcher(registry *Registry) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		pending:  make(map[string]*pendingCall),
		timeout:  DefaultCallTimeout,
		tracer:   otel.Tracer("vargos/gateway"),
		log:      logging.Scoped("gateway"),
	}
	registry.OnDeregister(d.failService)
	return d
}

// Call performs an in-process RPC to a registered service and blocks
// for the response. timeout <= 0 uses the 30s default. The returned
// error carries the remote error code when the call itself reached the
// service.
func (d *Dispatcher) Call(ctx context.Context, target, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := d.tracer.Start(ctx, "rpc.dispatch", trace.WithAttributes(
		attribute.String("rpc.target", target),
		attribute.String("rpc.method", method),
	))
	defer span.End()

	frame, err := protocol.NewRequest(target, method, params)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	ch := make(chan *protocol.Frame, 1)
	if err := d.dispatch(target, frame, func(res *protocol.Frame) { ch <- res }, timeout); err != nil {
		span.RecordError(err)
		return nil, err
	}

	select {
	case res := <-ch:
		if res.OK != nil && *res.OK {
			return res.Payload, nil
		}
		if res.Error != nil {
			err := res.Error.AsError()
			span.RecordError(err)
			return nil, err
		}
		return nil, protocol.NewError(protocol.CodeInternal, "malformed response")
	case <-ctx.Done():
		d.abandon(frame.ID)
		span.RecordError(ctx.Err())
		return nil, ctx.Err()
	}
}

// Relay forwards a request frame from one socket to its target service
// and routes the eventual response back to the origin connection.
// Routing failures answer the origin immediately.
func (d *Dispatcher) Relay(origin *Conn, frame *protocol.Frame) {
	settle := func(res *protocol.Frame) {
		if err := origin.Enqueue(res); err != nil {
			d.log.Warn("relay response dropped", "id", res.ID, "error", err)
		}
	}
	if err := d.dispatch(frame.Target, frame, settle, 0); err != nil {
		settle(protocol.NewErrorResponse(frame.ID, err))
	}
}

// Settle routes a response frame to its pending waiter. It reports
// false for unknown ids, which means the call already timed out or the
// response is a duplicate.
func (d *Dispatcher) Settle(res *protocol.Frame) bool {
	d.mu.Lock()
	pc, ok := d.pending[res.ID]
	if ok {
		pc.timer.Stop()
		delete(d.pending, res.ID)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	pc.settle(res)
	return true
}

// PendingCount reports outstanding calls, for the status method.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) dispatch(target string, frame *protocol.Frame, settle func(*protocol.Frame), timeout time.Duration) error {
	conn, err := d.registry.Route(target, frame.Method)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = d.timeout
	}

	id := frame.ID
	pc := &pendingCall{target: target, settle: settle}
	d.mu.Lock()
	d.pending[id] = pc
	pc.timer = time.AfterFunc(timeout, func() { d.expire(id) })
	d.mu.Unlock()

	if err := conn.Enqueue(frame); err != nil {
		d.abandon(id)
		return protocol.Errorf(protocol.CodeServiceUnavailable, "service %q unreachable: %v", target, err)
	}
	return nil
}

func (d *Dispatcher) expire(id string) {
	d.mu.Lock()
	pc, ok := d.pending[id]
	delete(d.pending, id)
	d.mu.Unlock()

	if !ok {
		return
	}
	d.log.Warn("rpc timed out", "id", id, "target", pc.target)
	pc.settle(protocol.NewErrorResponse(id, protocol.NewError(protocol.CodeTimeout, "call timed out")))
}

// abandon drops a pending entry without settling it; the caller
// already gave up on the response.
func (d *Dispatcher) abandon(id string) {
	d.mu.Lock()
	if pc, ok := d.pending[id]; ok {
		pc.timer.Stop()
		delete(d.pending, id)
	}
	d.mu.Unlock()
}

// failService settles every call targeting a deregistered service with
// SERVICE_UNAVAILABLE.
func (d *Dispatcher) failService(service string) {
	d.mu.Lock()
	var ids []string
	var calls []*pendingCall
	for id, pc := range d.pending {
		if pc.target == service {
			pc.timer.Stop()
			delete(d.pending, id)
			ids = append(ids, id)
			calls = append(calls, pc)
		}
	}
	d.mu.Unlock()

	for i, pc := range calls {
		pc.settle(protocol.NewErrorResponse(ids[i],
			protocol.Errorf(protocol.CodeServiceUnavailable, "service %q disconnected", service)))
	}
}
