package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remotecar/bluelink-proxy/internal/log"
	"github.com/remotecar/bluelink-proxy/internal/metrics"
	"github.com/remotecar/bluelink-proxy/pkg/protocol"
	"github.com/remotecar/bluelink-proxy/pkg/vehicle"
)

const (
	// DefaultTimeout bounds every upstream call.
	DefaultTimeout = 30 * time.Second
	queueLength    = 64
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("dispatcher closed")

// VehicleSource supplies the currently selected vehicle, or nil if there is none.
type VehicleSource interface {
	Vehicle() vehicle.Vehicle
}

// Func performs one upstream capability on a vehicle.
type Func func(ctx context.Context, car vehicle.Vehicle) (json.RawMessage, error)

type outcome struct {
	result json.RawMessage
	err    error
}

const (
	jobPending int32 = iota
	jobStarted
	jobAbandoned
)

type job struct {
	ctx    context.Context
	action vehicle.Action
	car    vehicle.Vehicle
	fn     Func
	reply  chan outcome
	state  atomic.Int32
}

// start claims j for the worker. It fails if the caller already gave up on j.
func (j *job) start() bool {
	return j.ctx.Err() == nil && j.state.CompareAndSwap(jobPending, jobStarted)
}

// abandon withdraws j from the queue. It returns false if the worker already started j.
func (j *job) abandon() bool {
	return j.state.CompareAndSwap(jobPending, jobAbandoned)
}

// Dispatcher runs vehicle actions against the vehicle selected by a VehicleSource.
//
// A serialized Dispatcher hands every action to a single worker goroutine in FIFO order, so only
// one action is in flight upstream at a time. Otherwise actions run on the caller's goroutine.
type Dispatcher struct {
	Timeout time.Duration

	source VehicleSource
	queue  chan *job

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Dispatcher. A non-positive timeout selects DefaultTimeout.
func New(source VehicleSource, timeout time.Duration, serialize bool) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d := &Dispatcher{
		Timeout: timeout,
		source:  source,
		done:    make(chan struct{}),
	}
	if serialize {
		d.queue = make(chan *job, queueLength)
		go d.worker()
	}
	return d
}

// Serialized returns true if actions are funneled through the FIFO worker.
func (d *Dispatcher) Serialized() bool {
	return d.queue != nil
}

// Close stops the worker. Actions already queued fail with ErrClosed.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}

func (d *Dispatcher) worker() {
	for {
		select {
		case j := <-d.queue:
			if !j.start() {
				// The caller stopped waiting; skip rather than send a stale command.
				continue
			}
			result, finished, err := d.call(j.ctx, j.action, j.car, j.fn)
			j.reply <- outcome{result, err}
			// A timed-out capability may still be talking to the upstream service. The next job
			// waits for it.
			select {
			case <-finished:
			case <-d.done:
				return
			}
		case <-d.done:
			return
		}
	}
}

// Run invokes fn on the selected vehicle and returns either the upstream result or an error
// classified with a [protocol.Kind]. Failures are scoped to the action and never touch session
// state.
func (d *Dispatcher) Run(ctx context.Context, action vehicle.Action, fn Func) (json.RawMessage, error) {
	car := d.source.Vehicle()
	if car == nil {
		return nil, protocol.ErrNotReady
	}

	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	start := time.Now()
	log.Debug("Executing %s on %s", action, car.VIN())
	result, err := d.dispatch(ctx, action, car, fn)
	metrics.ActionDuration.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.ActionsTotal.WithLabelValues(string(action), "success").Inc()
		log.Info("Action %s on %s succeeded", action, car.VIN())
	case protocol.IsTimeout(err):
		metrics.ActionsTotal.WithLabelValues(string(action), "timeout").Inc()
		log.Error("Action %s on %s timed out after %s", action, car.VIN(), d.Timeout)
	default:
		metrics.ActionsTotal.WithLabelValues(string(action), "error").Inc()
		log.Error("Action %s on %s failed: %s", action, car.VIN(), err)
	}
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, action vehicle.Action, car vehicle.Vehicle, fn Func) (json.RawMessage, error) {
	select {
	case <-d.done:
		return nil, ErrClosed
	default:
	}
	if d.queue == nil {
		result, _, err := d.call(ctx, action, car, fn)
		return result, err
	}

	j := &job{ctx: ctx, action: action, car: car, fn: fn, reply: make(chan outcome, 1)}
	select {
	case d.queue <- j:
	case <-ctx.Done():
		// Never sent upstream, so it cannot have succeeded.
		return nil, contextError(ctx, false)
	case <-d.done:
		return nil, ErrClosed
	}

	select {
	case o := <-j.reply:
		return o.result, o.err
	case <-ctx.Done():
		if j.abandon() {
			return nil, contextError(ctx, false)
		}
		return nil, contextError(ctx, action.Mutating())
	case <-d.done:
		return nil, ErrClosed
	}
}

// call runs fn under ctx. The returned channel is closed once fn has returned, which may be after
// call itself returns with a timeout.
func (d *Dispatcher) call(ctx context.Context, action vehicle.Action, car vehicle.Vehicle, fn Func) (json.RawMessage, <-chan struct{}, error) {
	result, finished, err := bounded(ctx, action.Mutating(), func(ctx context.Context) (json.RawMessage, error) {
		return fn(ctx, car)
	})
	if err != nil {
		return nil, finished, protocol.Wrap(protocol.KindAction, err)
	}
	return result, finished, nil
}

// Bounded runs fn and returns when it completes or ctx is done, whichever comes first. A deadline
// expiry is reported as an upstream timeout even if fn ignores ctx and never returns.
func Bounded[T any](ctx context.Context, mayHaveSucceeded bool, fn func(context.Context) (T, error)) (T, error) {
	value, _, err := bounded(ctx, mayHaveSucceeded, fn)
	return value, err
}

func bounded[T any](ctx context.Context, mayHaveSucceeded bool, fn func(context.Context) (T, error)) (T, <-chan struct{}, error) {
	type result struct {
		value T
		err   error
	}
	ch := make(chan result, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		value, err := fn(ctx)
		ch <- result{value, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return r.value, finished, protocol.Timeout(mayHaveSucceeded)
		}
		return r.value, finished, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, finished, protocol.Timeout(mayHaveSucceeded)
		}
		return zero, finished, ctx.Err()
	}
}

func contextError(ctx context.Context, mayHaveSucceeded bool) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.Timeout(mayHaveSucceeded)
	}
	return protocol.Wrap(protocol.KindAction, ctx.Err())
}
