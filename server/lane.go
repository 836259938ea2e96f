package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/logger"
	"github.com/nengo/nengo-gui/model"
	"github.com/nengo/nengo-gui/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const laneQueue = 64

type job struct {
	cmd    protocol.Command
	origin *session
	done   chan error
}

type snapshot struct {
	seq   uint64
	state model.State
}

// lane is the single writer for one model context. Every mutating command and every
// tick of a running simulation executes on its worker goroutine, in arrival order.
type lane struct {
	name         string
	mctx         *model.Context
	logger       logger.Logger
	tracer       trace.Tracer
	tick         time.Duration
	stepsPerTick int
	maxSteps     int
	grace        time.Duration

	// ctx bounds executor calls; close cancels it when a command outlives the grace period
	ctx    context.Context
	cancel context.CancelFunc

	jobs    chan *job
	closing chan struct{}
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	subMu       sync.RWMutex
	subscribers map[*session]struct{}

	// owned by the worker
	exec    model.Executable
	running bool
	seq     uint64

	halted    atomic.Bool
	current   atomic.Pointer[model.Model]
	published atomic.Pointer[snapshot]
}

func newLane(name string, mctx *model.Context, m *model.Model, cfg Config, log logger.Logger, tracer trace.Tracer) *lane {
	ctx, cancel := context.WithCancel(context.Background())
	l := &lane{
		name:         name,
		mctx:         mctx,
		logger:       log.WithPrefix("[lane]").With(map[string]interface{}{"context": name}),
		tracer:       tracer,
		tick:         cfg.TickInterval,
		stepsPerTick: cfg.StepsPerTick,
		maxSteps:     cfg.MaxStepsPerCommand,
		grace:        cfg.ShutdownGrace,
		ctx:          ctx,
		cancel:       cancel,
		jobs:         make(chan *job, laneQueue),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		subscribers:  make(map[*session]struct{}),
		exec:         m.Exec,
	}
	l.current.Store(m)
	l.commit()
	return l
}

// snapshot returns the last published state. It never blocks on the worker.
func (l *lane) snapshot() *snapshot {
	return l.published.Load()
}

func (l *lane) subscribe(s *session, on bool) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if on {
		l.subscribers[s] = struct{}{}
	} else {
		delete(l.subscribers, s)
	}
}

func (l *lane) subscriberCount() int {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	return len(l.subscribers)
}

func (l *lane) subscribed() []*session {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	out := make([]*session, 0, len(l.subscribers))
	for s := range l.subscribers {
		out = append(out, s)
	}
	return out
}

// submit queues a mutating command. The returned job's done channel receives the
// outcome once the command ran or the lane shut down.
func (l *lane) submit(cmd protocol.Command, origin *session) (*job, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return nil, errors.Wrapf(ErrLaneClosed, "context %q", l.name)
	}
	j := &job{cmd: cmd, origin: origin, done: make(chan error, 1)}
	select {
	case l.jobs <- j:
		return j, nil
	case <-origin.closed:
		return nil, errSessionClosed
	}
}

// close stops the worker after the command in progress. Queued commands fail with
// ErrLaneClosed. A command still running after the grace period has its context
// cancelled.
func (l *lane) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.closing)
	l.mu.Unlock()
	defer l.cancel()

	timer := time.NewTimer(l.grace)
	defer timer.Stop()
	select {
	case <-l.done:
	case <-timer.C:
		l.logger.Warn("command still running after %v, cancelling it", l.grace)
		l.cancel()
		<-l.done
	}
}

func (l *lane) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	for {
		select {
		case <-l.closing:
			l.drain()
			return
		default:
		}
		var tick <-chan time.Time
		if l.running {
			tick = ticker.C
		}
		select {
		case <-l.closing:
			l.drain()
			return
		case j := <-l.jobs:
			l.execute(j)
		case <-tick:
			l.advance()
		}
	}
}

func (l *lane) drain() {
	for {
		select {
		case j := <-l.jobs:
			err := errors.Wrapf(ErrLaneClosed, "context %q", l.name)
			j.origin.send(protocol.Error(j.cmd.ID, protocol.ErrKindShutdown, err.Error()))
			j.done <- err
		default:
			return
		}
	}
}

func (l *lane) startSpan(name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("nengo.context", l.name))
	return l.tracer.Start(l.ctx, name, trace.WithAttributes(attrs...))
}

func (l *lane) execute(j *job) {
	ctx, span := l.startSpan("lane."+string(j.cmd.Kind),
		attribute.String("nengo.session", j.origin.id),
		attribute.String("nengo.request", j.cmd.ID),
	)
	started := time.Now()
	err := l.apply(ctx, j.cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.fail(j.origin, j.cmd.ID, err)
	} else {
		l.publish(j.origin, j.cmd.ID)
	}
	span.End()
	l.logger.Trace("%s from %s took %v", j.cmd.Kind, j.origin.id, time.Since(started))
	j.done <- err
}

func (l *lane) apply(ctx context.Context, cmd protocol.Command) error {
	if l.halted.Load() && cmd.Kind != protocol.KindReload {
		return errors.Wrapf(ErrHalted, "context %q is halted until it is reloaded", l.name)
	}
	switch cmd.Kind {
	case protocol.KindRun:
		l.running = true
	case protocol.KindPause:
		l.running = false
	case protocol.KindStep:
		return l.exec.Step(ctx, cmd.Steps)
	case protocol.KindReset:
		return l.exec.Reset(ctx)
	case protocol.KindSetParam:
		return l.exec.SetParam(ctx, cmd.Name, cmd.Value)
	case protocol.KindReload:
		m, err := l.mctx.Reload(ctx)
		if err != nil {
			return err
		}
		l.exec = m.Exec
		l.current.Store(m)
		l.running = false
		if l.halted.Swap(false) {
			l.logger.Info("resumed after reload")
		}
	default:
		return errors.Mark(errors.Newf("command %q does not run on the lane", cmd.Kind), protocol.ErrProtocol)
	}
	return nil
}

// advance steps a running simulation once per tick and broadcasts the result.
func (l *lane) advance() {
	ctx, span := l.startSpan("lane.tick", attribute.Int("nengo.steps", l.stepsPerTick))
	defer span.End()
	if err := l.exec.Step(ctx, l.stepsPerTick); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.running = false
		l.fail(nil, "", err)
		return
	}
	l.publish(nil, "")
}

func (l *lane) commit() *snapshot {
	st := l.exec.Snapshot()
	st.Running = l.running
	st.Halted = l.halted.Load()
	l.seq++
	snap := &snapshot{seq: l.seq, state: st}
	l.published.Store(snap)
	return snap
}

func (l *lane) publish(origin *session, id string) {
	snap := l.commit()
	msg := protocol.State("", snap.seq, snap.state)
	if origin != nil {
		msg.Session = origin.id
	}
	l.deliver(origin, id, msg)
}

func (l *lane) fail(origin *session, id string, err error) {
	kind := errorKind(err)
	switch kind {
	case protocol.ErrKindFatal:
		l.halted.Store(true)
		l.running = false
		l.logger.Error("halted: %v", err)
		// the executor state is unusable, so keep serving the last good values
		prev := l.published.Load().state.Clone()
		prev.Running = false
		prev.Halted = true
		l.seq++
		l.published.Store(&snapshot{seq: l.seq, state: prev})
		l.deliver(origin, id, protocol.Error("", kind, err.Error()))
	case protocol.ErrKindExecution, protocol.ErrKindModelLoad:
		l.logger.Warn("%s failed: %v", kind, err)
		l.deliver(origin, id, protocol.Error("", kind, err.Error()))
	default:
		if origin != nil {
			origin.send(protocol.Error(id, kind, err.Error()))
		}
	}
}

// deliver sends msg to every subscriber and to the originator, which gets its own
// copy carrying the request id.
func (l *lane) deliver(origin *session, id string, msg *protocol.Message) {
	if origin != nil {
		own := *msg
		own.ID = id
		origin.send(&own)
	}
	for _, s := range l.subscribed() {
		if s != origin {
			s.send(msg)
		}
	}
}
