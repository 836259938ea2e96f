package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/nengo/nengo-gui/authentication"
	"github.com/nengo/nengo-gui/logger"
	"github.com/nengo/nengo-gui/protocol"
	"golang.org/x/net/websocket"
)

const (
	maxFrameBytes = 1 << 20
	writeTimeout  = 10 * time.Second
	flushTimeout  = time.Second
)

var errSessionClosed = errors.New("session closed")

type session struct {
	id          string
	conn        *websocket.Conn
	codec       protocol.Codec
	lane        *lane
	attempts    *authentication.Attempts
	logger      logger.Logger
	connectedAt time.Time

	state        atomic.Int32
	subscribed   atomic.Bool
	lastActivity atomic.Int64
	// flushBy is the write deadline once the session closes, in unix nanoseconds
	flushBy atomic.Int64

	// mu orders sends against close so nothing follows a final message
	mu         sync.Mutex
	outbound   chan *protocol.Message
	closed     chan struct{}
	writerDone chan struct{}
}

func newSession(conn *websocket.Conn, codec protocol.Codec, l *lane, attempts *authentication.Attempts, queue int, log logger.Logger) *session {
	id := uuid.NewString()
	now := time.Now()
	s := &session{
		id:          id,
		conn:        conn,
		codec:       codec,
		lane:        l,
		attempts:    attempts,
		logger:      log.WithPrefix("[session]").With(map[string]interface{}{"session": id}),
		connectedAt: now,
		outbound:    make(chan *protocol.Message, queue),
		closed:      make(chan struct{}),
		writerDone:  make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

func (s *session) getState() SessionState {
	return SessionState(s.state.Load())
}

func (s *session) setState(state SessionState) {
	s.state.Store(int32(state))
}

func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) idleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// send queues msg for the writer. A session whose queue is full is closed rather than
// silently losing updates.
func (s *session) send(msg *protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return false
	}
	select {
	case s.outbound <- msg:
		return true
	default:
		s.logger.Warn("outbound queue full, closing slow session")
		s.closeLocked("outbound queue full")
		return false
	}
}

func (s *session) close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(reason)
}

// closeWith queues final as the last message before closing.
func (s *session) closeWith(final *protocol.Message, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return
	}
	select {
	case s.outbound <- final:
	default:
	}
	s.closeLocked(reason)
}

func (s *session) closeLocked(reason string) {
	if s.isClosed() {
		return
	}
	s.setState(StateClosed)
	s.logger.Debug("closing: %s", reason)
	flushBy := time.Now().Add(flushTimeout)
	s.flushBy.Store(flushBy.UnixNano())
	close(s.closed)
	if s.conn != nil {
		// cut short a write already blocked on a stalled client
		_ = s.conn.SetWriteDeadline(flushBy)
	}
}

// writeDeadline bounds the next write. Once closed every write shares the flush deadline.
func (s *session) writeDeadline() time.Time {
	if s.isClosed() {
		return time.Unix(0, s.flushBy.Load())
	}
	return time.Now().Add(writeTimeout)
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) write(msg *protocol.Message) error {
	buf, err := s.codec.Marshal(msg)
	if err != nil {
		// an unencodable message is dropped, the connection stays usable
		s.logger.Error("encoding %s message: %v", msg.Type, err)
		return nil
	}
	if err := s.conn.SetWriteDeadline(s.writeDeadline()); err != nil {
		return err
	}
	if s.isClosed() {
		// closed while the deadline was being set
		_ = s.conn.SetWriteDeadline(s.writeDeadline())
	}
	if s.codec.Binary() {
		return websocket.Message.Send(s.conn, buf)
	}
	return websocket.Message.Send(s.conn, string(buf))
}

// writeLoop drains the outbound queue. Once the session closes it flushes what is
// already queued, bounded by flushTimeout, and closes the connection.
func (s *session) writeLoop() {
	defer close(s.writerDone)
	defer s.conn.Close()
	for {
		select {
		case msg := <-s.outbound:
			if err := s.write(msg); err != nil {
				s.logger.Debug("write failed: %v", err)
				s.close("write failed")
				return
			}
		case <-s.closed:
			for {
				select {
				case msg := <-s.outbound:
					if err := s.write(msg); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// open greets the client and moves the session past Connecting.
func (s *session) open(authRequired bool) {
	next := StateActive
	if authRequired {
		next = StateAuthenticating
	}
	s.setState(next)
	name := ""
	if m := s.lane.current.Load(); m != nil {
		name = m.Name
	}
	s.send(protocol.Hello(s.id, authRequired, name))
}

// readLoop processes frames in order until the connection fails or the session closes.
func (s *session) readLoop(authTimeout time.Duration) {
	authDeadline := time.Now().Add(authTimeout)
	for !s.isClosed() {
		deadline := time.Time{}
		if s.getState() == StateAuthenticating {
			deadline = authDeadline
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			s.close("connection closed")
			return
		}
		var frame []byte
		if err := websocket.Message.Receive(s.conn, &frame); err != nil {
			var netErr net.Error
			if s.getState() == StateAuthenticating && errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Info("authentication timed out")
				s.closeWith(protocol.Error("", protocol.ErrKindAuth, "authentication timed out"), "authentication timed out")
				return
			}
			s.close("connection closed")
			return
		}
		s.touch()
		if !s.handle(frame) {
			return
		}
	}
}

func (s *session) handle(frame []byte) bool {
	var msg protocol.Message
	if err := s.codec.Unmarshal(frame, &msg); err != nil {
		s.send(protocol.Error("", protocol.ErrKindProtocol, err.Error()))
		return true
	}
	switch msg.Type {
	case protocol.TypeAuth:
		return s.authenticate(&msg)
	case protocol.TypeCommand:
		if s.getState() != StateActive {
			s.send(protocol.Error(msg.ID, protocol.ErrKindAuth, "authentication required"))
			return true
		}
		cmd, err := protocol.ParseCommand(&msg, s.lane.maxSteps)
		if err != nil {
			s.send(protocol.Error(msg.ID, protocol.ErrKindProtocol, err.Error()))
			return true
		}
		return s.dispatch(cmd)
	default:
		s.send(protocol.Error(msg.ID, protocol.ErrKindProtocol, "unexpected message type "+string(msg.Type)))
		return true
	}
}

func (s *session) authenticate(msg *protocol.Message) bool {
	if s.getState() == StateActive {
		s.send(protocol.AuthResult(true))
		return true
	}
	err := s.attempts.Try(msg.Password)
	switch {
	case err == nil:
		if !s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateActive)) {
			return false
		}
		s.logger.Info("authenticated")
		s.send(protocol.AuthResult(true))
		return true
	case errors.Is(err, authentication.ErrTooManyFailures):
		s.logger.Warn("closing after %d failed authentication attempts", s.attempts.Failures())
		s.send(protocol.AuthResult(false))
		s.closeWith(protocol.Error(msg.ID, protocol.ErrKindAuth, err.Error()), "too many authentication failures")
		return false
	default:
		s.logger.Debug("rejected password (%d failures)", s.attempts.Failures())
		s.send(protocol.AuthResult(false))
		return true
	}
}

// dispatch runs one command. Mutating commands block until the lane has finished
// them so a session's commands take effect in the order they were sent.
func (s *session) dispatch(cmd protocol.Command) bool {
	switch cmd.Kind {
	case protocol.KindSubscribe:
		s.subscribed.Store(cmd.Subscribe)
		s.lane.subscribe(s, cmd.Subscribe)
		snap := s.lane.snapshot()
		s.send(protocol.State(cmd.ID, snap.seq, snap.state))
		return true
	case protocol.KindQuery:
		snap := s.lane.snapshot()
		s.send(protocol.State(cmd.ID, snap.seq, snap.state))
		return true
	}
	j, err := s.lane.submit(cmd, s)
	if err != nil {
		if errors.Is(err, errSessionClosed) {
			return false
		}
		s.send(protocol.Error(cmd.ID, errorKind(err), err.Error()))
		return true
	}
	select {
	case <-j.done:
		return true
	case <-s.closed:
		return false
	}
}
