package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nengo/nengo-gui/backend"
	"github.com/nengo/nengo-gui/logger"
	"github.com/nengo/nengo-gui/model"
	"github.com/nengo/nengo-gui/protocol"
	"github.com/nengo/nengo-gui/sys"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

const testModel = `
name: test
dt: 0.01
nodes:
  - label: stim
    kind: input
    value: 1
  - label: a
    tau: 0.1
connections:
  - pre: stim
    post: a
`

func writeModelFile(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func testConfig(t *testing.T) Config {
	t.Helper()
	port, err := sys.GetFreePort()
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = port
	cfg.Browser = false
	cfg.TickInterval = 20 * time.Millisecond
	cfg.StepsPerTick = 1
	return cfg
}

func newContext(t *testing.T, src string) *model.Context {
	t.Helper()
	mctx := model.NewContext(writeModelFile(t, src), backend.Reference())
	t.Cleanup(func() { _ = mctx.Close() })
	return mctx
}

func startServer(t *testing.T, mutate func(*Config), opts ...Option) (*Server, *logger.TestLogger) {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	log := logger.NewTestLogger()
	srv := New(log, cfg, newContext(t, testModel), opts...)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, log
}

type client struct {
	t     *testing.T
	conn  *websocket.Conn
	codec protocol.Codec
	hello *protocol.Message
}

func wsURL(srv *Server, query string) string {
	return "ws://" + srv.Addr().String() + "/ws" + query
}

func originFor(srv *Server) string {
	return "http://" + srv.Addr().String() + "/"
}

func dial(t *testing.T, srv *Server, query string) *client {
	t.Helper()
	cfg, err := websocket.NewConfig(wsURL(srv, query), originFor(srv))
	require.NoError(t, err)
	return dialConfig(t, cfg, protocol.JSON)
}

func dialConfig(t *testing.T, cfg *websocket.Config, codec protocol.Codec) *client {
	t.Helper()
	conn, err := websocket.DialConfig(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &client{t: t, conn: conn, codec: codec}
	c.hello = c.recv()
	require.Equal(t, protocol.TypeHello, c.hello.Type)
	return c
}

func (c *client) send(msg *protocol.Message) {
	c.t.Helper()
	buf, err := c.codec.Marshal(msg)
	require.NoError(c.t, err)
	if c.codec.Binary() {
		require.NoError(c.t, websocket.Message.Send(c.conn, buf))
		return
	}
	require.NoError(c.t, websocket.Message.Send(c.conn, string(buf)))
}

func (c *client) command(id string, kind protocol.Kind, payload string) {
	c.t.Helper()
	msg := &protocol.Message{Type: protocol.TypeCommand, ID: id, Kind: kind}
	if payload != "" {
		msg.Payload = []byte(payload)
	}
	c.send(msg)
}

func (c *client) read() (*protocol.Message, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		return nil, err
	}
	var frame []byte
	if err := websocket.Message.Receive(c.conn, &frame); err != nil {
		return nil, err
	}
	var msg protocol.Message
	if err := c.codec.Unmarshal(frame, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *client) recv() *protocol.Message {
	c.t.Helper()
	msg, err := c.read()
	require.NoError(c.t, err)
	return msg
}

// recvUntil skips messages until match accepts one.
func (c *client) recvUntil(match func(*protocol.Message) bool) *protocol.Message {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msg := c.recv(); match(msg) {
			return msg
		}
	}
	c.t.Fatal("no matching message before deadline")
	return nil
}

func withID(id string) func(*protocol.Message) bool {
	return func(m *protocol.Message) bool { return m.ID == id }
}

// expectClosed reads until the server closes the connection.
func (c *client) expectClosed() []*protocol.Message {
	c.t.Helper()
	var seen []*protocol.Message
	for i := 0; i < 1000; i++ {
		msg, err := c.read()
		if err != nil {
			return seen
		}
		seen = append(seen, msg)
	}
	c.t.Fatal("connection was not closed")
	return nil
}

func (c *client) session(srv *Server) *session {
	c.t.Helper()
	s, ok := srv.store.get(c.hello.Session)
	require.True(c.t, ok)
	return s
}
