package server

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/backend"
	"github.com/nengo/nengo-gui/logger"
	"github.com/nengo/nengo-gui/model"
	"github.com/nengo/nengo-gui/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/websocket"
)

func TestPasswordSessionLifecycle(t *testing.T) {
	srv, _ := startServer(t, func(c *Config) { c.Password = "secret" })
	c := dial(t, srv, "")
	require.NotNil(t, c.hello.AuthRequired)
	assert.True(t, *c.hello.AuthRequired)
	assert.Equal(t, "test", c.hello.Model)

	c.command("early", protocol.KindStep, "")
	msg := c.recv()
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrKindAuth, msg.Kind)
	assert.Equal(t, "early", msg.ID)

	c.send(&protocol.Message{Type: protocol.TypeAuth, Password: "wrong"})
	msg = c.recv()
	assert.Equal(t, protocol.TypeAuth, msg.Type)
	require.NotNil(t, msg.OK)
	assert.False(t, *msg.OK)
	assert.Equal(t, StateAuthenticating, c.session(srv).getState())

	c.send(&protocol.Message{Type: protocol.TypeAuth, Password: "secret"})
	msg = c.recv()
	require.NotNil(t, msg.OK)
	assert.True(t, *msg.OK)
	assert.Equal(t, StateActive, c.session(srv).getState())

	c.command("1", protocol.KindSubscribe, "")
	c.recvUntil(withID("1"))
	c.command("2", protocol.KindStep, "")
	msg = c.recvUntil(withID("2"))
	assert.Equal(t, protocol.TypeState, msg.Type)
	require.NotNil(t, msg.Data)
	assert.Equal(t, uint64(1), msg.Data.Step)
	assert.Equal(t, c.hello.Session, msg.Session)

	sess := c.session(srv)
	require.NoError(t, c.conn.Close())
	assert.Eventually(t, func() bool {
		_, ok := srv.store.get(c.hello.Session)
		return !ok && sess.getState() == StateClosed && srv.lanes[DefaultContext].subscriberCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenAccessIsActiveImmediately(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv, "")
	require.NotNil(t, c.hello.AuthRequired)
	assert.False(t, *c.hello.AuthRequired)
	assert.Equal(t, StateActive, c.session(srv).getState())

	c.send(&protocol.Message{Type: protocol.TypeAuth, Password: "anything"})
	msg := c.recv()
	require.NotNil(t, msg.OK)
	assert.True(t, *msg.OK)

	c.command("q", protocol.KindQuery, "")
	msg = c.recv()
	assert.Equal(t, protocol.TypeState, msg.Type)
	assert.Equal(t, "q", msg.ID)
	assert.Equal(t, 1.0, msg.Data.Values["stim"])
}

func TestTooManyAuthFailuresClosesConnection(t *testing.T) {
	srv, _ := startServer(t, func(c *Config) {
		c.Password = "secret"
		c.MaxAuthFailures = 2
	})
	c := dial(t, srv, "")
	c.send(&protocol.Message{Type: protocol.TypeAuth, Password: "a"})
	assert.False(t, *c.recv().OK)
	c.send(&protocol.Message{Type: protocol.TypeAuth, Password: "b"})
	assert.False(t, *c.recv().OK)
	msg := c.recv()
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrKindAuth, msg.Kind)
	assert.Empty(t, c.expectClosed())
}

func TestAuthTimeout(t *testing.T) {
	srv, _ := startServer(t, func(c *Config) {
		c.Password = "secret"
		c.AuthTimeout = 100 * time.Millisecond
	})
	c := dial(t, srv, "")
	msg := c.recv()
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrKindAuth, msg.Kind)
	assert.Contains(t, msg.Message, "timed out")
	assert.Empty(t, c.expectClosed())
}

func TestPreAuthenticatedByHeader(t *testing.T) {
	srv, _ := startServer(t, func(c *Config) { c.Password = "secret" })
	cfg, err := websocket.NewConfig(wsURL(srv, ""), originFor(srv))
	require.NoError(t, err)
	cfg.Header.Set("Authorization", "Bearer secret")
	c := dialConfig(t, cfg, protocol.JSON)
	assert.False(t, *c.hello.AuthRequired)
	assert.Equal(t, StateActive, c.session(srv).getState())
}

func TestProtocolErrorGoesToOriginatorOnly(t *testing.T) {
	srv, _ := startServer(t, nil)
	a := dial(t, srv, "")
	b := dial(t, srv, "")
	b.command("sub", protocol.KindSubscribe, "")
	b.recvUntil(withID("sub"))

	a.command("bad", protocol.Kind("explode"), "")
	msg := a.recv()
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrKindProtocol, msg.Kind)
	assert.Equal(t, "bad", msg.ID)

	a.send(&protocol.Message{Type: protocol.Type("nonsense")})
	assert.Equal(t, protocol.ErrKindProtocol, a.recv().Kind)
	require.NoError(t, websocket.Message.Send(a.conn, "{not json"))
	assert.Equal(t, protocol.ErrKindProtocol, a.recv().Kind)

	a.command("ok", protocol.KindStep, "")
	a.recvUntil(withID("ok"))

	// the first thing b sees is the step result, never a's protocol errors
	msg = b.recv()
	assert.Equal(t, protocol.TypeState, msg.Type)
	assert.Equal(t, a.hello.Session, msg.Session)
	assert.Empty(t, msg.ID)
}

func TestCommandsRunInOrder(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv, "")
	for i := 1; i <= 5; i++ {
		c.command(strconv.Itoa(i), protocol.KindStep, `{"steps":2}`)
	}
	var lastSeq uint64
	for i := 1; i <= 5; i++ {
		msg := c.recv()
		assert.Equal(t, strconv.Itoa(i), msg.ID)
		assert.Equal(t, uint64(2*i), msg.Data.Step)
		assert.Greater(t, msg.Seq, lastSeq)
		lastSeq = msg.Seq
	}
}

func TestConcurrentRunAndStepReachBothClients(t *testing.T) {
	srv, _ := startServer(t, nil)
	a := dial(t, srv, "")
	b := dial(t, srv, "")
	for _, c := range []*client{a, b} {
		c.command("sub", protocol.KindSubscribe, "")
		c.recvUntil(withID("sub"))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.command("run", protocol.KindRun, "")
	}()
	go func() {
		defer wg.Done()
		b.command("step", protocol.KindStep, "")
	}()
	wg.Wait()

	for _, c := range []*client{a, b} {
		var ownRun, ownStep bool
		c.recvUntil(func(m *protocol.Message) bool {
			if m.Type == protocol.TypeState && m.Session == a.hello.Session && (m.ID == "" || m.ID == "run") {
				ownRun = ownRun || m.Data.Running
			}
			if m.Type == protocol.TypeState && m.Session == b.hello.Session {
				ownStep = true
			}
			return ownRun && ownStep
		})
	}

	a.command("pause", protocol.KindPause, "")
	msg := a.recvUntil(withID("pause"))
	assert.False(t, msg.Data.Running)
}

func TestRunningBroadcastsTicks(t *testing.T) {
	srv, _ := startServer(t, nil)
	c := dial(t, srv, "")
	c.command("sub", protocol.KindSubscribe, "")
	c.recvUntil(withID("sub"))
	c.command("run", protocol.KindRun, "")
	c.recvUntil(withID("run"))

	first := c.recvUntil(func(m *protocol.Message) bool { return m.Type == protocol.TypeState && m.ID == "" })
	second := c.recvUntil(func(m *protocol.Message) bool { return m.Type == protocol.TypeState && m.ID == "" })
	assert.Greater(t, second.Data.Step, first.Data.Step)
	assert.True(t, second.Data.Running)
}

func TestExecutionErrorIsBroadcast(t *testing.T) {
	srv, _ := startServer(t, nil)
	a := dial(t, srv, "")
	b := dial(t, srv, "")
	b.command("sub", protocol.KindSubscribe, "")
	b.recvUntil(withID("sub"))

	a.command("p", protocol.KindSetParam, `{"name":"nope","value":1}`)
	msg := a.recv()
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrKindExecution, msg.Kind)
	assert.Equal(t, "p", msg.ID)

	msg = b.recv()
	assert.Equal(t, protocol.ErrKindExecution, msg.Kind)
	assert.Empty(t, msg.ID)

	a.command("q", protocol.KindQuery, "")
	assert.Equal(t, protocol.TypeState, a.recv().Type)
	assert.Equal(t, StateActive, a.session(srv).getState())
}

func TestFatalErrorHaltsContextUntilReload(t *testing.T) {
	srv, log := startServer(t, nil)
	a := dial(t, srv, "")
	b := dial(t, srv, "")
	b.command("sub", protocol.KindSubscribe, "")
	b.recvUntil(withID("sub"))

	huge := strconv.FormatFloat(math.MaxFloat64, 'g', -1, 64)
	a.command("1", protocol.KindSetParam, `{"name":"stim.value","value":`+huge+`}`)
	a.recvUntil(withID("1"))
	a.command("2", protocol.KindSetParam, `{"name":"a.gain","value":`+huge+`}`)
	a.recvUntil(withID("2"))
	a.command("3", protocol.KindStep, "")
	msg := a.recvUntil(withID("3"))
	assert.Equal(t, protocol.ErrKindFatal, msg.Kind)
	b.recvUntil(func(m *protocol.Message) bool { return m.Kind == protocol.ErrKindFatal })
	assert.True(t, log.Contains("ERROR", "halted"))

	a.command("4", protocol.KindStep, "")
	msg = a.recvUntil(withID("4"))
	assert.Equal(t, protocol.ErrKindHalted, msg.Kind)

	a.command("5", protocol.KindQuery, "")
	msg = a.recvUntil(withID("5"))
	assert.True(t, msg.Data.Halted)

	a.command("6", protocol.KindReload, "")
	msg = a.recvUntil(withID("6"))
	assert.Equal(t, protocol.TypeState, msg.Type)
	assert.False(t, msg.Data.Halted)
	assert.Zero(t, msg.Data.Step)

	a.command("7", protocol.KindStep, "")
	msg = a.recvUntil(withID("7"))
	assert.Equal(t, protocol.TypeState, msg.Type)
	assert.Equal(t, uint64(1), msg.Data.Step)
}

func TestIdleSessionsAreClosed(t *testing.T) {
	srv, _ := startServer(t, func(c *Config) { c.IdleTimeout = 50 * time.Millisecond })
	idle := dial(t, srv, "")
	watcher := dial(t, srv, "")
	watcher.command("sub", protocol.KindSubscribe, "")
	watcher.recvUntil(withID("sub"))

	assert.Empty(t, idle.expectClosed())
	watcher.command("q", protocol.KindQuery, "")
	assert.Equal(t, "q", watcher.recv().ID)
}

func TestMsgPackClient(t *testing.T) {
	srv, _ := startServer(t, nil)
	cfg, err := websocket.NewConfig(wsURL(srv, "?codec=msgpack"), originFor(srv))
	require.NoError(t, err)
	c := dialConfig(t, cfg, protocol.MsgPack)
	c.command("s", protocol.KindStep, `{"steps":3}`)
	msg := c.recv()
	assert.Equal(t, "s", msg.ID)
	assert.Equal(t, uint64(3), msg.Data.Step)
	assert.Equal(t, "msgpack", c.session(srv).codec.Name())
}

func TestMultipleContexts(t *testing.T) {
	second := newContext(t, testModel)
	srv, _ := startServer(t, nil, WithContext("second", second))
	a := dial(t, srv, "?context=second")
	a.command("s", protocol.KindStep, `{"steps":4}`)
	assert.Equal(t, uint64(4), a.recv().Data.Step)

	b := dial(t, srv, "")
	b.command("q", protocol.KindQuery, "")
	assert.Zero(t, b.recv().Data.Step)
}

func TestHandshakeRejections(t *testing.T) {
	srv, _ := startServer(t, nil)

	_, err := websocket.Dial(wsURL(srv, "?context=missing"), "", originFor(srv))
	assert.Error(t, err)

	_, err = websocket.Dial(wsURL(srv, "?codec=xml"), "", originFor(srv))
	assert.Error(t, err)

	_, err = websocket.Dial(wsURL(srv, ""), "", "http://evil.example/")
	assert.Error(t, err)
}

func TestStatusEndpoint(t *testing.T) {
	srv, _ := startServer(t, func(c *Config) {
		c.Password = "secret"
		c.Backend = "reference"
	})
	url := "http://" + srv.Addr().String() + "/status"
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}

	resp, err := client.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "reference", st.Backend)
	require.Len(t, st.Contexts, 1)
	assert.Equal(t, DefaultContext, st.Contexts[0].Name)
	assert.Equal(t, "test", st.Contexts[0].Model)
	assert.NotEmpty(t, st.Contexts[0].Checksum)
}

func TestIndexPage(t *testing.T) {
	srv, _ := startServer(t, nil)
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	base := "http://" + srv.Addr().String()

	resp, err := client.Get(base + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))

	resp2, err := client.Get(base + "/missing")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestStartFailsOnModelLoadError(t *testing.T) {
	cfg := testConfig(t)
	mctx := newContext(t, "nodes: [")
	srv := New(logger.NewTestLogger(), cfg, mctx)
	err := srv.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrModelLoad))
	assert.False(t, srv.Running())
	assert.Nil(t, srv.Addr())

	ln, err := net.Listen("tcp", cfg.Address())
	require.NoError(t, err)
	ln.Close()
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	cfg := testConfig(t)
	ln, err := net.Listen("tcp", cfg.Address())
	require.NoError(t, err)
	defer ln.Close()

	srv := New(logger.NewTestLogger(), cfg, newContext(t, testModel))
	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBind))
	assert.NoError(t, srv.Stop())
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Port = 0
	srv := New(logger.NewTestLogger(), cfg, newContext(t, testModel))
	assert.Error(t, srv.Start(context.Background()))
}

func TestOversizedStepIsRejected(t *testing.T) {
	srv, _ := startServer(t, func(c *Config) { c.MaxStepsPerCommand = 100 })
	c := dial(t, srv, "")

	c.command("huge", protocol.KindStep, `{"steps":4611686018427387904}`)
	msg := c.recvUntil(withID("huge"))
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, protocol.ErrKindProtocol, msg.Kind)
	assert.Contains(t, msg.Message, "limit of 100")

	c.command("ok", protocol.KindStep, `{"steps":100}`)
	msg = c.recvUntil(withID("ok"))
	assert.Equal(t, protocol.TypeState, msg.Type)
	assert.Equal(t, uint64(100), msg.Data.Step)
}

func TestStopCancelsLongRunningCommand(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxStepsPerCommand = math.MaxInt
	cfg.ShutdownGrace = 200 * time.Millisecond
	log := logger.NewTestLogger()
	srv := New(log, cfg, newContext(t, testModel))
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })

	c := dial(t, srv, "")
	c.command("forever", protocol.KindStep, `{"steps":4611686018427387904}`)
	time.Sleep(100 * time.Millisecond)

	stopped := make(chan error, 1)
	started := time.Now()
	go func() { stopped <- srv.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked behind a running step")
	}
	assert.Less(t, time.Since(started), 3*time.Second)
	assert.True(t, log.Contains("WARNING", "cancelling"))
	assert.False(t, srv.Running())
}

func TestURL(t *testing.T) {
	cfg := testConfig(t)
	srv := New(logger.NewTestLogger(), cfg, newContext(t, testModel))
	assert.Empty(t, srv.URL())
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop() })
	assert.Equal(t, "http://127.0.0.1:"+strconv.Itoa(cfg.Port)+"/", srv.URL())

	addr := &net.TCPAddr{Port: 8080}
	assert.Equal(t, "http://localhost:8080/", browserURL("", addr))
	assert.Equal(t, "http://localhost:8080/", browserURL("0.0.0.0", addr))
	assert.Equal(t, "http://localhost:8080/", browserURL("::", addr))
	assert.Equal(t, "http://[::1]:8080/", browserURL("::1", addr))
	assert.Equal(t, "http://10.0.0.2:8080/", browserURL("10.0.0.2", addr))
}

func TestFailedPasswordsAreLimitedPerHost(t *testing.T) {
	srv, _ := startServer(t, func(c *Config) {
		c.Password = "secret"
		c.MaxAuthFailures = 3
	})
	url := "http://" + srv.Addr().String() + "/status"
	client := &http.Client{}

	get := func(password string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, url, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+password)
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	// one keep-alive connection, so the limit cannot be per connection
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusUnauthorized, get("guess"+strconv.Itoa(i)).StatusCode)
	}
	resp := get("guess3")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, get("secret").StatusCode)

	// the same host cannot start over on a websocket
	_, err := websocket.Dial(wsURL(srv, ""), "", originFor(srv))
	assert.Error(t, err)
}

func TestHeaderPasswordsShareHostLimit(t *testing.T) {
	srv, _ := startServer(t, func(c *Config) {
		c.Password = "secret"
		c.MaxAuthFailures = 2
	})
	for i := 0; i < 2; i++ {
		cfg, err := websocket.NewConfig(wsURL(srv, ""), originFor(srv))
		require.NoError(t, err)
		cfg.Header.Set("Authorization", "Bearer wrong")
		c := dialConfig(t, cfg, protocol.JSON)
		assert.True(t, *c.hello.AuthRequired)
		require.NoError(t, c.conn.Close())
	}

	cfg, err := websocket.NewConfig(wsURL(srv, ""), originFor(srv))
	require.NoError(t, err)
	cfg.Header.Set("Authorization", "Bearer secret")
	_, err = websocket.DialConfig(cfg)
	assert.Error(t, err)
}

func TestStopReleasesEverything(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := testConfig(t)
	mctx := model.NewContext(writeModelFile(t, testModel), backend.Reference())
	srv := New(logger.NewTestLogger(), cfg, mctx)
	require.NoError(t, srv.Start(context.Background()))
	assert.True(t, srv.Running())

	conn, err := websocket.Dial(wsURL(srv, ""), "", originFor(srv))
	require.NoError(t, err)
	c := &client{t: t, conn: conn, codec: protocol.JSON}
	c.hello = c.recv()
	c.command("sub", protocol.KindSubscribe, "")
	c.recvUntil(withID("sub"))
	c.command("run", protocol.KindRun, "")
	c.recvUntil(withID("run"))
	addr := srv.Addr().String()

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
	assert.False(t, srv.Running())

	seen := c.expectClosed()
	require.NotEmpty(t, seen)
	assert.Equal(t, protocol.TypeBye, seen[len(seen)-1].Type)
	conn.Close()

	_, err = websocket.Dial("ws://"+addr+"/ws", "", "http://"+addr+"/")
	assert.Error(t, err)

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	ln.Close()

	require.NoError(t, mctx.Close())
	assert.Error(t, srv.Start(context.Background()))
}
