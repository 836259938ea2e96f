package server

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nengo/nengo-gui/protocol"
	str2duration "github.com/xhit/go-str2duration/v2"
)

const (
	DefaultPort            = 8080
	DefaultAuthTimeout     = 30 * time.Second
	DefaultIdleTimeout     = 30 * time.Minute
	DefaultShutdownGrace   = 5 * time.Second
	DefaultMaxAuthFailures = 5
	DefaultAuthLockout     = time.Minute
	DefaultMaxSteps        = protocol.DefaultMaxSteps
	DefaultTickInterval    = 50 * time.Millisecond
	DefaultStepsPerTick    = 10
	DefaultOutboundQueue   = 256
	DefaultContext         = "default"
)

// Config is the immutable server configuration.
type Config struct {
	// Host to bind. Empty binds loopback without a password and every interface with one.
	Host     string
	Port     int
	Password string
	// Browser opens a local browser once the server is listening.
	Browser bool
	Debug   bool
	// Backend names the model builder. It is reported but otherwise opaque to the server.
	Backend string

	AuthTimeout time.Duration
	// IdleTimeout closes active sessions that have no subscription and sent no command
	// for this long. Zero disables the check.
	IdleTimeout     time.Duration
	ShutdownGrace   time.Duration
	MaxAuthFailures int
	// AuthLockout is how long a remote host takes to earn back its full budget of
	// MaxAuthFailures rejected passwords across connections and status requests.
	AuthLockout time.Duration
	// MaxStepsPerCommand bounds the steps a single step command may ask for.
	MaxStepsPerCommand int
	// TickInterval and StepsPerTick pace a running simulation.
	TickInterval  time.Duration
	StepsPerTick  int
	OutboundQueue int
	// Codec used when a client does not ask for one.
	Codec string
}

// DefaultConfig returns a Config with every tunable at its default.
func DefaultConfig() Config {
	return Config{
		Port:               DefaultPort,
		Browser:            true,
		AuthTimeout:        DefaultAuthTimeout,
		IdleTimeout:        DefaultIdleTimeout,
		ShutdownGrace:      DefaultShutdownGrace,
		MaxAuthFailures:    DefaultMaxAuthFailures,
		AuthLockout:        DefaultAuthLockout,
		MaxStepsPerCommand: DefaultMaxSteps,
		TickInterval:       DefaultTickInterval,
		StepsPerTick:       DefaultStepsPerTick,
		OutboundQueue:      DefaultOutboundQueue,
	}
}

// Validate checks the configuration and returns the first problem found.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return errors.Newf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.AuthTimeout <= 0 {
		return errors.New("auth timeout must be positive")
	}
	if c.IdleTimeout < 0 {
		return errors.New("idle timeout must not be negative")
	}
	if c.ShutdownGrace <= 0 {
		return errors.New("shutdown grace must be positive")
	}
	if c.MaxAuthFailures < 1 {
		return errors.New("max auth failures must be at least 1")
	}
	if c.AuthLockout <= 0 {
		return errors.New("auth lockout must be positive")
	}
	if c.MaxStepsPerCommand < 1 {
		return errors.New("max steps per command must be at least 1")
	}
	if c.TickInterval <= 0 || c.StepsPerTick < 1 {
		return errors.New("tick interval and steps per tick must be positive")
	}
	if c.OutboundQueue < 1 {
		return errors.New("outbound queue must hold at least one message")
	}
	if _, err := protocol.CodecByName(c.Codec); err != nil {
		return err
	}
	return nil
}

// BindHost is the host the listener binds to.
func (c Config) BindHost() string {
	if c.Host != "" {
		return c.Host
	}
	if c.Password == "" {
		return "localhost"
	}
	return ""
}

// Address is the host:port the listener binds to.
func (c Config) Address() string {
	return net.JoinHostPort(c.BindHost(), strconv.Itoa(c.Port))
}

// ParseDuration accepts Go durations plus day and week units such as "1d12h".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "0" {
		return 0, nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	return d, nil
}
