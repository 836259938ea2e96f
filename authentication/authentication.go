package authentication

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// DefaultMaxFailures is the number of rejected attempts a connection gets before it is closed.
const DefaultMaxFailures = 5

var (
	// ErrAuth is returned for a rejected password.
	ErrAuth = errors.New("authentication failed")
	// ErrTooManyFailures is returned once a connection has used up its attempts.
	ErrTooManyFailures = errors.New("too many authentication failures")
)

// Gate checks presented passwords against the configured one. A Gate with no
// password admits everyone.
type Gate struct {
	digest   [sha256.Size]byte
	required bool
}

// NewGate returns a Gate for password. An empty password disables authentication.
func NewGate(password string) *Gate {
	g := &Gate{required: password != ""}
	if g.required {
		g.digest = sha256.Sum256([]byte(password))
	}
	return g
}

// Required reports whether clients must authenticate.
func (g *Gate) Required() bool {
	return g.required
}

// Check compares presented with the configured password in constant time.
func (g *Gate) Check(presented string) error {
	if !g.required {
		return nil
	}
	digest := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(digest[:], g.digest[:]) == 1 {
		return nil
	}
	return ErrAuth
}

// Attempts tracks rejected attempts for one connection.
type Attempts struct {
	mu       sync.Mutex
	gate     *Gate
	max      int
	failures int

	budget *Budget
	key    string
}

// NewAttempts returns a counter allowing max failures. Non-positive max uses DefaultMaxFailures.
func (g *Gate) NewAttempts(max int) *Attempts {
	if max <= 0 {
		max = DefaultMaxFailures
	}
	return &Attempts{gate: g, max: max}
}

// WithBudget also charges rejections to key in budget, so reconnecting does not
// reset the limit. Once key is exhausted every attempt fails with ErrTooManyFailures.
func (a *Attempts) WithBudget(budget *Budget, key string) *Attempts {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budget, a.key = budget, key
	return a
}

// Try checks presented. It returns ErrAuth for a rejection the caller may retry and
// ErrTooManyFailures once the limit is reached.
func (a *Attempts) Try(presented string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures >= a.max {
		return ErrTooManyFailures
	}
	if a.budget != nil && a.budget.Exhausted(a.key) {
		return errors.Wrapf(ErrTooManyFailures, "%s", a.key)
	}
	if err := a.gate.Check(presented); err != nil {
		a.failures++
		exhausted := a.budget != nil && !a.budget.Spend(a.key)
		if a.failures >= a.max || exhausted {
			return errors.Mark(errors.Wrapf(err, "%d failed attempts", a.failures), ErrTooManyFailures)
		}
		return err
	}
	return nil
}

// Failures is the number of rejected attempts so far.
func (a *Attempts) Failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

func getAuthToken(headers http.Header, prefix string) (string, bool) {
	authHeader := headers.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	if !strings.HasPrefix(authHeader, prefix) {
		return "", false
	}
	return strings.TrimSpace(authHeader[len(prefix):]), true
}

// PasswordFromHeaders extracts a password from a Bearer token or from the password
// half of Basic credentials.
func PasswordFromHeaders(headers http.Header) (string, bool) {
	if token, ok := getAuthToken(headers, "Bearer "); ok && token != "" {
		return token, true
	}
	if token, ok := getAuthToken(headers, "Basic "); ok {
		buf, err := base64.StdEncoding.DecodeString(token)
		if err != nil {
			return "", false
		}
		_, password, ok := strings.Cut(string(buf), ":")
		return password, ok
	}
	return "", false
}
