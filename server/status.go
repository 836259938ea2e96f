package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nengo/nengo-gui/authentication"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

type ContextStatus struct {
	Name        string  `json:"name"`
	Model       string  `json:"model"`
	Path        string  `json:"path"`
	Checksum    string  `json:"checksum"`
	LoadedAt    string  `json:"loaded_at"`
	Running     bool    `json:"running"`
	Halted      bool    `json:"halted"`
	Seq         uint64  `json:"seq"`
	Served      int     `json:"served"`
	Time        float64 `json:"time"`
	Subscribers int     `json:"subscribers"`
}

type SessionStatus struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Context    string `json:"context"`
	Codec      string `json:"codec"`
	Subscribed bool   `json:"subscribed"`
	Idle       string `json:"idle"`
}

type HostStatus struct {
	MemoryTotal       uint64  `json:"memory_total"`
	MemoryUsed        uint64  `json:"memory_used"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	DiskFree          uint64  `json:"disk_free,omitempty"`
}

type Status struct {
	Backend  string          `json:"backend,omitempty"`
	Uptime   string          `json:"uptime"`
	Contexts []ContextStatus `json:"contexts"`
	Sessions []SessionStatus `json:"sessions"`
	Host     *HostStatus     `json:"host,omitempty"`
}

// Status describes the contexts and sessions currently served.
func (s *Server) Status(ctx context.Context) Status {
	now := time.Now()
	st := Status{
		Backend:  s.cfg.Backend,
		Contexts: make([]ContextStatus, 0, len(s.names)),
		Sessions: []SessionStatus{},
	}
	if s.Running() {
		st.Uptime = now.Sub(s.started).Round(time.Second).String()
	}
	for _, name := range s.names {
		l, ok := s.lanes[name]
		if !ok {
			continue
		}
		cs := ContextStatus{Name: name, Subscribers: l.subscriberCount(), Served: l.mctx.Served(ctx)}
		if m := l.current.Load(); m != nil {
			cs.Model = m.Name
			cs.Path = m.Path
			cs.Checksum = strconv.FormatUint(m.Checksum, 16)
			cs.LoadedAt = m.LoadedAt.UTC().Format(time.RFC3339)
		}
		if snap := l.snapshot(); snap != nil {
			cs.Seq = snap.seq
			cs.Time = snap.state.Time
			cs.Running = snap.state.Running
			cs.Halted = snap.state.Halted
		}
		st.Contexts = append(st.Contexts, cs)
	}
	for _, sess := range s.store.list() {
		st.Sessions = append(st.Sessions, SessionStatus{
			ID:         sess.id,
			State:      sess.getState().String(),
			Context:    sess.lane.name,
			Codec:      sess.codec.Name(),
			Subscribed: sess.subscribed.Load(),
			Idle:       now.Sub(sess.idleSince()).Round(time.Millisecond).String(),
		})
	}
	return st
}

func (s *Server) hostStatus(r *http.Request) *HostStatus {
	vm, err := mem.VirtualMemoryWithContext(r.Context())
	if err != nil {
		s.logger.Debug("reading memory stats: %v", err)
		return nil
	}
	host := &HostStatus{
		MemoryTotal:       vm.Total,
		MemoryUsed:        vm.Used,
		MemoryUsedPercent: vm.UsedPercent,
	}
	if mctx := s.contexts[DefaultContext]; mctx != nil {
		if usage, err := disk.UsageWithContext(r.Context(), filepath.Dir(mctx.Path())); err == nil {
			host.DiskFree = usage.Free
		}
	}
	return host
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.withinBudget(w, r) {
		return
	}
	if s.gate.Required() {
		password, _ := authentication.PasswordFromHeaders(r.Header)
		if err := s.gate.Check(password); err != nil {
			s.failures.Spend(remoteHost(r))
			w.Header().Set("WWW-Authenticate", `Bearer realm="nengo"`)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
	}
	st := s.Status(r.Context())
	st.Host = s.hostStatus(r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		s.logger.Debug("writing status: %v", err)
	}
}
