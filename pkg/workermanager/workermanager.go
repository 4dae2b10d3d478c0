// Package workermanager tracks which launcher and function-worker
// connections are currently registered, indexed by func_id. It owns its
// own lock, independent of the admission core's correlation-table lock,
// since registration churn and call dispatch are unrelated concerns.
package workermanager

import (
	"sort"
	"sync"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/faasgw/gateway/pkg/faascall"
)

// Conn is the minimal surface the manager and the dispatcher need from a
// live MessageConnection: a stable id for deterministic tie-breaking and
// the ability to push a Message to the peer.
type Conn interface {
	// ID is the connection's identity, assigned at accept time and
	// monotonically increasing; used to break dispatch ties
	// deterministically. It shares FuncCall.ClientID's width because an
	// internal call's client_id *is* the originating worker's
	// connection id.
	ID() uint16
	Send(msg faascall.Message) error
	Close() error
}

// Manager is the registry of launcher and worker connections. One
// Manager instance serves the whole gateway process; entries are keyed
// by func_id since launchers and workers only ever serve one func_id
// each (a single func_id per connection, fixed at handshake time).
type Manager struct {
	mu sync.RWMutex

	launchers map[uint16][]Conn
	workers   map[uint16][]Conn
	byConnID  map[uint16]Conn

	// monitor tracks recently-seen container ids reported by launcher
	// handshakes. Bounded so a misbehaving launcher fleet cannot grow
	// this registry without limit; disabled entirely when disableMonitor.
	monitor         *lru.Cache[string, uint16]
	disableMonitor  bool
	logger          logr.Logger
}

// New builds an empty Manager. monitorSize bounds the container-id
// registry (ignored when disableMonitor is true).
func New(monitorSize int, disableMonitor bool, logger logr.Logger) *Manager {
	m := &Manager{
		launchers:      make(map[uint16][]Conn),
		workers:        make(map[uint16][]Conn),
		byConnID:       make(map[uint16]Conn),
		disableMonitor: disableMonitor,
		logger:         logger.WithName("workermanager"),
	}
	if !disableMonitor {
		cache, err := lru.New[string, uint16](monitorSize)
		if err != nil {
			// Only fails for a non-positive size; New's caller controls
			// that value, so fall back to a sane default rather than
			// propagating a startup error for a monitoring nicety.
			cache, _ = lru.New[string, uint16](128)
		}
		m.monitor = cache
	}
	return m
}

// OnLauncherConnected registers a launcher for funcID. Returns false if
// this exact connection is already registered (a duplicate handshake).
func (m *Manager) OnLauncherConnected(funcID uint16, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if containsConn(m.launchers[funcID], conn) {
		return false
	}
	m.launchers[funcID] = append(m.launchers[funcID], conn)
	m.byConnID[conn.ID()] = conn
	return true
}

// OnLauncherDisconnected removes conn from funcID's launcher set.
func (m *Manager) OnLauncherDisconnected(funcID uint16, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launchers[funcID] = removeConn(m.launchers[funcID], conn)
	delete(m.byConnID, conn.ID())
}

// OnFuncWorkerConnected registers a worker for funcID. Returns false on
// a duplicate registration.
func (m *Manager) OnFuncWorkerConnected(funcID uint16, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if containsConn(m.workers[funcID], conn) {
		return false
	}
	m.workers[funcID] = append(m.workers[funcID], conn)
	m.byConnID[conn.ID()] = conn
	return true
}

// OnFuncWorkerDisconnected removes conn from funcID's worker set.
func (m *Manager) OnFuncWorkerDisconnected(funcID uint16, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[funcID] = removeConn(m.workers[funcID], conn)
	delete(m.byConnID, conn.ID())
}

// Lookup resolves any registered connection (launcher or worker) by its
// connection id, used by the Dispatcher to route a Complete/Failure
// message back to an internal caller's worker connection.
func (m *Manager) Lookup(connID uint16) (Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byConnID[connID]
	return c, ok
}

// ReadyWorkers returns funcID's current worker connections, sorted by
// connection id so callers get a deterministic, reproducible ordering.
func (m *Manager) ReadyWorkers(funcID uint16) []Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Conn(nil), m.workers[funcID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// RegisterContainer records a launcher-reported container id, if the
// monitor is enabled and the id is well-formed. Validation of the id's
// shape (a UUIDv4 string) is the caller's responsibility; RegisterContainer
// only rejects an empty string.
func (m *Manager) RegisterContainer(containerID string, funcID uint16) {
	if m.disableMonitor || containerID == "" {
		return
	}
	m.monitor.Add(containerID, funcID)
}

// KnownContainer reports whether containerID is in the monitor's
// recently-seen set.
func (m *Manager) KnownContainer(containerID string) (uint16, bool) {
	if m.disableMonitor {
		return 0, false
	}
	return m.monitor.Get(containerID)
}

func containsConn(conns []Conn, target Conn) bool {
	for _, c := range conns {
		if c.ID() == target.ID() {
			return true
		}
	}
	return false
}

func removeConn(conns []Conn, target Conn) []Conn {
	out := conns[:0]
	for _, c := range conns {
		if c.ID() != target.ID() {
			out = append(out, c)
		}
	}
	return out
}
