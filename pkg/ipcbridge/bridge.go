// Package ipcbridge implements ipc.Handler, wiring a MessageConnection's
// handshake and post-handshake traffic to the WorkerManager registry and
// the AdmissionCore/Dispatcher routing tables.
package ipcbridge

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/faasgw/gateway/pkg/admission"
	"github.com/faasgw/gateway/pkg/faascall"
	"github.com/faasgw/gateway/pkg/ipc"
	"github.com/faasgw/gateway/pkg/workermanager"
)

// connRole records what a connection turned out to be during its
// handshake, since ipc.Conn exposes neither its func_id nor whether it
// was a launcher once running, and OnClose needs both to tear down the
// right registry entries.
type connRole struct {
	funcID     uint16
	isLauncher bool
}

// Handler bridges one IPC listener's connections to wm and core.
type Handler struct {
	wm     *workermanager.Manager
	core   *admission.Core
	logger logr.Logger

	mu    sync.Mutex
	roles map[uint16]connRole
}

// New constructs a Handler.
func New(wm *workermanager.Manager, core *admission.Core, logger logr.Logger) *Handler {
	return &Handler{
		wm:     wm,
		core:   core,
		logger: logger.WithName("ipcbridge"),
		roles:  make(map[uint16]connRole),
	}
}

// OnLauncherHandshake registers conn as funcID's launcher and, if
// containerID validated as a well-formed UUID, records it against
// funcID for container monitoring.
func (h *Handler) OnLauncherHandshake(conn *ipc.Conn, funcID uint16, containerID string) bool {
	if !h.wm.OnLauncherConnected(funcID, conn) {
		return false
	}
	if containerID != "" {
		h.wm.RegisterContainer(containerID, funcID)
	}
	h.setRole(conn.ID(), connRole{funcID: funcID, isLauncher: true})
	return true
}

// OnWorkerHandshake registers conn as a ready worker for funcID.
func (h *Handler) OnWorkerHandshake(conn *ipc.Conn, funcID uint16) bool {
	if !h.wm.OnFuncWorkerConnected(funcID, conn) {
		return false
	}
	h.setRole(conn.ID(), connRole{funcID: funcID})
	h.core.ProcessDiscarded()
	return true
}

// OnMessage routes a post-handshake frame: an Invoke is an internal
// call request from a worker; Complete/Failure resolve a call the
// target func_id's Dispatcher already has in flight. Every message is
// followed by an opportunistic discarded-call drain, since a prior
// disconnect may have left work to promote.
func (h *Handler) OnMessage(conn *ipc.Conn, msg faascall.Message, inline []byte) {
	switch msg.Type {
	case faascall.InvokeFunc:
		h.core.DispatchInternal(msg.Call, msg.ParentFullCallID, msg.PayloadSize, inline)
	case faascall.FuncCallComplete:
		if d := h.core.DispatcherFor(msg.Call.FuncID); d != nil {
			d.OnFuncCallCompleted(msg.Call, msg.ProcessingNs, msg.PayloadSize, inline)
		} else {
			h.logger.Info("complete for unknown func_id, dropping", "func_id", msg.Call.FuncID)
		}
	case faascall.FuncCallFailed:
		if d := h.core.DispatcherFor(msg.Call.FuncID); d != nil {
			d.OnFuncCallFailed(msg.Call, msg.DispatchDelayNs)
		} else {
			h.logger.Info("failure for unknown func_id, dropping", "func_id", msg.Call.FuncID)
		}
	default:
		h.logger.Info("unexpected post-handshake message type", "conn_id", conn.ID(), "type", msg.Type.String())
	}
	h.core.ProcessDiscarded()
}

// OnClose tears down whichever registry entry conn held, discards any
// call its worker was running, and drains pending work the discard may
// have freed capacity for.
func (h *Handler) OnClose(conn *ipc.Conn) {
	role, ok := h.takeRole(conn.ID())
	if !ok {
		return
	}
	if role.isLauncher {
		h.wm.OnLauncherDisconnected(role.funcID, conn)
		return
	}
	h.wm.OnFuncWorkerDisconnected(role.funcID, conn)
	h.core.DiscardWorkerCalls(role.funcID, conn.ID())
	h.core.ProcessDiscarded()
}

func (h *Handler) setRole(connID uint16, role connRole) {
	h.mu.Lock()
	h.roles[connID] = role
	h.mu.Unlock()
}

func (h *Handler) takeRole(connID uint16) (connRole, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	role, ok := h.roles[connID]
	delete(h.roles, connID)
	return role, ok
}
