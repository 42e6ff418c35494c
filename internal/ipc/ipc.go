// Package ipc is the IPC boundary that registers and unregisters groups.
// The registry's Register/Unregister methods are never called directly by
// request-handling code (the router, dispatcher, and gateway only read the
// registry); this listener is the single writer, grounded on the teacher's
// WebSocket JSON command dispatch (internal/gateway/gateway.go's rpcRequest/
// rpcResponse loop) but carried over a Unix domain socket with one
// JSON-line request and one JSON-line response per connection, since
// groupgate has no browser-facing surface to justify a socket-upgrade
// transport.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/basket/groupgate/internal/registry"
)

// request is one line of input: a method name and its raw params.
type request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response is one line of output.
type response struct {
	OK    bool            `json:"ok"`
	Group *registry.Group `json:"group,omitempty"`
	Error string          `json:"error,omitempty"`
}

// registerParams mirrors the fields of registry.Group a caller may set;
// IsMain is deliberately absent, since the registry computes it from the
// folder name rather than accepting it from a caller.
type registerParams struct {
	JID             string `json:"jid"`
	Name            string `json:"name"`
	Folder          string `json:"folder"`
	RequiresTrigger bool   `json:"requires_trigger"`
	AssistantName   string `json:"assistant_name"`
}

type unregisterParams struct {
	JID string `json:"jid"`
}

// Listener accepts connections on a Unix domain socket and dispatches
// registerGroup/unregisterGroup requests to a Registry. It is the only
// component in the tree permitted to call Registry.Register/Unregister.
type Listener struct {
	socketPath string
	registry   *registry.Registry
	logger     *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// New returns a Listener bound to socketPath once Start is called.
// socketPath is typically GROUPGATE_HOME/groupgate.sock.
func New(socketPath string, reg *registry.Registry, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{socketPath: socketPath, registry: reg, logger: logger}
}

// Start removes any stale socket file, binds a new Unix listener, and
// begins accepting connections in a background goroutine. It returns once
// the listener is bound; Stop (or ctx cancellation) tears it down.
func (l *Listener) Start(ctx context.Context) error {
	if err := os.RemoveAll(l.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ipc: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", l.socketPath, err)
	}
	if err := os.Chmod(l.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.Stop()
	}()

	go l.acceptLoop(ctx)
	l.logger.Info("ipc listener started", "socket", l.socketPath)
	return nil
}

// Stop closes the listener and removes the socket file. Safe to call more
// than once.
func (l *Listener) Stop() {
	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	l.mu.Unlock()
	if ln == nil {
		return
	}
	_ = ln.Close()
	_ = os.RemoveAll(l.socketPath)
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		l.mu.Lock()
		ln := l.ln
		l.mu.Unlock()
		if ln == nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var opErr *net.OpError
			if errors.As(err, &opErr) && opErr.Op == "accept" {
				return
			}
			l.logger.Warn("ipc accept error", "error", err)
			continue
		}
		go l.handleConn(ctx, conn)
	}
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			_ = enc.Encode(response{Error: fmt.Sprintf("invalid request: %v", err)})
			continue
		}
		resp := l.dispatch(ctx, req)
		if err := enc.Encode(resp); err != nil {
			l.logger.Warn("ipc write response failed", "error", err)
			return
		}
	}
}

// dispatch is the IPC boundary: every validation failure here is rejected
// without ever reaching Registry.Register/Unregister, so an invalid
// registration attempt never mutates the registry.
func (l *Listener) dispatch(ctx context.Context, req request) response {
	switch req.Method {
	case "registerGroup":
		var p registerParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return response{Error: fmt.Sprintf("registerGroup: invalid params: %v", err)}
		}
		if p.JID == "" || p.Folder == "" {
			return response{Error: "registerGroup: jid and folder are required"}
		}
		g := registry.Group{
			JID:             p.JID,
			Name:            p.Name,
			Folder:          p.Folder,
			RequiresTrigger: p.RequiresTrigger,
			AssistantName:   p.AssistantName,
		}
		if err := l.registry.Register(ctx, g); err != nil {
			l.logger.Warn("ipc registerGroup rejected", "jid", p.JID, "error", err)
			return response{Error: err.Error()}
		}
		got, _ := l.registry.Get(p.JID)
		l.logger.Info("ipc registerGroup", "jid", p.JID, "folder", p.Folder, "is_main", got.IsMain)
		return response{OK: true, Group: &got}
	case "unregisterGroup":
		var p unregisterParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return response{Error: fmt.Sprintf("unregisterGroup: invalid params: %v", err)}
		}
		if p.JID == "" {
			return response{Error: "unregisterGroup: jid is required"}
		}
		if err := l.registry.Unregister(ctx, p.JID); err != nil {
			l.logger.Warn("ipc unregisterGroup rejected", "jid", p.JID, "error", err)
			return response{Error: err.Error()}
		}
		l.logger.Info("ipc unregisterGroup", "jid", p.JID)
		return response{OK: true}
	default:
		return response{Error: fmt.Sprintf("unknown method %q", req.Method)}
	}
}
