// Package portal implements the controller daemon: the client-facing
// listener and the per-request supervisor spawn. The listener itself
// is a plain context+signal-driven accept loop; namespace setup
// crosses into the supervisor via a self-reexec using os/exec's
// Cloneflags/UidMappings.
package portal

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/stemjail/stemjail/internal/manager"
	"github.com/stemjail/stemjail/internal/wire"
)

// Portal is the controller daemon: it owns the client-facing socket
// and the Manager goroutine (policy oracle owner). It does not itself
// touch the lattice; every resolution goes through Manager.
type Portal struct {
	SocketPath    string
	MonitorSocket string
	Unconfined    bool

	mgr *manager.Manager
}

func New(socketPath, monitorSocket string, mgr *manager.Manager, unconfined bool) *Portal {
	return &Portal{SocketPath: socketPath, MonitorSocket: monitorSocket, mgr: mgr, Unconfined: unconfined}
}

// ListenAndServe accepts connections on p.SocketPath until ctx is
// canceled, spawning a handler goroutine per connection. Socket files
// are recreated on bind, never relying on SO_REUSEADDR.
func (p *Portal) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(p.SocketPath)
	ln, err := net.Listen("unix", p.SocketPath)
	if err != nil {
		return fmt.Errorf("portal: listen %s: %w", p.SocketPath, err)
	}
	defer ln.Close()
	defer os.Remove(p.SocketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("portal listening", "socket", p.SocketPath)
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("portal: accept: %w", err)
			}
		}
		go p.handleConn(ctx, conn)
	}
}

func (p *Portal) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		slog.Warn("read request failed", "error", err)
		return
	}
	call, err := wire.DecodePortalCall(payload)
	if err != nil {
		slog.Warn("decode request failed", "error", err)
		return
	}

	switch {
	case call.Run != nil:
		p.handleRun(ctx, conn, call.Run)
	case call.Info != nil:
		p.handleInfo(ctx, conn, call.Info)
	default:
		slog.Warn("empty portal call")
	}
}

func (p *Portal) handleInfo(ctx context.Context, conn net.Conn, req *wire.InfoRequest) {
	res := wire.InfoResponse{}
	if profiles, err := p.mgr.Profiles(ctx); err == nil {
		res.Profiles = profiles
	}
	if req.WantDot {
		if dot, err := p.mgr.GetDot(ctx); err == nil {
			res.Dot = dot
		}
	}
	writeFrame(conn, res.Encode())
}

// handleRun implements the RunRequest FSM's portal side: Init -> send
// Ack -> terminal. When CreateTty is set, the RecvFd -> SendFd steps
// are carried out by the supervisor on a dup of this connection.
func (p *Portal) handleRun(ctx context.Context, conn net.Conn, req *wire.RunRequest) {
	if len(req.Cmd) == 0 && req.Profile == "" {
		ack := wire.PortalAck{Error: "Missing executable"}
		writeFrame(conn, ack.Encode())
		return
	}

	res, err := p.mgr.NewDom(ctx, manager.Description{Name: req.Profile, Cmd: req.Cmd})
	if err != nil || !res.Found {
		ack := wire.PortalAck{Error: "No domain found"}
		writeFrame(conn, ack.Encode())
		return
	}

	// No explicit argv: profile-only runs fall back to the profile's
	// own run.cmd template.
	cmd := req.Cmd
	if len(cmd) == 0 {
		cmd = res.Cmd
	}
	if len(cmd) == 0 {
		ack := wire.PortalAck{Error: "Missing executable"}
		writeFrame(conn, ack.Encode())
		return
	}

	ack := wire.PortalAck{CreateTty: req.CreateTty}
	if err := wire.WriteFrame(conn, ack.Encode()); err != nil {
		slog.Warn("write ack failed", "error", err)
		return
	}

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		slog.Error("run request on non-unix connection")
		return
	}

	snap, err := p.mgr.Snapshot(ctx, res.JDom.Dom.Name)
	if err != nil {
		slog.Error("snapshot lattice failed", "error", err)
		return
	}
	spawnReq := NewSpawnRequest(res.JDom, snap, cmd, req.Cwd, req.CreateTty, p.Unconfined, p.MonitorSocket)
	sup, err := Spawn(ctx, unixConn, spawnReq)
	if err != nil {
		slog.Error("spawn supervisor failed", "error", err)
		return
	}

	// Hold the connection open until the supervisor exits: the client
	// waits on it, and closing early would tear down a live jail's
	// handoff socket.
	if err := sup.Wait(); err != nil {
		slog.Debug("supervisor exited", "error", err)
	}
}

func writeFrame(conn net.Conn, payload []byte) {
	if err := wire.WriteFrame(conn, payload); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
