package monitor

import (
	"log/slog"
	"net"
	"path/filepath"
	"strings"

	"github.com/stemjail/stemjail/internal/policy"
	"github.com/stemjail/stemjail/internal/wire"
)

// handleConn services one monitor connection for its lifetime: each
// frame is a MonitorCall, answered with the matching response type.
// Mount (ImportBind) and Access (GainAccess) both change the jail's
// mounts and are serialized by s.mu, so only one is ever in flight at
// a time.
func (s *Supervisor) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		call, err := wire.DecodeMonitorCall(payload)
		if err != nil {
			slog.Warn("decode monitor call failed", "error", err)
			return
		}

		switch {
		case call.Mount != nil:
			s.handleMount(conn, call.Mount)
		case call.List != nil:
			s.handleList(conn, call.List)
		case call.Access != nil:
			s.handleAccess(conn, call.Access)
		default:
			slog.Warn("empty monitor call")
			return
		}
	}
}

func (s *Supervisor) handleMount(conn net.Conn, req *wire.MountRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bind := policy.NewBindMount(req.Src, req.Dst).WithWritable(req.Writable).WithFromParent(true)
	resp := wire.MountResponse{}
	if err := s.Jail.ImportBind(bind, true); err != nil {
		resp.Error = err.Error()
	}
	if err := wire.WriteFrame(conn, resp.Encode()); err != nil {
		slog.Warn("write mount response failed", "error", err)
	}
}

func (s *Supervisor) handleList(conn net.Conn, req *wire.ListRequest) {
	resp := wire.ListResponse{}
	entries, err := listDir(req.Path)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Entries = entries
	}
	if err := wire.WriteFrame(conn, resp.Encode()); err != nil {
		slog.Warn("write list response failed", "error", err)
	}
}

// handleAccess implements the monitor side of the AccessRequest FSM:
// resolve the minimal domain for the requested access, diff it against
// the jail's current domain, and attempt the live transition. The
// response carries the newly granted accesses, none on denial, the
// request itself when the current domain already covers it, or the
// current bind set when GetAllAccess is set.
func (s *Supervisor) handleAccess(conn net.Conn, req *wire.AccessRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := wire.AccessResponse{}
	if req.GetAllAccess {
		for _, b := range s.Jail.JDom.Binds {
			resp.Granted = append(resp.Granted, policy.FileAccess{Path: b.Dst, Write: b.Writable})
		}
		if err := wire.WriteFrame(conn, resp.Encode()); err != nil {
			slog.Warn("write access response failed", "error", err)
		}
		return
	}

	// Invalid requests are treated as policy denials rather than
	// protocol errors: log the reason and answer with an empty grant,
	// since AccessResponse has no room for an error on the wire.
	if !filepath.IsAbs(req.Path) {
		slog.Debug("access request rejected", "path", req.Path, "reason", "not absolute")
		if err := wire.WriteFrame(conn, resp.Encode()); err != nil {
			slog.Warn("write access response failed", "error", err)
		}
		return
	}
	if req.Path == "/proc" || strings.HasPrefix(req.Path, "/proc/") {
		slog.Debug("access request rejected", "path", req.Path, "reason", "access denied")
		if err := wire.WriteFrame(conn, resp.Encode()); err != nil {
			slog.Warn("write access response failed", "error", err)
		}
		return
	}

	want := policy.FileAccess{Path: req.Path, Write: req.Write}
	beforeACL := s.Jail.JDom.Dom.ACL()
	if err := s.Jail.GainAccess(s.Oracle, []policy.FileAccess{want}); err != nil {
		slog.Debug("access denied", "path", req.Path, "write", req.Write, "error", err)
	} else {
		// The response lists the accesses the transition made newly
		// available. When the current domain already covered the
		// request (no transition), answer with the request itself so
		// the shim does not cache a denial for an accessible path.
		resp.Granted = aclDiff(s.Jail.JDom.Dom.ACL(), beforeACL)
		if len(resp.Granted) == 0 {
			resp.Granted = []policy.FileAccess{want}
		}
	}
	if err := wire.WriteFrame(conn, resp.Encode()); err != nil {
		slog.Warn("write access response failed", "error", err)
	}
}

// aclDiff returns the entries of next that are absent from prev.
func aclDiff(next, prev []policy.FileAccess) []policy.FileAccess {
	var out []policy.FileAccess
	for _, n := range next {
		found := false
		for _, p := range prev {
			if p == n {
				found = true
				break
			}
		}
		if !found {
			out = append(out, n)
		}
	}
	return out
}
