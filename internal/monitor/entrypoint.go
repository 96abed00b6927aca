package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/stemjail/stemjail/internal/jail"
	"github.com/stemjail/stemjail/internal/logger"
	"github.com/stemjail/stemjail/internal/policy"
	"github.com/stemjail/stemjail/internal/portal"
	"github.com/stemjail/stemjail/internal/ttybroker"
)

// clientSocketFD is the well-known descriptor number of the client
// connection the portal passes down via cmd.ExtraFiles (the first
// ExtraFiles entry always lands at fd 3, since 0-2 are stdio).
const clientSocketFD = 3

// jailTmps declares the jail-internal tmpfs mounts: /tmp for the
// monitor socket, unless the domain already grants a writable /tmp
// bind (a tmpfs mounted after the bind plan would mask it).
func jailTmps(binds []policy.BindMount) []policy.TmpfsMount {
	for _, b := range binds {
		if b.Writable && b.Dst == "/tmp" {
			return nil
		}
	}
	return []policy.TmpfsMount{policy.NewTmpfsMount("/tmp").WithName("tmp")}
}

// Main is the entrypoint cmd/portal's hidden __supervisor subcommand
// invokes after Go's os/exec has already performed the clone with new
// namespaces and the uid/gid mappings (portal.Spawn). It decodes its
// configuration from the environment (the portal, which waits on this
// process, passes nothing else but the client socket), realizes the mount
// namespace, execs the target, and serves the monitor socket until the
// child exits.
func Main() int {
	if err := logger.Init("supervisor", "info", ""); err != nil {
		return 1
	}

	req, err := decodeSpawnRequest()
	if err != nil {
		slog.Error("decode supervisor args failed", logger.Err(err))
		return 1
	}

	lattice, dom, ok := policy.RestoreLattice(req.Lattice)
	if !ok {
		slog.Error("restore lattice failed", "domain", req.DomainName)
		return 1
	}

	jdom := policy.JailDom{Dom: dom, Binds: req.Binds}
	j := jail.New(dom.Name, jdom, jailTmps(req.Binds))
	j.Unconfined = req.Unconfined

	var ttySlave *os.File
	ttySlavePath := ""
	if req.CreateTty {
		ttySlave, err = ttybroker.ReceiveTemplateAndHandoffMaster(clientSocketFD)
		if err != nil {
			slog.Error("tty handoff failed", logger.Err(err))
			return 1
		}
		ttySlavePath = ttySlave.Name()
	}

	if err := j.InitFS(ttySlavePath); err != nil {
		slog.Error("init fs failed", logger.Err(err))
		return 1
	}

	sup := New(j, lattice, req.MonitorSocket)
	code, err := sup.Run(context.Background(), req.Cmd, req.Cwd, ttySlave)
	if err != nil {
		slog.Error("supervisor run failed", logger.Err(err))
	}
	return code
}

func decodeSpawnRequest() (portal.SpawnRequest, error) {
	raw := os.Getenv(portal.SpawnArgsEnv)
	if raw == "" {
		return portal.SpawnRequest{}, fmt.Errorf("missing %s", portal.SpawnArgsEnv)
	}
	var req portal.SpawnRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return portal.SpawnRequest{}, fmt.Errorf("unmarshal supervisor args: %w", err)
	}
	return req, nil
}
