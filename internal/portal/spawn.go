package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/stemjail/stemjail/internal/policy"
)

// SpawnArgsEnv carries the JSON-encoded SpawnRequest to the re-exec'd
// supervisor process: a single JSON blob in an environment variable,
// since the supervisor's configuration (a JailDom's bind list plus a
// lattice snapshot) is too rich for a flat flag list.
const SpawnArgsEnv = "STEMJAIL_SUPERVISOR_ARGS"

// SupervisorArg is the hidden cobra subcommand cmd/portal registers
// for the re-exec'd supervisor entrypoint.
const SupervisorArg = "__supervisor"

// SpawnRequest is everything the supervisor needs to realize a
// JailDom and exec the target program. It carries a LatticeSnapshot
// rather than a policy.JailDom directly: Domain's ACL/binds fields are
// unexported (pointer identity is how one process compares domains),
// so they would not survive JSON encoding across the self-reexec
// process boundary. The supervisor calls policy.RestoreLattice to get
// back a local Oracle equivalent to the portal's.
type SpawnRequest struct {
	DomainName    string
	Binds         []policy.BindMount
	Lattice       policy.LatticeSnapshot
	Cmd           []string
	Cwd           string
	CreateTty     bool
	Unconfined    bool
	MonitorSocket string
}

// NewSpawnRequest builds a SpawnRequest from a resolved JailDom and a
// snapshot of the lattice it came from.
func NewSpawnRequest(jdom policy.JailDom, snap policy.LatticeSnapshot, cmd []string, cwd string, createTty, unconfined bool, monitorSocket string) SpawnRequest {
	return SpawnRequest{
		DomainName:    jdom.Dom.Name,
		Binds:         jdom.Binds,
		Lattice:       snap,
		Cmd:           cmd,
		Cwd:           cwd,
		CreateTty:     createTty,
		Unconfined:    unconfined,
		MonitorSocket: monitorSocket,
	}
}

// Spawn launches the supervisor as a self-re-exec of the portal
// binary with new IPC|NET|NS|PID|USER|UTS namespaces. Go's
// os/exec.Cmd.SysProcAttr.Cloneflags + UidMappings/GidMappings
// performs the unshare and the uid_map/gid_map write atomically as
// part of the clone: a single clone(2) call the runtime makes on our
// behalf before the child's first instruction runs, rather than the
// traditional fork-then-write-proc-maps dance across a pipe.
func Spawn(ctx context.Context, clientConn *net.UnixConn, req SpawnRequest) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("spawn: resolve self: %w", err)
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("spawn: encode request: %w", err)
	}

	cmd := exec.Command(self, SupervisorArg)
	cmd.Env = append(os.Environ(), SpawnArgsEnv+"="+string(encoded))
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	uid, gid := os.Getuid(), os.Getgid()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET |
			syscall.CLONE_NEWNS | syscall.CLONE_NEWPID |
			syscall.CLONE_NEWUSER | syscall.CLONE_NEWUTS,
		UidMappings: []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}},
		GidMappings: []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}},
	}

	if req.CreateTty {
		if err := handleTtyHandoff(clientConn, cmd); err != nil {
			return nil, err
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn: start supervisor: %w", err)
	}
	// The supervisor owns its inherited copies now; keeping ours open
	// would hold the client socket alive past the supervisor's exit.
	for _, f := range cmd.ExtraFiles {
		f.Close()
	}
	return cmd, nil
}

// handleTtyHandoff dups the client connection into the supervisor via
// cmd.ExtraFiles. The whole template/master exchange happens between
// the client and the supervisor directly: the client's two template
// sends queue on the socket until the supervisor (once running, before
// InitFS) receives them and answers with its own PTY master. The
// portal never touches the descriptors itself.
func handleTtyHandoff(clientConn *net.UnixConn, cmd *exec.Cmd) error {
	rawConn, err := clientConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("tty handoff: raw conn: %w", err)
	}
	var sockFD int
	err = rawConn.Control(func(fd uintptr) {
		sockFD = int(fd)
	})
	if err != nil {
		return fmt.Errorf("tty handoff: control: %w", err)
	}

	dup, err := unix.Dup(sockFD)
	if err != nil {
		return fmt.Errorf("tty handoff: dup client socket: %w", err)
	}
	cmd.ExtraFiles = append(cmd.ExtraFiles, os.NewFile(uintptr(dup), "client-socket"))
	return nil
}
