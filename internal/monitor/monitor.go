// Package monitor implements the in-jail supervisor: the process that
// results from the portal's self-reexec (internal/portal.Spawn), runs
// inside the freshly unshared namespaces, performs InitFS, execs the
// target program, and then services the monitor socket for in-jail
// helper requests.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/stemjail/stemjail/internal/jail"
	"github.com/stemjail/stemjail/internal/jailerr"
	"github.com/stemjail/stemjail/internal/policy"
	"github.com/stemjail/stemjail/internal/shim"
)

// childPollInterval is the child-waiter goroutine's poll period, used
// so it can observe the shutdown flag instead of blocking forever in
// Wait.
const childPollInterval = 100 * time.Millisecond

// Supervisor is the live in-jail state: the Jail mount-namespace
// object, the exec'd child, and the monitor listener.
type Supervisor struct {
	Jail   *jail.Jail
	Oracle policy.Oracle

	socketPath string
	mu         sync.Mutex // serializes GainAccess across concurrent monitor connections
	quit       chan struct{}
}

// New wires a Supervisor around an already-InitFS'd Jail.
func New(j *jail.Jail, oracle policy.Oracle, socketPath string) *Supervisor {
	return &Supervisor{Jail: j, Oracle: oracle, socketPath: socketPath, quit: make(chan struct{})}
}

// Run execs argv as the jail's target program, serves the monitor
// socket, and blocks until the child exits and the listener is
// stopped. The supervisor process itself already is the post-unshare
// process, so this collapses to a plain exec.Cmd.Start/Wait rather
// than a separate fork+waitpid. tty, if non-nil, is the PTY slave:
// it becomes the child's stdio and controlling terminal, and the
// supervisor's copy is dropped right after the exec so the master
// observes EOF when the child exits.
func (s *Supervisor) Run(ctx context.Context, argv []string, dir string, tty *os.File) (int, error) {
	if len(argv) == 0 {
		return 1, jailerr.Configf("run", fmt.Errorf("missing executable"))
	}
	if dir == "" {
		dir = "/"
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = inheritedEnv()
	if tty != nil {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return 1, jailerr.Fatalf("exec target", err)
	}
	if tty != nil {
		tty.Close()
	}
	slog.Info("jail child started", "pid", cmd.Process.Pid, "argv", argv)

	childDone := make(chan error, 1)
	go func() {
		childDone <- s.waitChild(cmd)
	}()

	ln, err := s.listen()
	if err != nil {
		_ = cmd.Process.Kill()
		return 1, err
	}
	defer ln.Close()
	cmdCh := make(chan net.Conn)
	go s.acceptLoop(ln, cmdCh)

	exitCode := 0
	for {
		select {
		case conn := <-cmdCh:
			go s.handleConn(conn)
		case err := <-childDone:
			close(s.quit)
			if ee, ok := err.(*exec.ExitError); ok {
				exitCode = ee.ExitCode()
			} else if err != nil {
				exitCode = 1
			}
			slog.Debug("jail child monitor exited")
			return exitCode, nil
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			close(s.quit)
			return 1, ctx.Err()
		}
	}
}

// waitChild polls cmd's completion every childPollInterval instead of
// blocking indefinitely in Wait, so it can observe s.quit during an
// orderly shutdown.
func (s *Supervisor) waitChild(cmd *exec.Cmd) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	for {
		select {
		case err := <-done:
			return err
		case <-time.After(childPollInterval):
			select {
			case <-s.quit:
				return nil
			default:
			}
		}
	}
}

func (s *Supervisor) listen() (net.Listener, error) {
	_ = os.Remove(s.socketPath)
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return nil, jailerr.IOf("mkdir monitor socket dir", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return nil, jailerr.IOf("listen monitor socket", err)
	}
	return ln, nil
}

func (s *Supervisor) acceptLoop(ln net.Listener, out chan<- net.Conn) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				slog.Warn("monitor accept failed", "error", err)
				return
			}
		}
		select {
		case out <- conn:
		case <-s.quit:
			conn.Close()
			return
		}
	}
}

func inheritedEnv() []string {
	// Only HOME and TERM are inherited by the jailed process, plus the
	// shim library path when the portal injected one.
	var env []string
	for _, k := range []string{"HOME", "TERM", shim.ShimPathEnv} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}
