// Command kage is the stemjail client: it asks the portal to run a
// profile or ad-hoc command, handles the optional TTY handoff, and
// exposes the in-jail shim's mount/list/access requests as
// subcommands for use by a jailed program's own wrapper scripts.
package main

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stemjail/stemjail/internal/fdpass"
	"github.com/stemjail/stemjail/internal/logger"
	"github.com/stemjail/stemjail/internal/shim"
	"github.com/stemjail/stemjail/internal/wire"
)

func main() {
	if err := logger.Init("client", "warn", ""); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var portalSocket string
	var monitorSocket string

	// SilenceErrors keeps cobra from printing its own "Error:" line
	// (main formats errors itself); usage still prints for parse
	// failures and unknown subcommands, and each RunE silences it once
	// arguments have been accepted.
	root := &cobra.Command{
		Use:           "kage",
		Short:         "stemjail client",
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&portalSocket, "portal-socket", "./portal.sock", "portal daemon socket")
	root.PersistentFlags().StringVar(&monitorSocket, "monitor-socket", "/tmp/monitor.sock", "in-jail monitor socket")

	root.AddCommand(newRunCmd(&portalSocket))
	root.AddCommand(newInfoCmd(&portalSocket))
	root.AddCommand(newMountCmd(&monitorSocket))
	root.AddCommand(newShimCmd(&monitorSocket))
	return root
}

func newRunCmd(portalSocket *string) *cobra.Command {
	var profile string
	var tty bool
	var cwd string

	cmd := &cobra.Command{
		Use:   "run [-- cmd args...]",
		Short: "run a profile or an ad-hoc command in a new jail",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runRun(*portalSocket, profile, args, cwd, tty)
		},
	}
	cmd.Flags().StringVarP(&profile, "profile", "p", "", "named profile to run")
	cmd.Flags().BoolVarP(&tty, "tty", "t", false, "allocate a pseudo-terminal")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory inside the jail (default /)")
	return cmd
}

func runRun(socketPath, profile string, args []string, cwd string, tty bool) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial portal: %w", err)
	}
	defer conn.Close()
	unixConn := conn.(*net.UnixConn)

	call := wire.PortalCall{Run: &wire.RunRequest{Profile: profile, Cmd: args, Cwd: cwd, CreateTty: tty}}
	payload, err := call.Encode()
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		return err
	}

	resp, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	ack, err := wire.DecodePortalAck(resp)
	if err != nil {
		return err
	}
	if ack.Error != "" {
		return fmt.Errorf("%s", ack.Error)
	}
	if ack.CreateTty != tty {
		return fmt.Errorf("protocol violation: unexpected CreateTty ack")
	}

	if !tty {
		// The jailed program's output goes to the portal's stdio, not
		// through this connection; kage just waits for the portal to
		// close it when the supervisor exits.
		if _, err := wire.ReadFrame(conn); err != nil && err != io.EOF {
			return err
		}
		return nil
	}
	return proxyTty(unixConn)
}

// proxyTty implements the client side of the TTY handoff: send our
// stdin fd twice as a synchronization template, receive the
// supervisor's PTY master fd twice, then copy bytes between our real
// terminal and the master in raw mode until either side closes.
func proxyTty(conn *net.UnixConn) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("tty handoff: raw conn: %w", err)
	}
	var sockFD int
	if err := rawConn.Control(func(fd uintptr) { sockFD = int(fd) }); err != nil {
		return fmt.Errorf("tty handoff: control: %w", err)
	}

	if err := fdpass.SendFDTwice(sockFD, int(os.Stdin.Fd())); err != nil {
		return fmt.Errorf("tty handoff: send template: %w", err)
	}
	masterFD, err := fdpass.RecvFDTwice(sockFD)
	if err != nil {
		return fmt.Errorf("tty handoff: recv master: %w", err)
	}
	master := os.NewFile(uintptr(masterFD), "pty-master")
	defer master.Close()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(master, os.Stdin); done <- struct{}{} }()
	go func() { io.Copy(os.Stdout, master); done <- struct{}{} }()
	<-done
	return nil
}

func newInfoCmd(portalSocket *string) *cobra.Command {
	var wantDot bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "show known profiles and the domain lattice",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runInfo(*portalSocket, wantDot)
		},
	}
	cmd.Flags().BoolVar(&wantDot, "dot", false, "render the lattice as a Graphviz graph")
	return cmd
}

func runInfo(socketPath string, wantDot bool) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial portal: %w", err)
	}
	defer conn.Close()

	call := wire.PortalCall{Info: &wire.InfoRequest{WantDot: wantDot}}
	payload, err := call.Encode()
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		return err
	}
	resp, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	info, err := wire.DecodeInfoResponse(resp)
	if err != nil {
		return err
	}
	if wantDot {
		fmt.Println(info.Dot)
		return nil
	}
	for _, p := range info.Profiles {
		fmt.Println(p)
	}
	return nil
}

func newMountCmd(monitorSocket *string) *cobra.Command {
	var writable bool
	cmd := &cobra.Command{
		Use:   "mount <src> <dst>",
		Short: "bind-mount a path from the jail's parent stash (run from inside the jail)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runMount(*monitorSocket, args[0], args[1], writable)
		},
	}
	cmd.Flags().BoolVarP(&writable, "write", "w", false, "mount read-write")
	return cmd
}

func runMount(socketPath, src, dst string, writable bool) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("dial monitor: %w", err)
	}
	defer conn.Close()

	call := wire.MonitorCall{Mount: &wire.MountRequest{Src: src, Dst: dst, Writable: writable}}
	payload, err := call.Encode()
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(conn, payload); err != nil {
		return err
	}
	resp, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	mr, err := wire.DecodeMountResponse(resp)
	if err != nil {
		return err
	}
	if mr.Error != "" {
		return fmt.Errorf("mount refused: %s", mr.Error)
	}
	return nil
}

func newShimCmd(monitorSocket *string) *cobra.Command {
	cmd := &cobra.Command{Use: "shim", Short: "in-jail helper library entrypoints"}
	cmd.AddCommand(newShimAccessCmd(monitorSocket))
	cmd.AddCommand(newShimListCmd(monitorSocket))
	return cmd
}

func newShimAccessCmd(monitorSocket *string) *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "access <path>",
		Short: "request (and cache) access to a path, triggering a live domain transition if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, err := shim.Dial(*monitorSocket)
			if err != nil {
				return err
			}
			defer c.Close()
			granted, err := c.RequestAccess(args[0], write)
			if err != nil {
				return err
			}
			if len(granted) == 0 {
				return fmt.Errorf("access denied: %s", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "request write access")
	return cmd
}

func newShimListCmd(monitorSocket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list <path>",
		Short: "list a parent-side directory through the monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, err := shim.Dial(*monitorSocket)
			if err != nil {
				return err
			}
			defer c.Close()
			entries, err := c.List(args[0])
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Println(e)
			}
			return nil
		},
	}
}
