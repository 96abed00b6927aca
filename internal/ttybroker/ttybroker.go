// Package ttybroker implements the TTY handoff protocol: the
// supervisor opens a PTY, hands the master end to the client and the
// slave end to the exec'd child, using the double-SCM_RIGHTS-send
// handshake in internal/fdpass and github.com/creack/pty for PTY
// allocation.
package ttybroker

import (
	"os"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/stemjail/stemjail/internal/fdpass"
	"github.com/stemjail/stemjail/internal/jailerr"
)

// OpenAndHandoff allocates a fresh PTY, sends the master end twice
// over sockFD to the client, and returns the slave end for the
// supervisor to give as stdio to the executed program.
func OpenAndHandoff(sockFD int) (slave *os.File, err error) {
	master, slaveFile, err := pty.Open()
	if err != nil {
		return nil, jailerr.IOf("open pty", err)
	}
	defer master.Close()

	if err := fdpass.SendFDTwice(sockFD, int(master.Fd())); err != nil {
		slaveFile.Close()
		return nil, err
	}
	return slaveFile, nil
}

// ReceiveTemplateAndHandoffMaster implements the supervisor's side of
// the handoff when the client sends its own stdin descriptor first as
// a template: receive the template (currently unused beyond the
// handshake itself; the supervisor allocates its own PTY rather than
// reusing the client's fd), then proceed as OpenAndHandoff.
func ReceiveTemplateAndHandoffMaster(sockFD int) (slave *os.File, err error) {
	template, err := fdpass.RecvFDTwice(sockFD)
	if err != nil {
		return nil, err
	}
	defer unix.Close(template) // the template fd only serves as a synchronization barrier
	return OpenAndHandoff(sockFD)
}
