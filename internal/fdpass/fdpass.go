// Package fdpass implements SCM_RIGHTS file-descriptor passing over
// Unix domain sockets, used by the TTY broker to hand a PTY end
// between the client and the supervisor, driving
// golang.org/x/sys/unix directly rather than wrapping it behind
// another abstraction layer.
package fdpass

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/stemjail/stemjail/internal/jailerr"
)

// SendFD sends a single byte payload carrying fd as ancillary data
// (SCM_RIGHTS) over the Unix socket identified by sockFD.
func SendFD(sockFD int, fd int) error {
	rights := unix.UnixRights(fd)
	if err := unix.Sendmsg(sockFD, []byte{0}, rights, nil, 0); err != nil {
		return jailerr.IOf("sendmsg SCM_RIGHTS", err)
	}
	return nil
}

// SendFDTwice implements the double-send TTY handoff handshake: the
// same descriptor is sent twice on the same socket. The first send is
// a synchronization barrier (the receiver blocks on it until the
// sender has completed local setup); the second carries the payload
// the receiver actually keeps.
func SendFDTwice(sockFD int, fd int) error {
	if err := SendFD(sockFD, fd); err != nil {
		return fmt.Errorf("first (barrier) send: %w", err)
	}
	if err := SendFD(sockFD, fd); err != nil {
		return fmt.Errorf("second (payload) send: %w", err)
	}
	return nil
}

// RecvFD receives one fd passed via SCM_RIGHTS on sockFD. The control
// buffer is sized for exactly one descriptor; a short or malformed
// control message is a protocol error, not silently ignored.
func RecvFD(sockFD int) (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := unix.Recvmsg(sockFD, buf, oob, unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		return -1, jailerr.IOf("recvmsg SCM_RIGHTS", err)
	}
	if oobn == 0 {
		return -1, jailerr.Protocolf("recvmsg SCM_RIGHTS", fmt.Errorf("no control message received"))
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, jailerr.Protocolf("parse control message", err)
	}
	if len(msgs) != 1 {
		return -1, jailerr.Protocolf("parse control message", fmt.Errorf("expected 1 control message, got %d", len(msgs)))
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, jailerr.Protocolf("parse unix rights", err)
	}
	if len(fds) != 1 {
		return -1, jailerr.Protocolf("parse unix rights", fmt.Errorf("expected 1 fd, got %d", len(fds)))
	}
	return fds[0], nil
}

// RecvFDTwice mirrors SendFDTwice: receive and discard the barrier
// send, then receive and return the payload fd. Each receive installs
// a new descriptor, so the barrier fd is closed.
func RecvFDTwice(sockFD int) (int, error) {
	barrier, err := RecvFD(sockFD)
	if err != nil {
		return -1, fmt.Errorf("first (barrier) recv: %w", err)
	}
	payload, err := RecvFD(sockFD)
	if err != nil {
		unix.Close(barrier)
		return -1, fmt.Errorf("second (payload) recv: %w", err)
	}
	if barrier != payload {
		unix.Close(barrier)
	}
	return payload, nil
}
