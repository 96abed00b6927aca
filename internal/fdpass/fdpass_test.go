//go:build linux

package fdpass

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSendRecvFDTwiceRoundTrip(t *testing.T) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(pair[0])
	defer unix.Close(pair[1])

	tmp, err := os.CreateTemp(t.TempDir(), "fdpass")
	if err != nil {
		t.Fatal(err)
	}
	defer tmp.Close()

	done := make(chan error, 1)
	go func() {
		done <- SendFDTwice(pair[0], int(tmp.Fd()))
	}()

	got, err := RecvFDTwice(pair[1])
	if err != nil {
		t.Fatalf("RecvFDTwice: %v", err)
	}
	defer unix.Close(got)

	if err := <-done; err != nil {
		t.Fatalf("SendFDTwice: %v", err)
	}

	if _, err := unix.Write(got, []byte("ok")); err != nil {
		t.Fatalf("write through received fd: %v", err)
	}
}
