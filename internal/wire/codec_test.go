package wire

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/stemjail/stemjail/internal/policy"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := []byte("hello jail")
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("ReadFrame = %q, want %q", got, want)
	}
}

func TestFrameRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	big := make([]byte, MaxPayload+1)
	if err := WriteFrame(&buf, big); err == nil {
		t.Error("expected oversize payload to be rejected")
	}
}

func TestPortalCallRunRoundTrip(t *testing.T) {
	in := PortalCall{Run: &RunRequest{Profile: "ex1", Cmd: []string{"/bin/sh", "-c", "id"}, Cwd: "/", CreateTty: true}}
	enc, err := in.Encode()
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodePortalCall(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch: %+v != %+v", in, out)
	}
}

func TestPortalCallInfoRoundTrip(t *testing.T) {
	in := PortalCall{Info: &InfoRequest{WantDot: true}}
	enc, err := in.Encode()
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodePortalCall(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch: %+v != %+v", in, out)
	}
}

func TestMonitorCallAccessRoundTrip(t *testing.T) {
	in := MonitorCall{Access: &AccessRequest{Path: "/home/u/x", Write: false, GetAllAccess: false}}
	enc, err := in.Encode()
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeMonitorCall(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch: %+v != %+v", in, out)
	}
}

func TestAccessResponseRoundTrip(t *testing.T) {
	in := AccessResponse{Granted: []policy.FileAccess{{Path: "/home/u", Write: false}}}
	enc := in.Encode()
	out, err := DecodeAccessResponse(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch: %+v != %+v", in, out)
	}
}

func TestDecodePortalCallTruncated(t *testing.T) {
	if _, err := DecodePortalCall([]byte{portalCallRun}); err == nil {
		t.Error("expected truncated message to fail to decode")
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	if _, err := DecodePortalCall([]byte{0xff}); err == nil {
		t.Error("expected unknown tag to fail to decode")
	}
}
