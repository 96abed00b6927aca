package shim

import (
	"testing"

	"github.com/stemjail/stemjail/internal/policy"
)

func TestAccessCachePrefixClosure(t *testing.T) {
	c := NewAccessCache()
	c.RecordGranted([]policy.FileAccess{{Path: "/home/u", Write: false}})

	if !c.Allowed(policy.FileAccess{Path: "/home/u/x", Write: false}) {
		t.Error("expected /home/u/x to be covered by a granted /home/u entry")
	}
	if c.Allowed(policy.FileAccess{Path: "/home/u/x", Write: true}) {
		t.Error("a read-only grant should not cover a write request")
	}
}

func TestAccessCacheRecordGrantedDeduplicates(t *testing.T) {
	c := NewAccessCache()
	c.RecordGranted([]policy.FileAccess{{Path: "/home/u"}})
	c.RecordGranted([]policy.FileAccess{{Path: "/home/u/x"}})
	if len(c.granted) != 1 {
		t.Errorf("expected the redundant /home/u/x entry to be dropped, got %d entries", len(c.granted))
	}
}

func TestAccessCacheDenied(t *testing.T) {
	c := NewAccessCache()
	want := policy.FileAccess{Path: "/etc/shadow", Write: false}
	if c.Denied(want) {
		t.Fatal("should not be denied before recording")
	}
	c.RecordDenied(want)
	if !c.Denied(want) {
		t.Error("expected denial to be recorded")
	}
}
