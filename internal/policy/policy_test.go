package policy

import "testing"

func TestLatticeMinimalDomainPrefersSmallest(t *testing.T) {
	l := NewLattice()
	l.AddDomain("small", []FileAccess{{Path: "/tmp", Write: true}}, nil)
	l.AddDomain("big", []FileAccess{{Path: "/tmp", Write: true}, {Path: "/home/u", Write: false}}, nil)

	d, ok := l.MinimalDomain([]FileAccess{{Path: "/tmp", Write: true}})
	if !ok {
		t.Fatal("expected a covering domain")
	}
	if d.Name != "small" {
		t.Errorf("MinimalDomain = %q, want %q", d.Name, "small")
	}
}

func TestLatticeMinimalDomainNoneReachable(t *testing.T) {
	l := NewLattice()
	l.AddDomain("small", []FileAccess{{Path: "/tmp", Write: true}}, nil)

	if _, ok := l.MinimalDomain([]FileAccess{{Path: "/etc", Write: false}}); ok {
		t.Error("expected no domain to cover /etc")
	}
}

func TestReachableIsMonotone(t *testing.T) {
	l := NewLattice()
	base := l.AddDomain("base", []FileAccess{{Path: "/tmp", Write: true}}, nil)
	l.AddDomain("wide", []FileAccess{{Path: "/tmp", Write: true}, {Path: "/home/u", Write: false}}, nil)

	d, ok := l.Reachable(base, []FileAccess{{Path: "/home/u", Write: false}})
	if !ok {
		t.Fatal("expected /home/u to be reachable from base")
	}
	for _, want := range append(base.ACL(), FileAccess{Path: "/home/u", Write: false}) {
		if !d.covers([]FileAccess{want}) {
			t.Errorf("reachable domain does not cover %v", want)
		}
	}
}

func TestBindsFromACLMergesWritable(t *testing.T) {
	binds := bindsFromACL([]FileAccess{
		{Path: "/tmp", Write: false},
		{Path: "/tmp", Write: true},
		{Path: "/etc", Write: false},
	})
	byPath := map[string]BindMount{}
	for _, b := range binds {
		byPath[b.Src] = b
	}
	if !byPath["/tmp"].Writable {
		t.Error("/tmp should be writable after merge")
	}
	if byPath["/etc"].Writable {
		t.Error("/etc should stay read-only")
	}
}

func TestProfileConfigValidateRejectsRelative(t *testing.T) {
	p := ProfileConfig{Name: "bad", FS: FsConfig{Bind: []BindConfig{{Path: "relative"}}}}
	if err := p.Validate(); err == nil {
		t.Error("expected relative bind path to fail validation")
	}
}

func TestPortalStringEmpty(t *testing.T) {
	p := NewPortalConfig(nil)
	if got, want := p.String(), "profiles: []"; got != want {
		t.Errorf("Portal.String() = %q, want %q", got, want)
	}
}
