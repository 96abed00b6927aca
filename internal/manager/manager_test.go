package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stemjail/stemjail/internal/policy"
)

func newTestManager(t *testing.T) (*Manager, context.CancelFunc) {
	t.Helper()
	l := policy.NewLattice()
	l.AddProfile(policy.ProfileConfig{
		Name: "ex1",
		FS:   policy.FsConfig{Bind: []policy.BindConfig{{Path: "/tmp", Write: boolPtr(true)}}},
		Run:  policy.RunConfig{Cmd: []string{"/bin/sh", "-c", "id"}},
	})
	m := New(l)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	return m, cancel
}

func boolPtr(b bool) *bool { return &b }

func TestNewDomByName(t *testing.T) {
	m, cancel := newTestManager(t)
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	res, err := m.NewDom(ctx, Description{Name: "ex1"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found {
		t.Fatal("expected profile ex1 to be found")
	}
	if res.JDom.Dom.Name != "ex1" {
		t.Errorf("domain name = %q, want ex1", res.JDom.Dom.Name)
	}
}

func TestNewDomUnknownProfile(t *testing.T) {
	m, cancel := newTestManager(t)
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	res, err := m.NewDom(ctx, Description{Name: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Found {
		t.Error("expected unknown profile to not be found")
	}
}

func TestNewDomByNameCarriesRunCmd(t *testing.T) {
	m, cancel := newTestManager(t)
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	res, err := m.NewDom(ctx, Description{Name: "ex1"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/bin/sh", "-c", "id"}
	if len(res.Cmd) != len(want) {
		t.Fatalf("Cmd = %v, want %v", res.Cmd, want)
	}
	for i := range want {
		if res.Cmd[i] != want[i] {
			t.Fatalf("Cmd = %v, want %v", res.Cmd, want)
		}
	}
}

func TestReloadSwapsOracle(t *testing.T) {
	m, cancel := newTestManager(t)
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	l2 := policy.NewLattice()
	l2.AddProfile(policy.ProfileConfig{
		Name: "ex2",
		FS:   policy.FsConfig{Bind: []policy.BindConfig{{Path: "/var"}}},
	})
	if err := m.Reload(ctx, l2); err != nil {
		t.Fatal(err)
	}

	if res, _ := m.NewDom(ctx, Description{Name: "ex1"}); res.Found {
		t.Error("expected ex1 to be gone after reload")
	}
	res, err := m.NewDom(ctx, Description{Name: "ex2"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found {
		t.Error("expected ex2 to be found after reload")
	}
}

func TestProfilesListsLoadOrder(t *testing.T) {
	m, cancel := newTestManager(t)
	defer cancel()
	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()

	names, err := m.Profiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "ex1" {
		t.Errorf("Profiles = %v, want [ex1]", names)
	}
}

func TestGetDotEmptyLatticeIsValid(t *testing.T) {
	m := New(policy.NewLattice())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	reqCtx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	dot, err := m.GetDot(reqCtx)
	if err != nil {
		t.Fatal(err)
	}
	if dot == "" {
		t.Error("expected a non-empty (but domain-less) dot graph")
	}
}
