package jail

import (
	"errors"
	"testing"

	"github.com/stemjail/stemjail/internal/jailerr"
	"github.com/stemjail/stemjail/internal/policy"
)

func TestExpandBindsWritableBindIsPassthrough(t *testing.T) {
	j := &Jail{StagingRoot: "/tmp/doesnotmatter"}
	binds := []policy.BindMount{policy.NewBindMount("/tmp", "/tmp").WithWritable(true)}
	out, err := j.expandBinds(binds, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || !out[0].Equal(binds[0]) {
		t.Errorf("expandBinds(writable) = %+v, want passthrough of %+v", out, binds[0])
	}
}

func TestExpandBindsLaterBindMasksEarlier(t *testing.T) {
	j := &Jail{StagingRoot: "/tmp/doesnotmatter"}
	binds := []policy.BindMount{
		policy.NewBindMount("/a", "/x").WithWritable(true),
		policy.NewBindMount("/b", "/x/y").WithWritable(true),
	}
	out, err := j.expandBinds(binds, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range out {
		if b.Dst == "/x" {
			t.Errorf("expected the /x bind to be masked by the later /x/y bind, got %+v", out)
		}
	}
}

func TestDiffBindsOnlyReturnsNew(t *testing.T) {
	current := []policy.BindMount{policy.NewBindMount("/tmp", "/tmp").WithWritable(true)}
	next := []policy.BindMount{
		policy.NewBindMount("/tmp", "/tmp").WithWritable(true),
		policy.NewBindMount("/home/u", "/home/u"),
	}
	diff := diffBinds(next, current)
	if len(diff) != 1 || diff[0].Src != "/home/u" {
		t.Errorf("diffBinds = %+v, want only /home/u", diff)
	}
}

func TestImportBindRejectsProtectedAndRelativePaths(t *testing.T) {
	j := &Jail{Workdir: "/proc/1/fdinfo"}
	cases := []struct {
		name string
		bind policy.BindMount
	}{
		{"relative src", policy.NewBindMount("relative", "/x")},
		{"relative dst", policy.NewBindMount("/x", "relative")},
		{"dst under /proc", policy.NewBindMount("/x", "/proc/1")},
		{"dst under /dev", policy.NewBindMount("/x", "/dev/sda")},
		{"parent src under /dev", policy.NewBindMount("/dev/null", "/y").WithFromParent(true)},
	}
	for _, c := range cases {
		err := j.ImportBind(c.bind, false)
		if err == nil {
			t.Errorf("%s: ImportBind succeeded, want permission error", c.name)
			continue
		}
		var je *jailerr.Error
		if !errors.As(err, &je) || je.Class != jailerr.Permission {
			t.Errorf("%s: error class = %v, want permission", c.name, err)
		}
	}
}

func TestIsUnderAny(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"/proc", true},
		{"/proc/1/fd", true},
		{"/process", false},
		{"/home", false},
	}
	for _, c := range cases {
		if got := isUnderAny(c.path, protectedPaths); got != c.want {
			t.Errorf("isUnderAny(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}
