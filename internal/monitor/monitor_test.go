package monitor

import (
	"testing"

	"github.com/stemjail/stemjail/internal/policy"
)

func TestListDirRejectsRelativePath(t *testing.T) {
	if _, err := listDir("relative"); err == nil {
		t.Error("expected a relative path to be rejected")
	}
}

func TestListDirRejectsProc(t *testing.T) {
	for _, p := range []string{"/proc", "/proc/1"} {
		if _, err := listDir(p); err == nil {
			t.Errorf("expected %s to be rejected", p)
		}
	}
}

func TestAclDiff(t *testing.T) {
	prev := []policy.FileAccess{{Path: "/tmp", Write: true}}
	next := []policy.FileAccess{
		{Path: "/tmp", Write: true},
		{Path: "/home/u", Write: false},
	}
	diff := aclDiff(next, prev)
	if len(diff) != 1 || diff[0].Path != "/home/u" {
		t.Errorf("aclDiff = %+v, want only /home/u", diff)
	}
}

func TestJailTmpsSkipsWritableTmpBind(t *testing.T) {
	with := jailTmps([]policy.BindMount{policy.NewBindMount("/tmp", "/tmp").WithWritable(true)})
	if len(with) != 0 {
		t.Errorf("expected no tmpfs when a writable /tmp bind exists, got %+v", with)
	}
	without := jailTmps([]policy.BindMount{policy.NewBindMount("/tmp", "/tmp")})
	if len(without) != 1 || without[0].Dst != "/tmp" {
		t.Errorf("expected a /tmp tmpfs for a read-only /tmp bind, got %+v", without)
	}
}

func TestInheritedEnvOnlyHomeAndTerm(t *testing.T) {
	t.Setenv("HOME", "/home/u")
	t.Setenv("TERM", "xterm")
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SECRET_TOKEN", "x")

	env := inheritedEnv()
	for _, kv := range env {
		switch kv {
		case "HOME=/home/u", "TERM=xterm":
		default:
			if len(kv) >= 5 && kv[:5] == "PATH=" {
				t.Errorf("PATH leaked into the jail env: %s", kv)
			}
			if len(kv) >= 13 && kv[:13] == "SECRET_TOKEN=" {
				t.Errorf("SECRET_TOKEN leaked into the jail env: %s", kv)
			}
		}
	}
}
