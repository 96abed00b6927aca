// Package jail implements the namespace/mount engine: the primitives
// that turn a policy.JailDom into a running, pivoted mount namespace,
// using mount-private discipline, bind+remount-ro sealing, and a
// self-reexec to cross the namespace boundary.
package jail

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/stemjail/stemjail/internal/jailerr"
	"github.com/stemjail/stemjail/internal/policy"
)

// WorkdirParent is the name of the directory, inside the jail's
// per-pid workdir, where the original (pre-pivot) root is stashed.
// Bind mounts tagged FromParent are resolved against this directory.
const WorkdirParent = "parent"

// protectedPaths are never a legal bind destination (nor, when
// FromParent, a legal bind source): the jail's own managed procfs and
// devtmpfs.
var protectedPaths = []string{"/dev", "/proc"}

// Jail is the supervisor's live mount-namespace state.
type Jail struct {
	Name        string
	StagingRoot string // host-side path reserved for this jail
	JDom        policy.JailDom
	Tmps        []policy.TmpfsMount
	Workdir     string // absolute path inside the jail anchoring scratch space
	Unconfined  bool   // -u: disable sealing, for testing only
}

// New constructs a Jail. The staging root is /proc/self/fdinfo: a
// reliably-present, per-pid-private, kernel-created directory. The
// "self" symlink matters here -- the supervisor is PID 1 of its own
// pid namespace but /proc is still the inherited host procfs at this
// point, so only "self" names our entry in it.
func New(name string, jdom policy.JailDom, tmps []policy.TmpfsMount) *Jail {
	return &Jail{
		Name:        name,
		StagingRoot: "/proc/self/fdinfo",
		JDom:        jdom,
		Tmps:        tmps,
	}
}

func isUnderAny(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

func nestPath(root, p string) string {
	return filepath.Join(root, p)
}

func mkdirIfNot(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}

func touchIfNot(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// mountFlagsFromSource inspects /proc/self/mountinfo for the mount
// covering src and returns the propagation-preserving subset of
// nosuid/nodev/noexec/ro/noatime/nodiratime/relatime, so a sealed bind
// forwards the source mount's observed flags instead of dropping them.
func mountFlagsFromSource(src string) uintptr {
	opts, err := readMountOptions(src)
	if err != nil {
		return 0
	}
	var flags uintptr
	set := map[string]uintptr{
		"nosuid":     unix.MS_NOSUID,
		"nodev":      unix.MS_NODEV,
		"noexec":     unix.MS_NOEXEC,
		"ro":         unix.MS_RDONLY,
		"noatime":    unix.MS_NOATIME,
		"nodiratime": unix.MS_NODIRATIME,
		"relatime":   unix.MS_RELATIME,
	}
	for _, o := range opts {
		if f, ok := set[o]; ok {
			flags |= f
		}
	}
	return flags
}

func readMountOptions(path string) ([]string, error) {
	entries, err := parseMountinfo("/proc/self/mountinfo")
	if err != nil {
		return nil, err
	}
	best := -1
	var bestOpts []string
	for _, e := range entries {
		if (path == e.mountPoint || strings.HasPrefix(path, e.mountPoint+"/")) && len(e.mountPoint) > best {
			best = len(e.mountPoint)
			bestOpts = e.options
		}
	}
	if best < 0 {
		return nil, fmt.Errorf("no mount entry covers %s", path)
	}
	return bestOpts, nil
}

// addBind realizes a single BindMount: bind+rec, and if not writable,
// private+rec then remount read-only forwarding the source's
// propagation-relevant flags. absolute indicates dst is used as given
// (ImportBind passes its cwd-relative staging subtree); otherwise dst
// is nested under j.StagingRoot.
func (j *Jail) addBind(b policy.BindMount, absolute bool) error {
	dst := b.Dst
	if !absolute {
		dst = nestPath(j.StagingRoot, b.Dst)
	}
	if fi, err := os.Stat(b.Src); err == nil && fi.IsDir() {
		if err := mkdirIfNot(dst); err != nil {
			return jailerr.Mountf("mkdir bind dst", err)
		}
	} else {
		if err := touchIfNot(dst); err != nil {
			return jailerr.Mountf("touch bind dst", err)
		}
	}

	if err := unix.Mount(b.Src, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return jailerr.Mountf(fmt.Sprintf("bind %s -> %s", b.Src, dst), err)
	}

	if !b.Writable && !j.Unconfined {
		if err := unix.Mount("none", dst, "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
			return jailerr.Mountf("make bind private", err)
		}
		flags := unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | mountFlagsFromSource(b.Src)
		if err := unix.Mount("none", dst, "", uintptr(flags), ""); err != nil {
			return jailerr.Mountf("seal bind read-only", err)
		}
	}
	return nil
}

// addTmpfs creates a tmpfs for tmp.Dst, rooted at the host (IsRoot) or
// nested inside the staging root.
func (j *Jail) addTmpfs(tmp policy.TmpfsMount) error {
	name := tmp.Name
	if name == "" {
		name = "tmpfs"
	}
	var dst string
	if tmp.IsRoot {
		dst = tmp.Dst
	} else {
		dst = nestPath(j.StagingRoot, tmp.Dst)
	}
	if err := mkdirIfNot(dst); err != nil {
		return jailerr.Mountf("mkdir tmpfs dst", err)
	}
	if err := unix.Mount(name, dst, "tmpfs", 0, "mode=0700"); err != nil {
		return jailerr.Mountf(fmt.Sprintf("tmpfs %s", dst), err)
	}
	return nil
}

func protectedExcludes(extra ...string) []string {
	out := append([]string(nil), protectedPaths...)
	return append(out, extra...)
}

// expandBinds walks binds in order, completing each read-only entry
// with its host submounts (so sealing a read-only tree also seals its
// pre-existing submounts) and dropping any previously emitted bind
// whose destination is overlapped by the current one ("later bind
// wins").
func (j *Jail) expandBinds(binds []policy.BindMount, excludes []string) ([]policy.BindMount, error) {
	hostMounts, err := parseMountinfo("/proc/self/mountinfo")
	if err != nil {
		return nil, jailerr.Mountf("enumerate host mounts", err)
	}
	var submounts []mountinfoEntry
	for _, m := range hostMounts {
		if isUnderAny(m.mountPoint, excludes) {
			continue
		}
		submounts = append(submounts, m)
	}
	sort.Slice(submounts, func(i, k int) bool { return submounts[i].mountPoint < submounts[k].mountPoint })

	var all []policy.BindMount
	for _, bind := range binds {
		var subBinds []policy.BindMount
		if bind.Writable {
			subBinds = []policy.BindMount{bind}
		} else {
			subBinds = append(subBinds, bind)
			for _, m := range submounts {
				if strings.HasPrefix(m.mountPoint, bind.Src+"/") && m.mountPoint != bind.Src {
					rel, err := filepath.Rel(bind.Src, m.mountPoint)
					if err != nil {
						return nil, jailerr.Mountf("relative submount path", err)
					}
					nb := policy.NewBindMount(m.mountPoint, nestPath(bind.Dst, rel)).
						WithWritable(bind.Writable).WithFromParent(bind.FromParent)
					subBinds = append(subBinds, nb)
				}
			}
		}

		var kept []policy.BindMount
		for _, cur := range all {
			if !strings.HasPrefix(cur.Dst, bind.Dst+"/") && cur.Dst != bind.Dst {
				kept = append(kept, cur)
			}
		}
		all = append(kept, subBinds...)
	}
	return all, nil
}

// ImportBind applies a single bind mount atomically via a stage-then-
// MOVE protocol: build the full expanded plan in a scratch directory,
// and only if every step succeeds, MS_MOVE it onto bind.Dst. On any
// failure the staging subtree is bind-detached and removed, leaving
// the pre-call mount set unchanged.
func (j *Jail) ImportBind(bind policy.BindMount, createDst bool) error {
	if !filepath.IsAbs(bind.Src) || !filepath.IsAbs(bind.Dst) {
		return jailerr.Permissionf("import bind", fmt.Errorf("bind paths must be absolute: %s -> %s", bind.Src, bind.Dst))
	}
	if bind.FromParent && isUnderAny(bind.Src, protectedPaths) {
		return jailerr.Permissionf("import bind", fmt.Errorf("source %s is under a protected path", bind.Src))
	}
	if isUnderAny(bind.Dst, protectedPaths) {
		return jailerr.Permissionf("import bind", fmt.Errorf("destination %s is under a protected path", bind.Dst))
	}

	// The staging directory is addressed relative to the supervisor's
	// cwd (the workdir tmpfs): the workdir's absolute path is covered
	// by the moved-back fd mount after InitFS step k, so only the cwd
	// still reaches the tmpfs.
	staging := fmt.Sprintf("tmp_%08x", randSuffix())
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return jailerr.Mountf("create staging dir", err)
	}
	rollback := func(cause error) error {
		_ = unix.Unmount(staging, unix.MNT_DETACH)
		_ = os.Remove(staging)
		return cause
	}

	// Submount enumeration matches against absolute mountinfo paths, so
	// a parent-stash source is resolved to its absolute form for the
	// expansion and mapped back to a cwd-relative path when applied.
	resolved := bind
	excludes := []string{j.Workdir}
	if bind.FromParent {
		resolved.Src = filepath.Join(j.Workdir, WorkdirParent, bind.Src)
		excludes = nil
	}

	expanded, err := j.expandBinds([]policy.BindMount{resolved}, excludes)
	if err != nil {
		return rollback(err)
	}

	for _, eb := range expanded {
		rel, err := filepath.Rel(resolved.Dst, eb.Dst)
		if err != nil {
			return rollback(jailerr.Mountf("relative staging path", err))
		}
		local := eb
		local.Dst = filepath.Join(staging, rel)
		if bind.FromParent {
			srcRel, err := filepath.Rel(j.Workdir, eb.Src)
			if err != nil {
				return rollback(jailerr.Mountf("relative stash path", err))
			}
			local.Src = srcRel
		}
		// local.Dst already names the staging subtree, not a path to
		// nest under j.StagingRoot: pass absolute=true.
		if err := j.addBind(local, true); err != nil {
			return rollback(err)
		}
	}

	if createDst {
		if err := mkdirIfNot(bind.Dst); err != nil {
			return rollback(jailerr.Mountf("create transition dst", err))
		}
	}
	if err := unix.Mount(staging, bind.Dst, "", unix.MS_MOVE, ""); err != nil {
		return rollback(jailerr.Mountf(fmt.Sprintf("move mount %s -> %s", staging, bind.Dst), err))
	}
	_ = os.Remove(staging)
	return nil
}

var randState uint32 = 0x9e3779b9

// randSuffix is a tiny non-cryptographic counter used only to name
// staging directories uniquely within one jail; collisions are
// harmless since MkdirAll on an existing empty dir succeeds, but
// uniqueness keeps concurrent transitions from colliding.
func randSuffix() uint32 {
	randState ^= randState << 13
	randState ^= randState >> 17
	randState ^= randState << 5
	return randState
}
