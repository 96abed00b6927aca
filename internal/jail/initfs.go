package jail

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/stemjail/stemjail/internal/jailerr"
	"github.com/stemjail/stemjail/internal/policy"
)

// devNodes are bind-mounted read-write into the jail's /dev.
var devNodes = []string{"null", "zero", "full", "urandom"}

// InitFS performs the strict a-k sequence that assembles the jail's
// private filesystem. It must run inside the already-unshared
// (IPC|NET|NS|PID|USER|UTS) process,
// before the target program is exec'd. ttySlave, if non-empty, names
// an extra /dev entry to bind (the PTY slave side).
//
// Two distinct fdinfo paths are involved and must not be confused:
// j.StagingRoot ("/proc/self/fdinfo") resolves through the inherited
// HOST procfs before any mount changes; the workdir computed in step
// (g) below is resolved AFTER the jail's own procfs is mounted in
// step (e), so "proc/<selfpid>/fdinfo" there refers to this process's
// entry in the *new* procfs.
func (j *Jail) InitFS(ttySlave string) error {
	// The inherited mount tree may carry shared propagation (systemd
	// hosts mark / shared), which both leaks our mounts and makes
	// pivot_root fail. Everything below requires a fully private tree.
	if err := unix.Mount("none", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return jailerr.Mountf("make mount tree private", err)
	}

	// a. staging tmpfs root
	if err := j.addTmpfs(policy.NewTmpfsMount(j.StagingRoot).WithName("root").WithRoot(true)); err != nil {
		return err
	}

	// b. expand + apply the domain's bind plan
	exclude := protectedExcludes(j.StagingRoot)
	allBinds, err := j.expandBinds(j.JDom.Binds, exclude)
	if err != nil {
		return err
	}
	for _, b := range allBinds {
		if err := j.addBind(b, false); err != nil {
			return err
		}
	}

	// c. chdir into the staging root; everything from here on that
	// isn't explicitly absolute is relative to it.
	if err := os.Chdir(j.StagingRoot); err != nil {
		return jailerr.Mountf("chdir staging root", err)
	}

	// d. declared tmpfs mounts
	for _, t := range j.Tmps {
		if err := j.addTmpfs(t); err != nil {
			return err
		}
	}

	// e. fresh procfs
	procDst := filepath.Join(j.StagingRoot, "proc")
	if err := mkdirIfNot(procDst); err != nil {
		return jailerr.Mountf("mkdir proc", err)
	}
	if err := unix.Mount("proc", procDst, "proc", 0, ""); err != nil {
		return jailerr.Mountf("mount procfs", err)
	}

	// f. populate /dev
	if err := j.initDev("/dev", ttySlave); err != nil {
		return err
	}

	// g. per-process workdir: this process's own entry in the procfs
	// just mounted in (e).
	selfPID := os.Getpid()
	workdirRel := filepath.Join("proc", fmt.Sprintf("%d", selfPID), "fdinfo")
	workdirBkpRel := filepath.Join("proc", fmt.Sprintf("%d", selfPID), "fd")

	bind := policy.NewBindMount(workdirRel, workdirBkpRel).WithWritable(true)
	if err := j.addBind(bind, false); err != nil {
		return err
	}
	j.Workdir = filepath.Join("/", workdirRel)

	// h. monitor tmpfs at the workdir, with a parent/ stash inside it
	if err := j.addTmpfs(policy.NewTmpfsMount(workdirRel).WithName("monitor")); err != nil {
		return err
	}
	parentDir := filepath.Join(j.StagingRoot, workdirRel, WorkdirParent)
	if err := os.Mkdir(parentDir, 0o700); err != nil {
		return jailerr.Mountf("mkdir parent stash", err)
	}

	// i. pivot: staging root becomes /, old root is stashed under
	// workdir/parent
	workdirAbsOld := filepath.Join(j.StagingRoot, workdirRel)
	if err := unix.PivotRoot(j.StagingRoot, filepath.Join(workdirAbsOld, WorkdirParent)); err != nil {
		return jailerr.Mountf("pivot_root", err)
	}

	// j. chdir to the (now top-level) workdir
	if err := os.Chdir(j.Workdir); err != nil {
		return jailerr.Mountf("chdir workdir", err)
	}

	// k. hide the workdir: move the saved fd dir back over it
	bkpAbs := filepath.Join("/", workdirBkpRel)
	if err := unix.Mount(bkpAbs, j.Workdir, "", unix.MS_MOVE, ""); err != nil {
		return jailerr.Mountf("hide workdir", err)
	}
	return nil
}

// initDev populates the jail's /dev: null/zero/full/urandom bound RW,
// the PTY slave if any, fd/random symlinks, a /dev/shm tmpfs, and
// finally seals the whole tree read-only.
func (j *Jail) initDev(devdir, ttySlave string) error {
	devdirFull := nestPath(j.StagingRoot, devdir)
	if err := mkdirIfNot(devdirFull); err != nil {
		return jailerr.Mountf("mkdir /dev", err)
	}
	if err := j.addTmpfs(policy.NewTmpfsMount(devdir).WithName("dev")); err != nil {
		return err
	}

	for _, dev := range devNodes {
		src := filepath.Join(devdir, dev)
		b := policy.NewBindMount(src, src).WithWritable(true)
		if err := j.addBind(b, false); err != nil {
			return err
		}
	}
	if ttySlave != "" {
		b := policy.NewBindMount(ttySlave, ttySlave).WithWritable(true)
		if err := j.addBind(b, false); err != nil {
			return err
		}
	}

	if err := os.Symlink("/proc/self/fd", filepath.Join(devdirFull, "fd")); err != nil {
		return jailerr.Mountf("symlink /dev/fd", err)
	}
	if err := os.Symlink("urandom", filepath.Join(devdirFull, "random")); err != nil {
		return jailerr.Mountf("symlink /dev/random", err)
	}

	if err := j.addTmpfs(policy.NewTmpfsMount(filepath.Join(devdir, "shm")).WithName("shm")); err != nil {
		return err
	}

	if !j.Unconfined {
		if err := unix.Mount("none", devdirFull, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return jailerr.Mountf("seal /dev", err)
		}
	}
	return nil
}
