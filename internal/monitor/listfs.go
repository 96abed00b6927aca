package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stemjail/stemjail/internal/jail"
	"github.com/stemjail/stemjail/internal/jailerr"
)

// listDir enumerates a directory's immediate entries for the
// ListRequest FSM: a cooperating program asking the monitor to
// enumerate a parent-side directory as seen through the parent stash,
// since the live bind for it may not be imported yet. path must be
// absolute and must not reach under /proc. The stash is reached
// relative to the supervisor's cwd (the workdir tmpfs), which stays
// the only route to it once InitFS has covered the workdir path.
func listDir(path string) ([]string, error) {
	if !filepath.IsAbs(path) {
		return nil, jailerr.Permissionf("list dir", fmt.Errorf("path not absolute"))
	}
	if path == "/proc" || strings.HasPrefix(path, "/proc/") {
		return nil, jailerr.Permissionf("list dir", fmt.Errorf("access denied"))
	}

	stashed := filepath.Join(jail.WorkdirParent, path)
	entries, err := os.ReadDir(stashed)
	if err != nil {
		return nil, jailerr.IOf("list dir", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
