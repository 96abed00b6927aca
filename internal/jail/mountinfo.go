package jail

import (
	"bufio"
	"os"
	"strings"
)

// mountinfoEntry is the subset of a /proc/self/mountinfo line needed
// by expand_binds: the mount point and its per-mount options. See
// proc(5) for the full format; fields before the "-" separator are
// positional; after it, only the super options (third field) are kept.
type mountinfoEntry struct {
	mountPoint string
	options    []string
}

// parseMountinfo enumerates the host's mount tree by reading
// /proc/self/mountinfo directly, rather than shelling out to `mount`
// or `findmnt`.
func parseMountinfo(path string) ([]mountinfoEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []mountinfoEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 7 {
			continue
		}
		mountPoint := fields[4]
		var superOpts, fsOpts []string
		sepIdx := -1
		for i, f := range fields {
			if f == "-" {
				sepIdx = i
				break
			}
		}
		if sepIdx < 0 || sepIdx+3 >= len(fields) {
			continue
		}
		superOpts = strings.Split(fields[5], ",")
		fsOpts = strings.Split(fields[sepIdx+3], ",")
		out = append(out, mountinfoEntry{
			mountPoint: mountPoint,
			options:    append(superOpts, fsOpts...),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
