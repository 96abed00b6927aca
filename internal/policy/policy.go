// Package policy implements the data model consulted by the domain
// manager: file accesses, the bind-mount realization of a domain, and
// an in-memory lattice oracle. The manager only talks to the lattice
// through the Oracle interface; this package supplies the one
// implementation used by the portal.
package policy

import (
	"fmt"
	"sort"
	"strings"
)

// FileAccess is a single (path, write) grant. Values are compared
// structurally; two FileAccess values with the same Path and Write are
// interchangeable for ACL membership purposes.
type FileAccess struct {
	Path  string
	Write bool
}

func (f FileAccess) String() string {
	if f.Write {
		return f.Path + " (rw)"
	}
	return f.Path + " (ro)"
}

// covers reports whether f grants at least as much as want (same path,
// and f is writable if want requires write).
func (f FileAccess) covers(want FileAccess) bool {
	return f.Path == want.Path && (f.Write || !want.Write)
}

// BindMount is the mount-engine's unit of work: graft src onto dst,
// sealed read-only unless Writable. FromParent marks a bind whose Src
// is resolved against the jail's parent stash rather than the host
// root directly (used during live domain transitions).
type BindMount struct {
	Src        string
	Dst        string
	Writable   bool
	FromParent bool
}

func NewBindMount(src, dst string) BindMount {
	return BindMount{Src: src, Dst: dst}
}

func (b BindMount) WithWritable(w bool) BindMount {
	b.Writable = w
	return b
}

func (b BindMount) WithFromParent(p bool) BindMount {
	b.FromParent = p
	return b
}

func (b BindMount) Equal(o BindMount) bool {
	return b.Src == o.Src && b.Dst == o.Dst && b.Writable == o.Writable && b.FromParent == o.FromParent
}

// TmpfsMount describes a tmpfs to create inside the jail (or, when
// IsRoot, the staging root on the host side).
type TmpfsMount struct {
	Name   string
	Dst    string
	IsRoot bool
}

func NewTmpfsMount(dst string) TmpfsMount { return TmpfsMount{Dst: dst} }

func (t TmpfsMount) WithName(n string) TmpfsMount {
	t.Name = n
	return t
}

func (t TmpfsMount) WithRoot(r bool) TmpfsMount {
	t.IsRoot = r
	return t
}

// Domain is a node in the ACL lattice. Two domains are the same domain
// iff they are the same *Domain value (pointer identity) -- the oracle
// hands out stable pointers, it never clones a domain to compare.
type Domain struct {
	Name  string
	acl   []FileAccess
	binds []BindMount
}

func (d *Domain) ACL() []FileAccess {
	out := make([]FileAccess, len(d.acl))
	copy(out, d.acl)
	return out
}

func (d *Domain) Binds() []BindMount {
	out := make([]BindMount, len(d.binds))
	copy(out, d.binds)
	return out
}

// covers reports whether every entry in want is covered by d's ACL.
func (d *Domain) covers(want []FileAccess) bool {
	for _, w := range want {
		ok := false
		for _, have := range d.acl {
			if have.covers(w) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// JailDom is the concrete (Domain, ordered bind list) pair the
// supervisor realizes. Binds is the mount-realization plan for Dom.
type JailDom struct {
	Binds []BindMount
	Dom   *Domain
}

// bindsFromACL merges matching read/write ACL entries into a single
// BindMount per path, writable when a write entry exists for that
// path: each read entry is looked up against the write entries by
// path.
func bindsFromACL(acl []FileAccess) []BindMount {
	writable := map[string]bool{}
	var order []string
	seen := map[string]bool{}
	for _, a := range acl {
		if a.Write {
			writable[a.Path] = true
		}
	}
	for _, a := range acl {
		if seen[a.Path] {
			continue
		}
		seen[a.Path] = true
		order = append(order, a.Path)
	}
	binds := make([]BindMount, 0, len(order))
	for _, p := range order {
		binds = append(binds, NewBindMount(p, p).WithWritable(writable[p]))
	}
	return binds
}

// Oracle is the policy lattice consulted by the domain manager. It is
// a pure function over an in-memory graph: reachability queries never
// mutate state visible to callers.
type Oracle interface {
	// Profile returns the pre-built JailDom for a named profile.
	Profile(name string) (JailDom, bool)
	// Profiles lists the known profile names, in load order.
	Profiles() []string
	// MinimalDomain returns the least-privileged domain whose ACL
	// covers want, or false if none exists.
	MinimalDomain(want []FileAccess) (*Domain, bool)
	// Reachable returns the domain reached by adding addedACL on top
	// of from's ACL, or false if no domain in the lattice covers the
	// union. Monotone: the result's ACL is a superset of from's ACL
	// union addedACL.
	Reachable(from *Domain, addedACL []FileAccess) (*Domain, bool)
}

// Lattice is the in-memory Oracle implementation. Domains are ordered
// by ACL size ascending so MinimalDomain/Reachable prefer the smallest
// covering (least-privileged) domain.
type Lattice struct {
	domains     []*Domain
	profiles    map[string]*ProfileConfig
	profileDoms map[string]*Domain
	order       []string
}

func NewLattice() *Lattice {
	return &Lattice{profiles: map[string]*ProfileConfig{}}
}

// AddDomain registers a domain built from an ACL; binds are derived
// via bindsFromACL unless explicitBinds is non-nil.
func (l *Lattice) AddDomain(name string, acl []FileAccess, explicitBinds []BindMount) *Domain {
	d := &Domain{Name: name, acl: append([]FileAccess(nil), acl...)}
	if explicitBinds != nil {
		d.binds = explicitBinds
	} else {
		d.binds = bindsFromACL(acl)
	}
	l.domains = append(l.domains, d)
	sort.SliceStable(l.domains, func(i, j int) bool {
		return len(l.domains[i].acl) < len(l.domains[j].acl)
	})
	return d
}

// AddProfile registers a named profile backed by a freshly created
// domain over its filesystem ACL.
func (l *Lattice) AddProfile(cfg ProfileConfig) {
	acl := cfg.FS.accesses()
	binds := bindsFromACL(acl)
	dom := l.AddDomain(cfg.Name, acl, binds)
	pc := cfg
	l.profiles[cfg.Name] = &pc
	l.order = append(l.order, cfg.Name)
	if l.profileDoms == nil {
		l.profileDoms = map[string]*Domain{}
	}
	l.profileDoms[cfg.Name] = dom
}

func (l *Lattice) Profile(name string) (JailDom, bool) {
	dom, ok := l.profileDoms[name]
	if !ok {
		return JailDom{}, false
	}
	return JailDom{Binds: dom.Binds(), Dom: dom}, true
}

// ProfileCmd returns the argv template declared by a profile's
// run.cmd, used by the manager to fall back to it when a run request
// names a profile without an explicit command.
func (l *Lattice) ProfileCmd(name string) ([]string, bool) {
	cfg, ok := l.profiles[name]
	if !ok || len(cfg.Run.Cmd) == 0 {
		return nil, false
	}
	return append([]string(nil), cfg.Run.Cmd...), true
}

func (l *Lattice) Profiles() []string {
	out := append([]string(nil), l.order...)
	return out
}

func (l *Lattice) MinimalDomain(want []FileAccess) (*Domain, bool) {
	for _, d := range l.domains {
		if d.covers(want) {
			return d, true
		}
	}
	return nil, false
}

func (l *Lattice) Reachable(from *Domain, addedACL []FileAccess) (*Domain, bool) {
	want := unionACL(from.ACL(), addedACL)
	return l.MinimalDomain(want)
}

// GetDot renders the lattice as a Graphviz-compatible textual graph.
// An empty lattice renders an empty-but-valid graph, available before
// any domain has been touched.
func (l *Lattice) GetDot() string {
	var b strings.Builder
	b.WriteString("digraph stemjail {\n")
	for _, d := range l.domains {
		fmt.Fprintf(&b, "  %q [label=%q];\n", d.Name, fmt.Sprintf("%s\\n%d accesses", d.Name, len(d.acl)))
	}
	for i, d := range l.domains {
		for j, other := range l.domains {
			if i == j || other == d {
				continue
			}
			if other.covers(d.acl) && len(other.acl) > len(d.acl) {
				fmt.Fprintf(&b, "  %q -> %q;\n", d.Name, other.Name)
			}
		}
	}
	b.WriteString("}\n")
	return b.String()
}

// DomainSnapshot is the JSON-serializable projection of a Domain, used
// to carry a lattice across the self-reexec process boundary: Domain
// itself is not serializable (its ACL/binds fields are unexported by
// design, so pointer identity inside one process stays the only way to
// compare domains there).
type DomainSnapshot struct {
	Name  string
	ACL   []FileAccess
	Binds []BindMount
}

// LatticeSnapshot is everything a supervisor process needs to
// reconstruct a local Oracle after Spawn hands it off via an
// environment variable. CurrentName identifies which reconstructed
// domain corresponds to the JailDom the supervisor is about to realize.
type LatticeSnapshot struct {
	Domains     []DomainSnapshot
	CurrentName string
}

// Snapshot exports l's domains for cross-process reconstruction.
func (l *Lattice) Snapshot(currentName string) LatticeSnapshot {
	out := LatticeSnapshot{CurrentName: currentName}
	for _, d := range l.domains {
		out.Domains = append(out.Domains, DomainSnapshot{Name: d.Name, ACL: d.ACL(), Binds: d.Binds()})
	}
	return out
}

// RestoreLattice rebuilds a Lattice from a snapshot and returns the
// domain matching snap.CurrentName (by name, since pointer identity
// does not survive serialization).
func RestoreLattice(snap LatticeSnapshot) (*Lattice, *Domain, bool) {
	l := NewLattice()
	var current *Domain
	for _, ds := range snap.Domains {
		d := l.AddDomain(ds.Name, ds.ACL, ds.Binds)
		if ds.Name == snap.CurrentName {
			current = d
		}
	}
	return l, current, current != nil
}

func unionACL(a, b []FileAccess) []FileAccess {
	type key struct {
		path  string
		write bool
	}
	seen := map[key]bool{}
	var out []FileAccess
	add := func(fa FileAccess) {
		k := key{fa.Path, fa.Write}
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, fa)
	}
	for _, fa := range a {
		add(fa)
	}
	for _, fa := range b {
		add(fa)
	}
	return out
}
