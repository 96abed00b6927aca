// Package manager implements the domain manager: the single goroutine
// that serializes all policy-oracle access, so the portal's stateful
// lattice is mutated from exactly one thread. All other goroutines
// talk to it over request/response channels with one-shot response
// channels, never touching the oracle directly.
package manager

import (
	"context"

	"github.com/google/uuid"

	"github.com/stemjail/stemjail/internal/policy"
)

// Description is either a profile Name or a raw Cmd to resolve into a
// domain.
type Description struct {
	Name string
	Cmd  []string
}

// NewDomResult is returned for a NewDom request: Found is false when
// no profile/domain could be resolved.
type NewDomResult struct {
	JDom  policy.JailDom
	Found bool
	// Cmd is the profile's run.cmd argv template, set only when desc
	// resolved a Name and that profile declares one.
	Cmd []string
}

type newDomReq struct {
	desc  Description
	reply chan NewDomResult
}

type getDotReq struct {
	reply chan string
}

type profilesReq struct {
	reply chan []string
}

type snapshotReq struct {
	currentName string
	reply       chan policy.LatticeSnapshot
}

type reloadReq struct {
	oracle policy.Oracle
	done   chan struct{}
}

type reachableReq struct {
	from     *policy.Domain
	addedACL []policy.FileAccess
	reply    chan reachableResult
}

type reachableResult struct {
	dom *policy.Domain
	ok  bool
}

// Manager owns the oracle and processes requests from a single
// goroutine started by Run.
type Manager struct {
	oracle   policy.Oracle
	newDom   chan newDomReq
	getDot   chan getDotReq
	profiles chan profilesReq
	reach    chan reachableReq
	snapshot chan snapshotReq
	reload   chan reloadReq
	id       string
}

func New(oracle policy.Oracle) *Manager {
	return &Manager{
		oracle:   oracle,
		newDom:   make(chan newDomReq),
		getDot:   make(chan getDotReq),
		profiles: make(chan profilesReq),
		reach:    make(chan reachableReq),
		snapshot: make(chan snapshotReq),
		reload:   make(chan reloadReq),
		id:       uuid.NewString(),
	}
}

// Run processes requests until ctx is canceled. Call it from exactly
// one goroutine.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.newDom:
			req.reply <- m.handleNewDom(req.desc)
		case req := <-m.getDot:
			req.reply <- m.handleGetDot()
		case req := <-m.profiles:
			req.reply <- m.oracle.Profiles()
		case req := <-m.reach:
			dom, ok := m.oracle.Reachable(req.from, req.addedACL)
			req.reply <- reachableResult{dom: dom, ok: ok}
		case req := <-m.snapshot:
			req.reply <- m.handleSnapshot(req.currentName)
		case req := <-m.reload:
			m.oracle = req.oracle
			close(req.done)
		}
	}
}

func (m *Manager) handleSnapshot(currentName string) policy.LatticeSnapshot {
	l, ok := m.oracle.(interface {
		Snapshot(string) policy.LatticeSnapshot
	})
	if !ok {
		return policy.LatticeSnapshot{CurrentName: currentName}
	}
	return l.Snapshot(currentName)
}

func (m *Manager) handleNewDom(desc Description) NewDomResult {
	if desc.Name != "" {
		jdom, ok := m.oracle.Profile(desc.Name)
		if !ok {
			return NewDomResult{Found: false}
		}
		result := NewDomResult{JDom: jdom, Found: true}
		if c, ok := m.oracle.(interface {
			ProfileCmd(string) ([]string, bool)
		}); ok {
			if cmd, ok := c.ProfileCmd(desc.Name); ok {
				result.Cmd = cmd
			}
		}
		return result
	}
	if len(desc.Cmd) == 0 {
		return NewDomResult{Found: false}
	}
	want := []policy.FileAccess{{Path: desc.Cmd[0], Write: false}}
	dom, ok := m.oracle.MinimalDomain(want)
	if !ok {
		return NewDomResult{Found: false}
	}
	return NewDomResult{JDom: policy.JailDom{Dom: dom, Binds: dom.Binds()}, Found: true}
}

func (m *Manager) handleGetDot() string {
	l, ok := m.oracle.(interface{ GetDot() string })
	if !ok {
		return ""
	}
	return l.GetDot()
}

// NewDom resolves description to a domain, blocking until the manager
// goroutine replies.
func (m *Manager) NewDom(ctx context.Context, desc Description) (NewDomResult, error) {
	reply := make(chan NewDomResult, 1)
	select {
	case m.newDom <- newDomReq{desc: desc, reply: reply}:
	case <-ctx.Done():
		return NewDomResult{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return NewDomResult{}, ctx.Err()
	}
}

// GetDot renders the current lattice as a Graphviz-compatible graph.
// Available even before any domain has been touched: an empty lattice
// still renders a valid (if trivial) graph.
func (m *Manager) GetDot(ctx context.Context) (string, error) {
	reply := make(chan string, 1)
	select {
	case m.getDot <- getDotReq{reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Profiles lists the known profile names, in load order.
func (m *Manager) Profiles(ctx context.Context) ([]string, error) {
	reply := make(chan []string, 1)
	select {
	case m.profiles <- profilesReq{reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reachable asks the oracle, via the manager goroutine, whether
// addedACL is reachable from from. The supervisor process does not
// call it; it consults the lattice it restored from its snapshot.
func (m *Manager) Reachable(ctx context.Context, from *policy.Domain, addedACL []policy.FileAccess) (*policy.Domain, bool, error) {
	reply := make(chan reachableResult, 1)
	select {
	case m.reach <- reachableReq{from: from, addedACL: addedACL, reply: reply}:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.dom, r.ok, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Snapshot exports the current lattice for a supervisor process to
// reconstruct locally after a self-reexec: Domain pointer identity
// cannot cross a process boundary, so the supervisor rebuilds its own
// Oracle from this snapshot instead of sharing one.
func (m *Manager) Snapshot(ctx context.Context, currentName string) (policy.LatticeSnapshot, error) {
	reply := make(chan policy.LatticeSnapshot, 1)
	select {
	case m.snapshot <- snapshotReq{currentName: currentName, reply: reply}:
	case <-ctx.Done():
		return policy.LatticeSnapshot{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return policy.LatticeSnapshot{}, ctx.Err()
	}
}

// Reload swaps the oracle the manager goroutine consults, e.g. after
// the profile directory changes on disk. It blocks until the manager
// goroutine has applied the swap, so callers observe a strict
// before/after with no torn read.
func (m *Manager) Reload(ctx context.Context, oracle policy.Oracle) error {
	done := make(chan struct{})
	select {
	case m.reload <- reloadReq{oracle: oracle, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID identifies this manager instance in log lines.
func (m *Manager) ID() string { return m.id }
