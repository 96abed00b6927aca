package jail

import (
	"log/slog"

	"github.com/stemjail/stemjail/internal/jailerr"
	"github.com/stemjail/stemjail/internal/policy"
)

// GainAccess implements the live domain transition: moving the jail
// from its current domain to the minimal domain reachable by adding
// addedACL, realizing only the newly required binds. It must be
// called with external serialization since it mutates j.JDom.
func (j *Jail) GainAccess(oracle policy.Oracle, addedACL []policy.FileAccess) error {
	newDom, ok := oracle.Reachable(j.JDom.Dom, addedACL)
	if !ok {
		slog.Debug("no domain reachable", "jail", j.Name)
		return jailerr.Policyf("gain access", nil)
	}
	if newDom == j.JDom.Dom {
		slog.Debug("current domain already allows this access", "jail", j.Name)
		return nil
	}

	prev := j.JDom
	newBinds := diffBinds(newDom.Binds(), prev.Binds)

	applied := make([]policy.BindMount, 0, len(newBinds))
	for _, b := range newBinds {
		b.FromParent = true
		if err := j.ImportBind(b, true); err != nil {
			// ImportBind has already torn down its own staging dir.
			// Earlier binds of this transition stay mounted (each is a
			// completed MOVE within newDom's larger grant); the domain
			// field is left unchanged so the caller sees no transition.
			slog.Warn("domain transition aborted", "jail", j.Name, "from", prev.Dom.Name, "to", newDom.Name, "error", err)
			return err
		}
		applied = append(applied, b)
	}

	slog.Debug("domain transition", "jail", j.Name, "from", prev.Dom.Name, "to", newDom.Name)
	j.JDom = policy.JailDom{Dom: newDom, Binds: append(append([]policy.BindMount{}, prev.Binds...), applied...)}
	return nil
}

// diffBinds returns the binds in next that have no structural match in
// current (order-preserving).
func diffBinds(next, current []policy.BindMount) []policy.BindMount {
	var out []policy.BindMount
	for _, n := range next {
		found := false
		for _, c := range current {
			if c.Equal(n) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, n)
		}
	}
	return out
}
