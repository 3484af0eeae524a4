package flower

import (
	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/free5gc/go-tcflower/internal/logger"
)

var verifyOpts = cmp.Options{
	cmpopts.EquateEmpty(),
	cmpopts.IgnoreFields(Flower{}, "Policy", "Stats", "LastUsed", "Offloaded"),
}

// Diff reports how got differs from want, empty when they describe the
// same rule. Keys are compared under their masks.
func Diff(want, got *Flower) string {
	w, g := *want, *got
	w.Key = want.Key.Masked(&want.Mask)
	g.Key = got.Key.Masked(&got.Mask)
	w.Actions = redirectLast(want.Actions)
	g.Actions = redirectLast(got.Actions)
	return cmp.Diff(&w, &g, verifyOpts)
}

// redirectLast drops the continuation of a final output. It goes out as a
// redirect, which carries none.
func redirectLast(actions []Action) []Action {
	n := len(actions)
	if n == 0 {
		return actions
	}
	out, ok := actions[n-1].(*Output)
	if !ok || out.Then.Kind == Next {
		return actions
	}
	o := *out
	o.Then = Continuation{}
	return append(append([]Action(nil), actions[:n-1]...), &o)
}

// Verify compares the rule echoed back by the kernel with the one that was
// requested. A mismatch is logged with both rules and counted; the install
// itself stands.
func (c *Codec) Verify(id RuleID, want, got *Flower) bool {
	diff := Diff(want, got)
	if diff == "" {
		return true
	}
	verifyMismatches.Inc()
	log := c.log.WithField(logger.FieldRule, id.String())
	log.Warnf("installed rule differs from request (-want +got):\n%s", diff)
	log.Debugf("requested:\n%s", spew.Sdump(want))
	log.Debugf("installed:\n%s", spew.Sdump(got))
	return false
}
