// Package rules gates behavior changes of the matching machinery behind
// named revisions. A Schedule maps each revision to its activation time;
// the engine snapshots one Ruleset per applied operation and threads it
// through every decision, so a replay across activation boundaries stays
// deterministic.
package rules

import (
	"time"
)

// Revision names one protocol behavior change. The set is totally ordered
// by activation history; later revisions assume the earlier ones.
type Revision uint8

const (
	// R338 fills margin calls at the squeeze price instead of the limit
	// order's own price, and settles swans at min(feed, least collateral).
	R338 Revision = iota
	// R343 selects margin calls by live collateralization rather than the
	// stored legacy call price.
	R343
	// R453 lets one margin call pass continue across multiple resting
	// limit orders.
	R453
	// R606 removes the blocked-market condition where a single low-priced
	// resting order froze all margin calls behind it.
	R606
	// R615 tightens fill rounding so makers are never underpaid.
	R615
	// R625 interleaves margin calls into taker matching between
	// better-priced and worse-priced resting limits.
	R625
	// R649 checks for black swans directly on the feed-publish path.
	R649
	// R834 keeps squeeze-priced fills from overpaying when the resting
	// order asks less than the squeeze price.
	R834
	// R1270 detects margin calls from the live maintenance
	// collateralization instead of the stored call price, so MCR changes
	// take effect without touching each position.
	R1270
	// RBSIP74 introduces the margin call fee ratio.
	RBSIP74
	// R2481 funds global settlement at the least-collateralized rate net
	// of the squeeze premium, settles force settles instantly against
	// called positions, and ignores resting limits in swan detection.
	R2481

	revisionCount
)

var revisionNames = [...]string{
	R338:    "core-338",
	R343:    "core-343",
	R453:    "core-453",
	R606:    "core-606",
	R615:    "core-615",
	R625:    "core-625",
	R649:    "core-649",
	R834:    "core-834",
	R1270:   "core-1270",
	RBSIP74: "bsip-74",
	R2481:   "core-2481",
}

func (r Revision) String() string {
	if int(r) < len(revisionNames) {
		return revisionNames[r]
	}
	return "unknown"
}

// Revisions lists all known revisions in activation order.
func Revisions() []Revision {
	out := make([]Revision, 0, revisionCount)
	for r := Revision(0); r < revisionCount; r++ {
		out = append(out, r)
	}
	return out
}

// Never is the sentinel activation time for revisions that stay off.
var Never = time.Unix(1<<62-1, 0).UTC()

// Schedule maps revisions to activation times. A missing entry or the zero
// time means active from genesis.
type Schedule map[Revision]time.Time

// At snapshots which revisions are active at the given chain time.
func (s Schedule) At(now time.Time) Ruleset {
	var rs Ruleset
	for r := Revision(0); r < revisionCount; r++ {
		at, ok := s[r]
		if !ok || at.IsZero() || !at.After(now) {
			rs.active |= 1 << r
		}
	}
	return rs
}

// Ruleset is an immutable activation snapshot.
type Ruleset struct {
	active uint16
}

// Has reports whether the revision is active in this snapshot.
func (rs Ruleset) Has(r Revision) bool {
	return rs.active&(1<<r) != 0
}

// AllActive returns a snapshot with every revision on.
func AllActive() Ruleset {
	return Schedule{}.At(time.Time{})
}

// NoneActive returns a snapshot with every revision off.
func NoneActive() Ruleset {
	var rs Ruleset
	return rs
}

// UpTo returns a snapshot with every revision at or before r active. Test
// helper for replaying historical eras.
func UpTo(r Revision) Ruleset {
	var rs Ruleset
	for i := Revision(0); i <= r && i < revisionCount; i++ {
		rs.active |= 1 << i
	}
	return rs
}

// Activating builds a schedule that turns the given revisions on at the
// given time and everything else on from genesis.
func Activating(at time.Time, revs ...Revision) Schedule {
	s := Schedule{}
	for _, r := range revs {
		s[r] = at
	}
	return s
}
