// Package assemble builds the layered context block handed to the language
// model at the start of a turn: identity and state from the host, summaries
// and knowledge from the engine, recent conversation from the event log —
// each section under its own token allowance, the whole block under a total.
package assemble

// charsPerToken is the estimation ratio shared with the summary tree.
const charsPerToken = 4

// Budget allocates the context window across sections, in tokens. The zero
// value selects all defaults.
type Budget struct {
	// Total caps the assembled block. Sections exceeding it in sum are
	// scaled down proportionally.
	Total int

	// Identity is the allowance for the host-provided persona text.
	Identity int

	// State is the allowance for the host-provided situational text.
	State int

	// Room is the allowance for the session's summary digest.
	Room int

	// Entities is the allowance for entity digests.
	Entities int

	// Preferences is the allowance for the preferences digest.
	Preferences int

	// Learnings is the allowance for individual learnings.
	Learnings int

	// Recent is the allowance for the session's latest events.
	Recent int

	// Knowledge reserves room for the global overview in the proportional
	// split; at assembly time the section absorbs whatever headroom the
	// earlier sections left under Total.
	Knowledge int
}

// DefaultBudget returns the standard 2000-token split.
func DefaultBudget() Budget {
	return Budget{
		Total:       2000,
		Identity:    150,
		State:       150,
		Room:        300,
		Entities:    400,
		Preferences: 200,
		Learnings:   200,
		Recent:      500,
		Knowledge:   100,
	}
}

// Validate fills defaults and reconciles the section allowances with the
// total: when sections sum past Total they shrink proportionally. It never
// fails — a nonsensical budget becomes a small valid one — and it is
// idempotent, so validating an already-valid budget changes nothing.
func (b *Budget) Validate() {
	def := DefaultBudget()
	if b.Total <= 0 {
		b.Total = def.Total
	}
	fields := []*int{
		&b.Identity, &b.State, &b.Room, &b.Entities,
		&b.Preferences, &b.Learnings, &b.Recent, &b.Knowledge,
	}
	defaults := []int{
		def.Identity, def.State, def.Room, def.Entities,
		def.Preferences, def.Learnings, def.Recent, def.Knowledge,
	}

	sum := 0
	for _, f := range fields {
		if *f < 0 {
			*f = 0
		}
		sum += *f
	}
	if sum == 0 {
		for i, f := range fields {
			*f = defaults[i]
			sum += *f
		}
	}
	if sum > b.Total {
		// Integer scaling rounds down, so the reconciled sum is <= Total
		// and a second Validate is a no-op.
		for _, f := range fields {
			*f = *f * b.Total / sum
		}
	}
}

// tokens estimates the token count of a string.
func tokens(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}
