package core

import "fmt"

// PredicateRule is a Rule built from a predicate and a formatter: every entry
// matching Match yields one finding of Type described by Describe.
type PredicateRule struct {
	RuleName string
	Type     IssueType
	Match    func(EntryFacts) bool
	Describe func(EntryFacts) string
}

// Name implements Rule.
func (r PredicateRule) Name() string { return r.RuleName }

// Evaluate implements Rule.
func (r PredicateRule) Evaluate(entries []EntryFacts) ([]Finding, error) {
	if r.Match == nil || r.Describe == nil {
		return nil, fmt.Errorf("rule %q has no predicate or formatter", r.RuleName)
	}
	var out []Finding
	for _, e := range entries {
		if r.Match(e) {
			out = append(out, Finding{ScheduleID: e.ScheduleID, Type: r.Type, Description: r.Describe(e)})
		}
	}
	return out, nil
}

// OvercrowdingRule flags entries whose shift enrollment exceeds the room capacity.
// Entries without a room, or in a room of unknown capacity, are never flagged.
func OvercrowdingRule() Rule {
	return PredicateRule{
		RuleName: "overcrowding",
		Type:     IssueOvercrowding,
		Match: func(e EntryFacts) bool {
			return e.HasRoom() && e.RoomCapacity.Valid && e.Enrollment > e.RoomCapacity.Int32
		},
		Describe: func(e EntryFacts) string {
			return fmt.Sprintf("Turno com %d alunos excede a capacidade da sala (%d)", e.Enrollment, e.RoomCapacity.Int32)
		},
	}
}

// InadequateRoomDescription is the text of an inadequate-room issue.
const InadequateRoomDescription = "Aula em sala desadequada"

// InadequateRoomRule flags entries with at least one requested feature the
// room does not have. One issue per entry, however many features are missing.
func InadequateRoomRule() Rule {
	return PredicateRule{
		RuleName: "inadequate_room",
		Type:     IssueInadequateRoom,
		Match: func(e EntryFacts) bool {
			return len(e.MissingFeatures()) > 0
		},
		Describe: func(EntryFacts) string {
			return InadequateRoomDescription
		},
	}
}

// DefaultRules returns the built-in rules followed by the unwanted-slot rule
// for the given predicates.
func DefaultRules(slots []SlotPredicate) []Rule {
	return []Rule{
		OvercrowdingRule(),
		InadequateRoomRule(),
		UnwantedSlotRule(slots),
	}
}
