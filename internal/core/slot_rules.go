package core

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SlotPredicate describes one undesired class slot: a weekday and an exact start time.
type SlotPredicate struct {
	Weekday     string `yaml:"weekday"`
	Start       string `yaml:"start"`
	Description string `yaml:"description"`

	start ClockTime
}

// DefaultSlotDescription is used for predicates without a description.
const DefaultSlotDescription = "Aula em horário indesejado"

// DefaultSlotPredicates flags Saturday classes starting at 08:00:00.
func DefaultSlotPredicates() []SlotPredicate {
	return []SlotPredicate{{
		Weekday:     "Sábado",
		Start:       "08:00:00",
		Description: "Aula às 8h00 da manhã no sábado",
		start:       NewClockTime(8, 0, 0),
	}}
}

// Matches reports whether the entry falls on the predicate's weekday and start time.
// The weekday matches the full name or the abbreviation, ignoring case and accents.
func (p SlotPredicate) Matches(e EntryFacts) bool {
	if e.Start != p.start {
		return false
	}
	want := FoldKey(p.Weekday)
	return want != "" && (FoldKey(e.WeekdayName) == want || FoldKey(e.WeekdayAbbr) == want)
}

type slotRuleFile struct {
	UnwantedSlots []SlotPredicate `yaml:"unwanted_slots"`
}

// LoadSlotPredicates reads predicates from a YAML file:
//
//	unwanted_slots:
//	  - weekday: Sábado
//	    start: "08:00:00"
//	    description: Aula às 8h00 da manhã no sábado
//
// An empty path returns DefaultSlotPredicates.
func LoadSlotPredicates(path string) ([]SlotPredicate, error) {
	if path == "" {
		return DefaultSlotPredicates(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read slot rules: %w", err)
	}
	return ParseSlotPredicates(data)
}

// ParseSlotPredicates decodes and validates a slot rule document.
func ParseSlotPredicates(data []byte) ([]SlotPredicate, error) {
	var doc slotRuleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse slot rules: %w", err)
	}

	var errs []error
	preds := make([]SlotPredicate, 0, len(doc.UnwantedSlots))
	for i, p := range doc.UnwantedSlots {
		p.Weekday = strings.TrimSpace(p.Weekday)
		if p.Weekday == "" {
			errs = append(errs, fmt.Errorf("unwanted_slots[%d]: weekday is required", i))
			continue
		}
		start, err := ParseClockTime(p.Start)
		if err != nil {
			errs = append(errs, fmt.Errorf("unwanted_slots[%d]: %w", i, err))
			continue
		}
		p.start = start
		if strings.TrimSpace(p.Description) == "" {
			p.Description = DefaultSlotDescription
		}
		preds = append(preds, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return preds, nil
}

// UnwantedSlotRule flags entries matching any of the predicates. An entry
// matching several predicates yields one finding described by the first.
func UnwantedSlotRule(preds []SlotPredicate) Rule {
	first := func(e EntryFacts) (SlotPredicate, bool) {
		for _, p := range preds {
			if p.Matches(e) {
				return p, true
			}
		}
		return SlotPredicate{}, false
	}
	return PredicateRule{
		RuleName: "unwanted_slot",
		Type:     IssueUnwantedSlot,
		Match: func(e EntryFacts) bool {
			_, ok := first(e)
			return ok
		},
		Describe: func(e EntryFacts) string {
			p, _ := first(e)
			return p.Description
		},
	}
}
