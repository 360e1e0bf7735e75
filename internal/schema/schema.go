// Package schema holds the static instrument definitions: domains,
// question keys, answer alphabets, decision-table rows, preliminary
// fields and active-domain rules. It is the single source of truth
// consumed by the scorer, the comparison engine, the reconciler, the
// export transform and the API, all of which enumerate exactly the
// question sets defined here.
package schema

import (
	"sort"

	"github.com/ashita-ai/hyoka/internal/model"
)

// FieldKind is the value kind of a preliminary-section field. It selects
// both the editing widget and the equality rule used in comparison.
type FieldKind string

const (
	FieldText   FieldKind = "text"   // free text, string equality
	FieldChoice FieldKind = "choice" // one code from Choices, string equality
	FieldList   FieldKind = "list"   // ordered strings, order-sensitive equality
	FieldMulti  FieldKind = "multi"  // boolean map over Options, set equality
)

// FieldSpec describes one preliminary-section field.
type FieldSpec struct {
	Key     string       `json:"key"`
	Label   string       `json:"label"`
	Kind    FieldKind    `json:"kind"`
	Choices []model.Code `json:"choices,omitempty"`
	Options []string     `json:"options,omitempty"`
}

// QuestionSpec describes one signalling question: its key within the
// domain, display text, and the legal answer alphabet before
// normalization.
type QuestionSpec struct {
	Key   string       `json:"key"`
	Text  string       `json:"text"`
	Codes []model.Code `json:"codes"`
}

// Allows reports whether code is in the question's declared alphabet.
func (q *QuestionSpec) Allows(code model.Code) bool {
	for _, c := range q.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// Condition is one test of a decision-table row: the named question's
// normalized answer must be a member of AnyOf.
type Condition struct {
	Question string       `json:"question"`
	AnyOf    []model.Code `json:"any_of"`
}

// Rule is one row of a decision table: a conjunction of conditions in
// live-path order and the judgement reached when all of them hold. Rows
// are ordered as a depth-first flattening of the published decision tree,
// so rows sharing a condition prefix are adjacent and first-match-wins
// evaluation reproduces the tree exactly.
type Rule struct {
	ID        string          `json:"id"`
	When      []Condition     `json:"when"`
	Judgement model.Judgement `json:"judgement"`
}

// TallySpec describes a tally-scored domain: instead of a tree, count how
// many of Questions received an affirmative answer.
type TallySpec struct {
	Questions []string `json:"questions"`

	// Rule ids reported for the four tally bands.
	RuleLow      string `json:"rule_low"`      // 0 affirmative, 0 no-information
	RuleModerate string `json:"rule_moderate"` // 0 affirmative, some but not all no-information
	RuleSerious  string `json:"rule_serious"`  // 1 affirmative, or 0 affirmative all no-information
	RuleCritical string `json:"rule_critical"` // 2+ affirmative
}

// Correction is an upgrade-only adjustment applied after a parts domain's
// worst-rank combination: when the named question's answer is in Trigger,
// the combined judgement is raised to at least Floor. Corrections never
// lower a judgement.
type Correction struct {
	Question string          `json:"question"`
	Trigger  []model.Code    `json:"trigger"`
	Floor    model.Judgement `json:"floor"`
	RuleID   string          `json:"rule_id"`
}

// PartsSpec describes a domain split into two independently scored
// sub-parts combined by worst rank, then adjusted by corrections.
type PartsSpec struct {
	PartA       []Rule       `json:"part_a"`
	PartB       []Rule       `json:"part_b"`
	Corrections []Correction `json:"corrections"`
}

// ItemSpec scores a single-question domain: each normalized answer code
// maps directly to a judgement. The Escalate code is raised to
// EscalateTo when the item counts as critical, per the answer-level flag
// when one was recorded and the domain default otherwise. Rule ids are
// derived by the scorer from the domain key and the matched code.
type ItemSpec struct {
	Question string                         `json:"question"`
	Outcomes map[model.Code]model.Judgement `json:"outcomes"`

	Escalate   model.Code      `json:"escalate"`
	EscalateTo model.Judgement `json:"escalate_to"`
}

// DomainSpec describes one bias domain. Exactly one of Rules, Tally,
// Parts or Item is populated.
type DomainSpec struct {
	Key       string         `json:"key"`
	Title     string         `json:"title"`
	Questions []QuestionSpec `json:"questions"`

	// Modes this domain is active in; empty means active in every mode.
	Modes []model.Code `json:"modes,omitempty"`

	// HasDirection marks domains that carry a bias-direction annotation.
	HasDirection bool `json:"has_direction,omitempty"`

	// Critical marks domains the instrument grades as critical by
	// default (AMSTAR2-style); reviewers may override per answer.
	Critical bool `json:"critical,omitempty"`

	Rules []Rule     `json:"rules,omitempty"`
	Tally *TallySpec `json:"tally,omitempty"`
	Parts *PartsSpec `json:"parts,omitempty"`
	Item  *ItemSpec  `json:"item,omitempty"`
}

// Question returns the named question spec, or nil.
func (d *DomainSpec) Question(key string) *QuestionSpec {
	for i := range d.Questions {
		if d.Questions[i].Key == key {
			return &d.Questions[i]
		}
	}
	return nil
}

// ActiveIn reports whether the domain participates under the given mode.
func (d *DomainSpec) ActiveIn(mode model.Code) bool {
	if len(d.Modes) == 0 {
		return true
	}
	for _, m := range d.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// GateSpec is the instrument's early-stop gate: answers to Field that
// force an overall outcome before any domain is consulted.
type GateSpec struct {
	Field    string                           `json:"field"`
	Outcomes map[model.Code]model.GateOutcome `json:"outcomes"`
}

// Instrument is one complete checklist definition.
type Instrument struct {
	Key   string `json:"key"`
	Title string `json:"title"`

	// ModeField names the preliminary choice field whose value selects
	// the active domain set; empty for single-mode instruments.
	ModeField   string       `json:"mode_field,omitempty"`
	Modes       []model.Code `json:"modes,omitempty"`
	DefaultMode model.Code   `json:"default_mode,omitempty"`

	Preliminary []FieldSpec  `json:"preliminary"`
	Domains     []DomainSpec `json:"domains"`
	Gate        *GateSpec    `json:"gate,omitempty"`

	// CompareCritical includes the per-question critical flag in
	// question agreement during comparison.
	CompareCritical bool `json:"compare_critical,omitempty"`

	// HasOverallDirection adds the checklist-level direction slot.
	HasOverallDirection bool `json:"has_overall_direction,omitempty"`
}

// Domain returns the named domain spec, or nil.
func (in *Instrument) Domain(key string) *DomainSpec {
	for i := range in.Domains {
		if in.Domains[i].Key == key {
			return &in.Domains[i]
		}
	}
	return nil
}

// Field returns the named preliminary field spec, or nil.
func (in *Instrument) Field(key string) *FieldSpec {
	for i := range in.Preliminary {
		if in.Preliminary[i].Key == key {
			return &in.Preliminary[i]
		}
	}
	return nil
}

// Mode resolves the checklist's mode flag from its preliminary section,
// falling back to the instrument default when unset or unknown. Returns
// the empty code for single-mode instruments.
func (in *Instrument) Mode(c *model.Checklist) model.Code {
	if in.ModeField == "" {
		return ""
	}
	if c != nil {
		if v, ok := c.Preliminary[in.ModeField]; ok && v.Choice != nil {
			for _, m := range in.Modes {
				if m == *v.Choice {
					return m
				}
			}
		}
	}
	return in.DefaultMode
}

// ActiveDomains returns the domains active under the given mode, in
// definition order.
func (in *Instrument) ActiveDomains(mode model.Code) []DomainSpec {
	out := make([]DomainSpec, 0, len(in.Domains))
	for _, d := range in.Domains {
		if d.ActiveIn(mode) {
			out = append(out, d)
		}
	}
	return out
}

var registry = map[string]*Instrument{
	robins.Key:  robins,
	amstar2.Key: amstar2,
}

// Get returns the instrument registered under key.
func Get(key string) (*Instrument, bool) {
	in, ok := registry[key]
	return in, ok
}

// Keys returns all registered instrument keys, sorted.
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
