// Package ledger implements the state ledger: a single JSON document tracking
// which rulesets and rules in which organizations carry uncommitted local
// mutations, and what kind. The ledger is the work list consumed by push.
package ledger

import (
	"fmt"

	"github.com/tsctl/tsctl/internal/mirror"
)

// RuleStatus records which side of a rule is dirty.
type RuleStatus string

const (
	RuleModified RuleStatus = "rule"
	TagsModified RuleStatus = "tags"
	BothModified RuleStatus = "both"
	RuleDeleted  RuleStatus = "del"
)

// RulesetStatus records the ruleset-level dirty state. "true" means the
// ruleset JSON itself changed locally (or the ruleset was locally created);
// "false" means untouched but containing dirty rules; "del" means pending
// deletion.
type RulesetStatus string

const (
	RulesetModified   RulesetStatus = "true"
	RulesetUnmodified RulesetStatus = "false"
	RulesetDeleted    RulesetStatus = "del"
)

// InvariantError reports a forbidden ledger transition. These indicate
// programmer error in the calling code, not user error.
type InvariantError struct {
	Op  string
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ledger: %s: %s", e.Op, e.Msg)
}

func invariant(op, format string, args ...any) error {
	return &InvariantError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// RulesetEntry tracks one dirty ruleset and its dirty rules.
type RulesetEntry struct {
	Modified RulesetStatus         `json:"modified"`
	Rules    map[string]RuleStatus `json:"rules"`
}

// Document is the whole ledger. Workspace is the currently selected
// organization, purely a UI hint.
type Document struct {
	Workspace     string                              `json:"workspace"`
	Organizations map[string]map[string]*RulesetEntry `json:"organizations"`
}

// NewDocument returns an empty ledger document.
func NewDocument() *Document {
	return &Document{Organizations: map[string]map[string]*RulesetEntry{}}
}

// normalize repairs nil maps after JSON decoding.
func (d *Document) normalize() {
	if d.Organizations == nil {
		d.Organizations = map[string]map[string]*RulesetEntry{}
	}
	for _, org := range d.Organizations {
		for _, entry := range org {
			if entry.Rules == nil {
				entry.Rules = map[string]RuleStatus{}
			}
		}
	}
}

// AddOrganization idempotently creates the organization's map.
func (d *Document) AddOrganization(orgID string) {
	if _, ok := d.Organizations[orgID]; !ok {
		d.Organizations[orgID] = map[string]*RulesetEntry{}
	}
}

// DeleteOrganization drops the organization's entry. Only push and refresh
// completion call this.
func (d *Document) DeleteOrganization(orgID string) {
	delete(d.Organizations, orgID)
}

// AddRuleset starts tracking a ruleset with the given status, or upgrades an
// existing entry. Allowed transitions: absent → any, "false" → "true".
// Downgrading "true" → "false" and touching a "del" entry are forbidden.
// Local-only ruleset IDs must always be tracked as "true".
func (d *Document) AddRuleset(orgID, rulesetID string, action RulesetStatus) error {
	const op = "add ruleset"
	switch action {
	case RulesetModified, RulesetUnmodified, RulesetDeleted:
	default:
		return invariant(op, "unknown status %q", action)
	}
	if mirror.IsLocalID(rulesetID) && action != RulesetModified {
		return invariant(op, "local-only ruleset %s must be tracked as modified", rulesetID)
	}

	d.AddOrganization(orgID)
	org := d.Organizations[orgID]

	entry, ok := org[rulesetID]
	if !ok {
		org[rulesetID] = &RulesetEntry{Modified: action, Rules: map[string]RuleStatus{}}
		return nil
	}

	switch {
	case entry.Modified == RulesetDeleted:
		return invariant(op, "cannot add ruleset %s back after deletion", rulesetID)
	case action == RulesetDeleted:
		return invariant(op, "ruleset %s is already tracked; deletion goes through DeleteRuleset", rulesetID)
	case action == RulesetModified && entry.Modified == RulesetUnmodified:
		entry.Modified = RulesetModified
	case action == RulesetUnmodified && entry.Modified == RulesetModified:
		return invariant(op, "cannot unmodify ruleset %s once marked modified", rulesetID)
	}
	return nil
}

// DeleteRuleset records a ruleset deletion. A local-only ruleset simply
// leaves the ledger (it has no remote counterpart); a remote ruleset
// transitions to "del" with its rule entries cleared, since a pending
// deletion subsumes all child edits. recursive permits dropping dangling
// rule entries; every engine caller passes true.
func (d *Document) DeleteRuleset(orgID, rulesetID string, recursive bool) error {
	const op = "delete ruleset"
	d.AddOrganization(orgID)
	org := d.Organizations[orgID]

	entry, ok := org[rulesetID]
	if !ok {
		if mirror.IsLocalID(rulesetID) {
			return invariant(op, "local-only ruleset %s is not tracked", rulesetID)
		}
		org[rulesetID] = &RulesetEntry{Modified: RulesetDeleted, Rules: map[string]RuleStatus{}}
		return nil
	}

	if mirror.IsLocalID(rulesetID) {
		if entry.Modified != RulesetModified {
			return invariant(op, "local-only ruleset %s has modified=%q, want %q", rulesetID, entry.Modified, RulesetModified)
		}
		if len(entry.Rules) > 0 && !recursive {
			return nil
		}
		delete(org, rulesetID)
		if len(org) == 0 {
			delete(d.Organizations, orgID)
		}
		return nil
	}

	switch entry.Modified {
	case RulesetDeleted:
		return nil
	case RulesetUnmodified:
		if len(entry.Rules) == 0 {
			return invariant(op, "unmodified ruleset %s tracks zero rules", rulesetID)
		}
	}
	if len(entry.Rules) > 0 && !recursive {
		return nil
	}
	entry.Modified = RulesetDeleted
	entry.Rules = map[string]RuleStatus{}
	return nil
}

// mergeRuleStatus joins two dirty statuses: rule ∨ tags = both, x ∨ x = x,
// both absorbs everything.
func mergeRuleStatus(old, add RuleStatus) RuleStatus {
	if old == add {
		return old
	}
	return BothModified
}

// AddRule starts tracking a dirty rule, merging with any existing status.
// The enclosing ruleset entry is created with modified="false" when absent.
// endpoint must be "rule", "tags" or "both"; deletion goes through DeleteRule.
func (d *Document) AddRule(orgID, rulesetID, ruleID string, endpoint RuleStatus) error {
	const op = "add rule"
	switch endpoint {
	case RuleModified, TagsModified, BothModified:
	default:
		return invariant(op, "unknown endpoint %q", endpoint)
	}

	org, ok := d.Organizations[orgID]
	if !ok {
		d.AddOrganization(orgID)
		org = d.Organizations[orgID]
	}
	entry, ok := org[rulesetID]
	if !ok {
		if err := d.AddRuleset(orgID, rulesetID, RulesetUnmodified); err != nil {
			return err
		}
		entry = org[rulesetID]
	}
	if entry.Modified == RulesetDeleted {
		return invariant(op, "ruleset %s is pending deletion", rulesetID)
	}

	old, tracked := entry.Rules[ruleID]
	if !tracked {
		if mirror.IsLocalID(ruleID) && endpoint == TagsModified {
			return invariant(op, "brand-new rule %s cannot be tags-only", ruleID)
		}
		entry.Rules[ruleID] = endpoint
		return nil
	}
	if old == RuleDeleted {
		return invariant(op, "cannot edit rule %s after deletion", ruleID)
	}
	entry.Rules[ruleID] = mergeRuleStatus(old, endpoint)
	return nil
}

// DeleteRule records a rule deletion. A local-only rule leaves the ledger;
// a remote rule transitions to "del" so push issues the remote DELETE. When
// removing the last rule of an untouched ("false") ruleset entry, the entry
// is dropped too. Unknown rules are a no-op.
func (d *Document) DeleteRule(orgID, ruleID string) error {
	org, ok := d.Organizations[orgID]
	if !ok {
		return nil
	}
	for rulesetID, entry := range org {
		if _, tracked := entry.Rules[ruleID]; !tracked {
			continue
		}
		if mirror.IsLocalID(ruleID) {
			delete(entry.Rules, ruleID)
			if len(entry.Rules) == 0 && entry.Modified == RulesetUnmodified {
				delete(org, rulesetID)
			}
			if len(org) == 0 {
				delete(d.Organizations, orgID)
			}
		} else {
			entry.Rules[ruleID] = RuleDeleted
		}
		return nil
	}
	// Not tracked yet: a remote rule deleted without prior edits still needs
	// a "del" mark so push issues the DELETE. The caller supplies the
	// enclosing ruleset via MarkRuleDeleted instead.
	return nil
}

// MarkRuleDeleted records the deletion of a remote rule that was not yet
// tracked, under the given ruleset.
func (d *Document) MarkRuleDeleted(orgID, rulesetID, ruleID string) error {
	const op = "mark rule deleted"
	if mirror.IsLocalID(ruleID) {
		return invariant(op, "local-only rule %s leaves the ledger via DeleteRule", ruleID)
	}
	d.AddOrganization(orgID)
	org := d.Organizations[orgID]
	entry, ok := org[rulesetID]
	if !ok {
		if err := d.AddRuleset(orgID, rulesetID, RulesetUnmodified); err != nil {
			return err
		}
		entry = org[rulesetID]
	}
	if entry.Modified == RulesetDeleted {
		return invariant(op, "ruleset %s is pending deletion", rulesetID)
	}
	entry.Rules[ruleID] = RuleDeleted
	return nil
}

// Validate checks the ledger-internal invariants: local-only rulesets must
// be marked modified, unmodified entries must track at least one rule,
// pending deletions must track none, and a local-only rule is never
// tags-only.
func (d *Document) Validate() error {
	for orgID, org := range d.Organizations {
		for rulesetID, entry := range org {
			if mirror.IsLocalID(rulesetID) && entry.Modified != RulesetModified {
				return invariant("validate", "org %s: local-only ruleset %s has modified=%q", orgID, rulesetID, entry.Modified)
			}
			if entry.Modified == RulesetUnmodified && len(entry.Rules) == 0 {
				return invariant("validate", "org %s: unmodified ruleset %s tracks zero rules", orgID, rulesetID)
			}
			if entry.Modified == RulesetDeleted && len(entry.Rules) != 0 {
				return invariant("validate", "org %s: deleted ruleset %s still tracks rules", orgID, rulesetID)
			}
			for ruleID, status := range entry.Rules {
				if mirror.IsLocalID(ruleID) && status != RuleModified && status != BothModified {
					return invariant("validate", "org %s: local-only rule %s has status %q", orgID, ruleID, status)
				}
			}
		}
	}
	return nil
}
