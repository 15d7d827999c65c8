package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

const (
	orgA = "org-a"

	remoteRS = "ruleset-remote-1"
	localRS  = "11111111-2222-3333-4444-555555555555-localonly"

	remoteRule = "rule-remote-1"
	localRule  = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee-localonly"
)

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func mustInvariant(t *testing.T, err error) {
	t.Helper()
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("want InvariantError, got %v", err)
	}
}

func TestAddRulesetTransitions(t *testing.T) {
	tests := []struct {
		name    string
		setup   []RulesetStatus // successive AddRuleset actions
		action  RulesetStatus
		wantErr bool
		want    RulesetStatus
	}{
		{name: "absent to false", action: RulesetUnmodified, want: RulesetUnmodified},
		{name: "absent to true", action: RulesetModified, want: RulesetModified},
		{name: "false upgrades to true", setup: []RulesetStatus{RulesetUnmodified}, action: RulesetModified, want: RulesetModified},
		{name: "true cannot downgrade", setup: []RulesetStatus{RulesetModified}, action: RulesetUnmodified, wantErr: true},
		{name: "idempotent true", setup: []RulesetStatus{RulesetModified}, action: RulesetModified, want: RulesetModified},
		{name: "idempotent false", setup: []RulesetStatus{RulesetUnmodified}, action: RulesetUnmodified, want: RulesetUnmodified},
		{name: "unknown status", action: RulesetStatus("bogus"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDocument()
			for _, a := range tt.setup {
				mustOK(t, d.AddRuleset(orgA, remoteRS, a))
			}
			err := d.AddRuleset(orgA, remoteRS, tt.action)
			if tt.wantErr {
				mustInvariant(t, err)
				return
			}
			mustOK(t, err)
			if got := d.Organizations[orgA][remoteRS].Modified; got != tt.want {
				t.Fatalf("modified = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAddRulesetLocalOnlyMustBeModified(t *testing.T) {
	d := NewDocument()
	mustInvariant(t, d.AddRuleset(orgA, localRS, RulesetUnmodified))
	mustOK(t, d.AddRuleset(orgA, localRS, RulesetModified))
}

func TestAddRulesetAfterDeletionForbidden(t *testing.T) {
	d := NewDocument()
	mustOK(t, d.DeleteRuleset(orgA, remoteRS, true))
	mustInvariant(t, d.AddRuleset(orgA, remoteRS, RulesetModified))
}

func TestMergeLattice(t *testing.T) {
	tests := []struct {
		a, b, want RuleStatus
	}{
		{RuleModified, RuleModified, RuleModified},
		{TagsModified, TagsModified, TagsModified},
		{RuleModified, TagsModified, BothModified},
		{TagsModified, RuleModified, BothModified},
		{BothModified, RuleModified, BothModified},
		{BothModified, TagsModified, BothModified},
		{RuleModified, BothModified, BothModified},
	}
	for _, tt := range tests {
		t.Run(string(tt.a)+"+"+string(tt.b), func(t *testing.T) {
			// Two sequential adds.
			d1 := NewDocument()
			mustOK(t, d1.AddRule(orgA, remoteRS, remoteRule, tt.a))
			mustOK(t, d1.AddRule(orgA, remoteRS, remoteRule, tt.b))

			// One add of the join.
			d2 := NewDocument()
			mustOK(t, d2.AddRule(orgA, remoteRS, remoteRule, tt.want))

			if !reflect.DeepEqual(d1.Organizations, d2.Organizations) {
				t.Fatalf("sequential adds != joined add:\n%v\nvs\n%v", d1.Organizations, d2.Organizations)
			}
		})
	}
}

func TestAddRuleCreatesEnclosingRuleset(t *testing.T) {
	d := NewDocument()
	mustOK(t, d.AddRule(orgA, remoteRS, remoteRule, RuleModified))
	entry := d.Organizations[orgA][remoteRS]
	if entry == nil || entry.Modified != RulesetUnmodified {
		t.Fatalf("enclosing ruleset entry = %+v, want modified=false", entry)
	}
}

func TestAddRuleLocalTagsOnlyForbidden(t *testing.T) {
	d := NewDocument()
	mustInvariant(t, d.AddRule(orgA, remoteRS, localRule, TagsModified))
	mustOK(t, d.AddRule(orgA, remoteRS, localRule, BothModified))
}

func TestAddRuleUnderDeletedRulesetForbidden(t *testing.T) {
	d := NewDocument()
	mustOK(t, d.DeleteRuleset(orgA, remoteRS, true))
	mustInvariant(t, d.AddRule(orgA, remoteRS, remoteRule, RuleModified))
}

func TestAddRuleAfterDeleteForbidden(t *testing.T) {
	d := NewDocument()
	mustOK(t, d.AddRuleset(orgA, remoteRS, RulesetModified))
	mustOK(t, d.MarkRuleDeleted(orgA, remoteRS, remoteRule))
	mustInvariant(t, d.AddRule(orgA, remoteRS, remoteRule, RuleModified))
}

func TestDeleteSubsumptionLocalRule(t *testing.T) {
	d := NewDocument()
	mustOK(t, d.AddRule(orgA, remoteRS, localRule, BothModified))
	mustOK(t, d.DeleteRule(orgA, localRule))

	// The rule is gone and the emptied "false" ruleset entry went with it.
	if _, ok := d.Organizations[orgA][remoteRS]; ok {
		t.Fatalf("emptied unmodified ruleset entry should be dropped")
	}
}

func TestDeleteRemoteRuleMarksDel(t *testing.T) {
	d := NewDocument()
	mustOK(t, d.AddRule(orgA, remoteRS, remoteRule, BothModified))
	mustOK(t, d.DeleteRule(orgA, remoteRule))

	if got := d.Organizations[orgA][remoteRS].Rules[remoteRule]; got != RuleDeleted {
		t.Fatalf("remote rule status = %q, want %q", got, RuleDeleted)
	}
}

func TestDeleteRulesetRemote(t *testing.T) {
	d := NewDocument()
	mustOK(t, d.AddRule(orgA, remoteRS, remoteRule, BothModified))
	mustOK(t, d.DeleteRuleset(orgA, remoteRS, true))

	entry := d.Organizations[orgA][remoteRS]
	if entry.Modified != RulesetDeleted {
		t.Fatalf("modified = %q, want del", entry.Modified)
	}
	if len(entry.Rules) != 0 {
		t.Fatalf("deletion must clear rules, got %v", entry.Rules)
	}
}

func TestDeleteRulesetLocalErasesEntry(t *testing.T) {
	d := NewDocument()
	mustOK(t, d.AddRuleset(orgA, localRS, RulesetModified))
	mustOK(t, d.AddRule(orgA, localRS, localRule, BothModified))
	mustOK(t, d.DeleteRuleset(orgA, localRS, true))

	if _, ok := d.Organizations[orgA][localRS]; ok {
		t.Fatalf("local-only ruleset must leave the ledger entirely")
	}
}

func TestDeleteRulesetUntrackedRemote(t *testing.T) {
	d := NewDocument()
	mustOK(t, d.DeleteRuleset(orgA, remoteRS, true))
	if got := d.Organizations[orgA][remoteRS].Modified; got != RulesetDeleted {
		t.Fatalf("modified = %q, want del", got)
	}
}

func TestValidate(t *testing.T) {
	d := NewDocument()
	mustOK(t, d.AddRuleset(orgA, localRS, RulesetModified))
	mustOK(t, d.AddRule(orgA, remoteRS, remoteRule, TagsModified))
	mustOK(t, d.DeleteRuleset(orgA, "ruleset-remote-2", true))
	mustOK(t, d.Validate())

	// Corrupt it by hand and expect Validate to object.
	d.Organizations[orgA][localRS].Modified = RulesetUnmodified
	mustInvariant(t, d.Validate())
}

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)

	// Missing file yields an empty document.
	doc, err := s.Load()
	mustOK(t, err)
	if len(doc.Organizations) != 0 || doc.Workspace != "" {
		t.Fatalf("fresh document not empty: %+v", doc)
	}

	mustOK(t, s.Update(func(d *Document) error {
		d.Workspace = orgA
		return d.AddRule(orgA, remoteRS, remoteRule, BothModified)
	}))

	got, err := s.Load()
	mustOK(t, err)
	if got.Workspace != orgA {
		t.Fatalf("workspace = %q, want %q", got.Workspace, orgA)
	}
	if st := got.Organizations[orgA][remoteRS].Rules[remoteRule]; st != BothModified {
		t.Fatalf("rule status = %q, want both", st)
	}
}

func TestStoreUpdateAbortsOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStore(path)
	mustOK(t, s.Save(NewDocument()))

	before, err := os.ReadFile(path)
	mustOK(t, err)

	sentinel := errors.New("nope")
	if err := s.Update(func(d *Document) error {
		d.Workspace = "poisoned"
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("want sentinel error, got %v", err)
	}

	after, err := os.ReadFile(path)
	mustOK(t, err)
	if string(before) != string(after) {
		t.Fatalf("failed update must not write")
	}
}
