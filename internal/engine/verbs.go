package engine

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/tsctl/tsctl/internal/ledger"
	"github.com/tsctl/tsctl/internal/mirror"
)

// DefaultCopyPostfix is appended to the name of copied rules and rulesets
// so the copy does not collide with the platform's uniqueness-of-name
// constraint.
const DefaultCopyPostfix = " - COPY"

// CreateRuleset mints a local ID, writes the ruleset to the mirror, and
// records it in the ledger as modified. Returns the minted ID.
func (e *Engine) CreateRuleset(ctx context.Context, data map[string]any) (string, error) {
	id, err := e.createRuleset(data)
	if err != nil {
		return "", err
	}
	return id, e.maybePush(ctx)
}

func (e *Engine) createRuleset(data map[string]any) (string, error) {
	id, err := e.mirror.MintLocalRulesetID()
	if err != nil {
		return "", err
	}
	if _, ok := data["ruleIds"]; !ok {
		data["ruleIds"] = []any{}
	}
	if err := e.mirror.WriteRuleset(id, data); err != nil {
		return "", err
	}
	if err := e.store.Update(func(d *ledger.Document) error {
		return d.AddRuleset(e.orgID, id, ledger.RulesetModified)
	}); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateRuleset overwrites an existing ruleset's JSON. A write whose content
// hash matches what is already on disk is a no-op and leaves the ledger
// untouched.
func (e *Engine) UpdateRuleset(ctx context.Context, rulesetID string, data map[string]any) error {
	if !e.mirror.HasRuleset(rulesetID) {
		return fmt.Errorf("engine: ruleset %s: %w", rulesetID, mirror.ErrNotFound)
	}
	same, err := unchanged(filepath.Join(e.mirror.RulesetDir(rulesetID), mirror.RulesetFile), data)
	if err != nil {
		return err
	}
	if same {
		log.Printf("[engine] ruleset %s unchanged, skipping", rulesetID)
		return nil
	}
	if err := e.mirror.WriteRuleset(rulesetID, data); err != nil {
		return err
	}
	if err := e.store.Update(func(d *ledger.Document) error {
		return d.AddRuleset(e.orgID, rulesetID, ledger.RulesetModified)
	}); err != nil {
		return err
	}
	return e.maybePush(ctx)
}

// DeleteRuleset removes a ruleset directory and records the pending remote
// deletion. A local-only ruleset simply vanishes.
func (e *Engine) DeleteRuleset(ctx context.Context, rulesetID string) error {
	if err := e.mirror.RemoveRuleset(rulesetID); err != nil {
		return err
	}
	if err := e.store.Update(func(d *ledger.Document) error {
		return d.DeleteRuleset(e.orgID, rulesetID, true)
	}); err != nil {
		return err
	}
	return e.maybePush(ctx)
}

// CreateRule mints a local rule ID under an existing ruleset, writes
// rule.json and tags.json (tags default to an empty object), and records the
// rule as fully dirty. Returns the minted ID.
func (e *Engine) CreateRule(ctx context.Context, rulesetID string, rule, tags map[string]any) (string, error) {
	id, err := e.createRule(rulesetID, rule, tags)
	if err != nil {
		return "", err
	}
	return id, e.maybePush(ctx)
}

func (e *Engine) createRule(rulesetID string, rule, tags map[string]any) (string, error) {
	id, err := e.mirror.MintLocalRuleID(rulesetID)
	if err != nil {
		return "", err
	}
	if tags == nil {
		tags = map[string]any{}
	}
	if err := e.mirror.WriteRule(rulesetID, id, rule, tags); err != nil {
		return "", err
	}
	if err := e.store.Update(func(d *ledger.Document) error {
		return d.AddRule(e.orgID, rulesetID, id, ledger.BothModified)
	}); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateRule locates a rule by ID and overwrites its rule.json. Unchanged
// content is a no-op.
func (e *Engine) UpdateRule(ctx context.Context, ruleID string, rule map[string]any) error {
	rulesetID, err := e.mirror.LocateRule(ruleID)
	if err != nil {
		return err
	}
	same, err := unchanged(filepath.Join(e.mirror.RuleDir(rulesetID, ruleID), mirror.RuleFile), rule)
	if err != nil {
		return err
	}
	if same {
		log.Printf("[engine] rule %s unchanged, skipping", ruleID)
		return nil
	}
	if err := e.mirror.WriteRuleFile(rulesetID, ruleID, rule); err != nil {
		return err
	}
	if err := e.store.Update(func(d *ledger.Document) error {
		return d.AddRule(e.orgID, rulesetID, ruleID, ledger.RuleModified)
	}); err != nil {
		return err
	}
	return e.maybePush(ctx)
}

// CreateTags locates a rule by ID and overwrites its tags.json. Unchanged
// content is a no-op.
func (e *Engine) CreateTags(ctx context.Context, ruleID string, tags map[string]any) error {
	rulesetID, err := e.mirror.LocateRule(ruleID)
	if err != nil {
		return err
	}
	same, err := unchanged(filepath.Join(e.mirror.RuleDir(rulesetID, ruleID), mirror.TagsFile), tags)
	if err != nil {
		return err
	}
	if same {
		log.Printf("[engine] tags on rule %s unchanged, skipping", ruleID)
		return nil
	}
	if err := e.mirror.WriteTags(rulesetID, ruleID, tags); err != nil {
		return err
	}
	if err := e.store.Update(func(d *ledger.Document) error {
		return d.AddRule(e.orgID, rulesetID, ruleID, ledger.TagsModified)
	}); err != nil {
		return err
	}
	return e.maybePush(ctx)
}

// DeleteRule locates a rule, removes its directory, and records the
// deletion. A local-only rule leaves the ledger; a remote rule is marked
// for the remote DELETE.
func (e *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	rulesetID, err := e.mirror.LocateRule(ruleID)
	if err != nil {
		return err
	}
	if err := e.mirror.RemoveRule(rulesetID, ruleID); err != nil {
		return err
	}
	if err := e.store.Update(func(d *ledger.Document) error {
		if mirror.IsLocalID(ruleID) {
			return d.DeleteRule(e.orgID, ruleID)
		}
		return d.MarkRuleDeleted(e.orgID, rulesetID, ruleID)
	}); err != nil {
		return err
	}
	return e.maybePush(ctx)
}

// CopyRule copies a rule (and its tags) into another ruleset within the same
// organization, renaming it with the postfix. Returns the new rule's ID.
func (e *Engine) CopyRule(ctx context.Context, ruleID, dstRulesetID, postfix string) (string, error) {
	rule, tags, err := e.readRulePair(ruleID)
	if err != nil {
		return "", err
	}
	applyNamePostfix(rule, postfix)
	id, err := e.createRule(dstRulesetID, rule, tags)
	if err != nil {
		return "", err
	}
	return id, e.maybePush(ctx)
}

// CopyRuleOut copies a rule into a ruleset in another organization. The
// destination engine comes from the registry, which refreshes organizations
// never seen before.
func (e *Engine) CopyRuleOut(ctx context.Context, ruleID, dstRulesetID string, dst *Engine, postfix string) (string, error) {
	rule, tags, err := e.readRulePair(ruleID)
	if err != nil {
		return "", err
	}
	applyNamePostfix(rule, postfix)
	id, err := dst.createRule(dstRulesetID, rule, tags)
	if err != nil {
		return "", err
	}
	return id, dst.maybePush(ctx)
}

// CopyRuleset deep-copies a ruleset and all its rules within the
// organization. Returns the new ruleset's ID.
func (e *Engine) CopyRuleset(ctx context.Context, rulesetID, postfix string) (string, error) {
	id, err := e.copyRulesetTo(rulesetID, e, postfix)
	if err != nil {
		return "", err
	}
	return id, e.maybePush(ctx)
}

// CopyRulesetOut deep-copies a ruleset into another organization.
func (e *Engine) CopyRulesetOut(ctx context.Context, rulesetID string, dst *Engine, postfix string) (string, error) {
	id, err := e.copyRulesetTo(rulesetID, dst, postfix)
	if err != nil {
		return "", err
	}
	return id, dst.maybePush(ctx)
}

func (e *Engine) copyRulesetTo(rulesetID string, dst *Engine, postfix string) (string, error) {
	data, err := e.mirror.ReadRuleset(rulesetID)
	if err != nil {
		return "", err
	}
	applyNamePostfix(data, postfix)
	data["ruleIds"] = []any{}
	newID, err := dst.createRuleset(data)
	if err != nil {
		return "", err
	}

	ruleIDs, err := e.mirror.ListRules(rulesetID)
	if err != nil {
		return "", err
	}
	for _, ruleID := range ruleIDs {
		rule, tags, err := e.readRulePair(ruleID)
		if err != nil {
			return "", err
		}
		if _, err := dst.createRule(newID, rule, tags); err != nil {
			return "", err
		}
	}
	return newID, nil
}

func (e *Engine) readRulePair(ruleID string) (rule, tags map[string]any, err error) {
	rulesetID, err := e.mirror.LocateRule(ruleID)
	if err != nil {
		return nil, nil, err
	}
	rule, err = e.mirror.ReadRule(rulesetID, ruleID)
	if err != nil {
		return nil, nil, err
	}
	tags, err = e.mirror.ReadTags(rulesetID, ruleID)
	if err != nil {
		return nil, nil, err
	}
	return rule, tags, nil
}

// applyNamePostfix renames a payload's name field for copy verbs. An empty
// postfix falls back to the default.
func applyNamePostfix(data map[string]any, postfix string) {
	if postfix == "" {
		postfix = DefaultCopyPostfix
	}
	if name, ok := data["name"].(string); ok {
		data["name"] = name + postfix
	}
}

// unchanged reports whether the file at path already holds content-identical
// JSON to data.
func unchanged(path string, data map[string]any) (bool, error) {
	onDisk, err := mirror.DigestFile(path)
	if err != nil {
		return false, err
	}
	proposed, err := mirror.DigestValue(data)
	if err != nil {
		return false, err
	}
	return onDisk == proposed, nil
}
