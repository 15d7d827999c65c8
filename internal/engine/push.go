package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tsctl/tsctl/internal/ledger"
	"github.com/tsctl/tsctl/internal/mirror"
)

// Push applies the organization's pending ledger entries to the remote
// platform: ruleset writes first, then per-rule writes with their tags,
// then deletions the ledger recorded. Progress is durable per ruleset; a
// failure persists the partially consumed ledger and a subsequent Push
// completes the rest.
func (e *Engine) Push(ctx context.Context) error {
	start := time.Now()
	applied, err := e.push(ctx)
	if e.audit != nil {
		e.audit.RecordPush(e.orgID, applied, time.Since(start), err)
	}
	return err
}

func (e *Engine) push(ctx context.Context) (applied int, err error) {
	doc, err := e.store.Load()
	if err != nil {
		return 0, err
	}
	org := doc.Organizations[e.orgID]
	if len(org) == 0 {
		log.Printf("[engine] org %s: nothing to push", e.orgID)
		return 0, nil
	}

	for _, rulesetID := range sortedKeys(org) {
		entry := org[rulesetID]
		newID, rerr := e.pushRuleset(ctx, rulesetID, entry)
		if rerr != nil {
			// Persist partial progress before surfacing the failure. The
			// entry may have been renamed to a platform ID mid-flight.
			if newID != "" && newID != rulesetID {
				org[newID] = entry
				delete(org, rulesetID)
			}
			if serr := e.store.Save(doc); serr != nil {
				log.Printf("[engine] push %s: persist partial progress: %v", e.orgID, serr)
			}
			return applied, fmt.Errorf("engine: push %s: ruleset %s: %w", e.orgID, rulesetID, rerr)
		}
		delete(org, rulesetID)
		if len(org) == 0 {
			doc.DeleteOrganization(e.orgID)
		}
		if serr := e.store.Save(doc); serr != nil {
			return applied, serr
		}
		applied++
	}
	log.Printf("[engine] pushed org %s: %d rulesets reconciled", e.orgID, applied)
	return applied, nil
}

// pushRuleset reconciles a single ledger entry. It mutates the entry as
// work completes (rule keys are consumed, local IDs are replaced by
// platform IDs) so that a failed push persists exactly the remaining work.
// The returned ID is the platform ID when the ruleset itself was renamed.
func (e *Engine) pushRuleset(ctx context.Context, rulesetID string, entry *ledger.RulesetEntry) (string, error) {
	if entry.Modified == ledger.RulesetDeleted {
		return "", e.api.DeleteRuleset(ctx, rulesetID)
	}

	renamed := ""
	if entry.Modified == ledger.RulesetModified {
		data, err := e.mirror.ReadRuleset(rulesetID)
		if err != nil {
			return "", err
		}
		if mirror.IsLocalID(rulesetID) {
			// Member rules are created by the postRule calls below; the
			// platform fills ruleIds in as they land.
			data["ruleIds"] = []any{}
			newID, _, err := e.api.PostRuleset(ctx, data)
			if err != nil {
				return "", err
			}
			if err := e.mirror.RenameRuleset(rulesetID, newID); err != nil {
				return "", err
			}
			rulesetID = newID
			renamed = newID
		} else {
			// Locally-minted rule IDs are unknown to the platform; they join
			// the ruleset when their own POST lands.
			data["ruleIds"] = withoutLocalIDs(data["ruleIds"])
			if _, err := e.api.PutRuleset(ctx, rulesetID, data); err != nil {
				return renamed, err
			}
		}
		// The ruleset itself is reconciled; only rules remain. A retry after
		// a later failure must not repeat the POST/PUT.
		entry.Modified = ledger.RulesetUnmodified
	}

	for _, ruleID := range sortedKeys(entry.Rules) {
		if err := e.pushRule(ctx, rulesetID, ruleID, entry); err != nil {
			return renamed, fmt.Errorf("rule %s: %w", ruleID, err)
		}
	}
	return renamed, nil
}

// pushRule reconciles one rule entry and removes it from entry.Rules on
// success. A local-only rule that lands mid-way (rule posted, tags pending)
// leaves a tags-only entry under its new platform ID.
func (e *Engine) pushRule(ctx context.Context, rulesetID, ruleID string, entry *ledger.RulesetEntry) error {
	status := entry.Rules[ruleID]

	if status == ledger.RuleDeleted {
		if err := e.api.DeleteRule(ctx, rulesetID, ruleID); err != nil {
			return err
		}
		delete(entry.Rules, ruleID)
		return nil
	}

	if mirror.IsLocalID(ruleID) {
		if status == ledger.TagsModified {
			return &ledger.InvariantError{Op: "push", Msg: fmt.Sprintf("local-only rule %s is tags-only", ruleID)}
		}
		rule, err := e.mirror.ReadRule(rulesetID, ruleID)
		if err != nil {
			return err
		}
		newID, _, err := e.api.PostRule(ctx, rulesetID, rule)
		if err != nil {
			return err
		}
		if err := e.mirror.RenameRule(rulesetID, ruleID, newID); err != nil {
			return err
		}
		delete(entry.Rules, ruleID)
		if status == ledger.BothModified {
			entry.Rules[newID] = ledger.TagsModified
			tags, err := e.mirror.ReadTags(rulesetID, newID)
			if err != nil {
				return err
			}
			if _, err := e.api.PostTags(ctx, newID, tags); err != nil {
				return err
			}
			delete(entry.Rules, newID)
		}
		return nil
	}

	if status == ledger.RuleModified || status == ledger.BothModified {
		rule, err := e.mirror.ReadRule(rulesetID, ruleID)
		if err != nil {
			return err
		}
		if _, err := e.api.PutRule(ctx, rulesetID, ruleID, rule); err != nil {
			return err
		}
	}
	if status == ledger.TagsModified || status == ledger.BothModified {
		tags, err := e.mirror.ReadTags(rulesetID, ruleID)
		if err != nil {
			return err
		}
		if _, err := e.api.PostTags(ctx, ruleID, tags); err != nil {
			return err
		}
	}
	delete(entry.Rules, ruleID)
	return nil
}

// withoutLocalIDs filters locally-minted IDs out of a ruleIds array.
func withoutLocalIDs(v any) []any {
	list, ok := v.([]any)
	if !ok {
		return []any{}
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		if id, ok := item.(string); ok && mirror.IsLocalID(id) {
			continue
		}
		out = append(out, item)
	}
	return out
}
