package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/tsctl/tsctl/internal/ledger"
	"github.com/tsctl/tsctl/internal/mirror"
)

// Refresh replaces the organization's local mirror with the current remote
// view and discards any pending ledger entries for the organization. The
// protocol is all-or-nothing: existing rulesets move to a .backup staging
// directory, the remote capture builds under .remote, and only a complete
// capture is promoted. Any failure, including cancellation, restores the
// backup before the error propagates.
func (e *Engine) Refresh(ctx context.Context) error {
	start := time.Now()
	rulesets, rules, err := e.refresh(ctx)
	if e.audit != nil {
		e.audit.RecordRefresh(e.orgID, rulesets, rules, time.Since(start), err)
	}
	return err
}

func (e *Engine) refresh(ctx context.Context) (nRulesets, nRules int, err error) {
	orgDir := e.mirror.OrgDir()
	backup := filepath.Join(orgDir, mirror.BackupDirName)
	remote := filepath.Join(orgDir, mirror.RemoteDirName)

	// A prior crash may have left staging directories behind; put the mirror
	// back to its pre-refresh contents before starting over.
	if err := recoverStaging(orgDir); err != nil {
		return 0, 0, err
	}

	if err := os.MkdirAll(backup, 0o755); err != nil {
		return 0, 0, fmt.Errorf("engine: refresh %s: %w", e.orgID, err)
	}
	if err := os.MkdirAll(remote, 0o755); err != nil {
		return 0, 0, fmt.Errorf("engine: refresh %s: %w", e.orgID, err)
	}
	if err := moveRulesetDirs(orgDir, backup); err != nil {
		return 0, 0, fmt.Errorf("engine: refresh %s: stage backup: %w", e.orgID, err)
	}

	restore := func() {
		if rerr := recoverStaging(orgDir); rerr != nil {
			log.Printf("[engine] refresh %s: restore after failure: %v", e.orgID, rerr)
		}
	}

	nRulesets, nRules, err = e.capture(ctx, remote)
	if err != nil {
		restore()
		return 0, 0, err
	}

	// Promote: the capture is complete, swap it in and drop the backup.
	if err := moveRulesetDirs(remote, orgDir); err != nil {
		restore()
		return 0, 0, fmt.Errorf("engine: refresh %s: promote capture: %w", e.orgID, err)
	}
	if err := os.RemoveAll(backup); err != nil {
		return 0, 0, fmt.Errorf("engine: refresh %s: drop backup: %w", e.orgID, err)
	}
	if err := os.RemoveAll(remote); err != nil {
		return 0, 0, fmt.Errorf("engine: refresh %s: drop staging: %w", e.orgID, err)
	}
	e.mirror.InvalidateLocator()

	if err := e.store.Update(func(d *ledger.Document) error {
		d.DeleteOrganization(e.orgID)
		return nil
	}); err != nil {
		return 0, 0, err
	}
	log.Printf("[engine] refreshed org %s: %d rulesets, %d rules", e.orgID, nRulesets, nRules)
	return nRulesets, nRules, nil
}

// capture downloads the organization's full remote hierarchy into dst using
// the canonical mirror layout.
func (e *Engine) capture(ctx context.Context, dst string) (nRulesets, nRules int, err error) {
	rulesets, err := e.api.GetRulesets(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, rs := range rulesets {
		rulesetID, ok := rs["id"].(string)
		if !ok || rulesetID == "" {
			return 0, 0, fmt.Errorf("engine: refresh %s: ruleset without id in listing", e.orgID)
		}
		delete(rs, "id")

		dir := filepath.Join(dst, rulesetID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, 0, fmt.Errorf("engine: refresh %s: %w", e.orgID, err)
		}
		if err := mirror.WriteJSONFile(filepath.Join(dir, mirror.RulesetFile), rs); err != nil {
			return 0, 0, err
		}
		nRulesets++

		rules, err := e.api.GetRulesetRules(ctx, rulesetID)
		if err != nil {
			return 0, 0, err
		}
		for _, rule := range rules {
			ruleID, ok := rule["id"].(string)
			if !ok || ruleID == "" {
				return 0, 0, fmt.Errorf("engine: refresh %s: rule without id under ruleset %s", e.orgID, rulesetID)
			}
			delete(rule, "id")

			tags, err := e.api.GetRuleTags(ctx, ruleID)
			if err != nil {
				return 0, 0, err
			}

			ruleDir := filepath.Join(dir, ruleID)
			if err := os.MkdirAll(ruleDir, 0o755); err != nil {
				return 0, 0, fmt.Errorf("engine: refresh %s: %w", e.orgID, err)
			}
			if err := mirror.WriteJSONFile(filepath.Join(ruleDir, mirror.RuleFile), rule); err != nil {
				return 0, 0, err
			}
			if err := mirror.WriteJSONFile(filepath.Join(ruleDir, mirror.TagsFile), tags); err != nil {
				return 0, 0, err
			}
			nRules++
		}
	}
	return nRulesets, nRules, nil
}

// recoverStaging resolves leftover .backup/.remote directories. An existing
// .remote is an incomplete capture and is discarded; an existing .backup
// holds the pre-refresh mirror and is moved back into place.
func recoverStaging(orgDir string) error {
	remote := filepath.Join(orgDir, mirror.RemoteDirName)
	backup := filepath.Join(orgDir, mirror.BackupDirName)

	if _, err := os.Stat(remote); err == nil {
		if err := os.RemoveAll(remote); err != nil {
			return fmt.Errorf("engine: discard incomplete capture %s: %w", remote, err)
		}
	}
	if _, err := os.Stat(backup); err == nil {
		if err := moveRulesetDirs(backup, orgDir); err != nil {
			return fmt.Errorf("engine: restore backup %s: %w", backup, err)
		}
		if err := os.RemoveAll(backup); err != nil {
			return fmt.Errorf("engine: drop backup %s: %w", backup, err)
		}
	}
	return nil
}

// moveRulesetDirs renames every ruleset directory under src into dst,
// skipping the staging directories themselves.
func moveRulesetDirs(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == mirror.BackupDirName || entry.Name() == mirror.RemoteDirName {
			continue
		}
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())
		// A same-named directory at the destination means a previous move
		// already happened; keep the destination copy.
		if _, err := os.Stat(to); err == nil {
			if rerr := os.RemoveAll(from); rerr != nil {
				return rerr
			}
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return err
		}
	}
	return nil
}
