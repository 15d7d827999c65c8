package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tsctl/tsctl/internal/mirror"
)

// newEditCmd opens the mirrored JSON in $EDITOR and records the matching
// ledger mutation only when the content actually changed.
func newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <ruleset|rule|tags> <id>",
		Short: "Edit a mirrored JSON document in $EDITOR",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, id := args[0], args[1]

			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			m := e.Mirror()

			var current map[string]any
			switch kind {
			case "ruleset":
				current, err = m.ReadRuleset(id)
			case "rule":
				var rulesetID string
				if rulesetID, err = m.LocateRule(id); err == nil {
					current, err = m.ReadRule(rulesetID, id)
				}
			case "tags":
				var rulesetID string
				if rulesetID, err = m.LocateRule(id); err == nil {
					current, err = m.ReadTags(rulesetID, id)
				}
			default:
				return fmt.Errorf("unknown target %q (want ruleset, rule, or tags)", kind)
			}
			if err != nil {
				return err
			}

			edited, changed, err := editInTempFile(current)
			if err != nil {
				return err
			}
			if !changed {
				fmt.Println("unchanged")
				return nil
			}

			switch kind {
			case "ruleset":
				return e.UpdateRuleset(cmd.Context(), id, edited)
			case "rule":
				return e.UpdateRule(cmd.Context(), id, edited)
			default:
				return e.CreateTags(cmd.Context(), id, edited)
			}
		},
	}
}

// editInTempFile writes current to a temp file, runs the user's editor on
// it, and reports whether the content hash changed.
func editInTempFile(current map[string]any) (map[string]any, bool, error) {
	dir, err := os.MkdirTemp("", "tsctl-edit-*")
	if err != nil {
		return nil, false, fmt.Errorf("edit: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "edit.json")
	if err := mirror.WriteJSONFile(path, current); err != nil {
		return nil, false, err
	}
	before, err := mirror.DigestFile(path)
	if err != nil {
		return nil, false, err
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	ed := exec.Command(editor, path)
	ed.Stdin = os.Stdin
	ed.Stdout = os.Stdout
	ed.Stderr = os.Stderr
	if err := ed.Run(); err != nil {
		return nil, false, fmt.Errorf("edit: run %s: %w", editor, err)
	}

	after, err := mirror.DigestFile(path)
	if err != nil {
		return nil, false, err
	}
	if before == after {
		return nil, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("edit: %w", err)
	}
	var edited map[string]any
	if err := json.Unmarshal(data, &edited); err != nil {
		return nil, false, fmt.Errorf("edit: edited file is not valid JSON: %w", err)
	}
	return edited, true, nil
}
