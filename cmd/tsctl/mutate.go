package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsctl/tsctl/internal/engine"
)

// readPayload loads a JSON object from a file path, or from stdin when the
// path is "-".
func readPayload(path string) (map[string]any, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse payload %s: %w", path, err)
	}
	return out, nil
}

func newCreateRulesetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-ruleset <file>",
		Short: "Create a ruleset from a JSON file (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readPayload(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			id, err := e.CreateRuleset(cmd.Context(), data)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func newUpdateRulesetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update-ruleset <ruleset_id> <file>",
		Short: "Overwrite a ruleset's JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readPayload(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			return e.UpdateRuleset(cmd.Context(), args[0], data)
		},
	}
}

func newDeleteRulesetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-ruleset <ruleset_id>",
		Short: "Delete a ruleset and all its rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			return e.DeleteRuleset(cmd.Context(), args[0])
		},
	}
}

func newCreateRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-rule <ruleset_id> <rule_file> [tags_file]",
		Short: "Create a rule (and optional tags) under a ruleset",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := readPayload(args[1])
			if err != nil {
				return err
			}
			var tags map[string]any
			if len(args) == 3 {
				if tags, err = readPayload(args[2]); err != nil {
					return err
				}
			}
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			id, err := e.CreateRule(cmd.Context(), args[0], rule, tags)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func newUpdateRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update-rule <rule_id> <file>",
		Short: "Overwrite a rule's JSON, locating it by ID",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := readPayload(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			return e.UpdateRule(cmd.Context(), args[0], rule)
		},
	}
}

func newCreateTagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-tags <rule_id> <file>",
		Short: "Overwrite a rule's tags",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tags, err := readPayload(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			return e.CreateTags(cmd.Context(), args[0], tags)
		},
	}
}

func newDeleteRuleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-rule <rule_id>",
		Short: "Delete a rule, locating it by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}
			return e.DeleteRule(cmd.Context(), args[0])
		},
	}
}

func newCopyRuleCmd() *cobra.Command {
	var dstOrg, postfix string
	cmd := &cobra.Command{
		Use:   "copy-rule <rule_id> <dst_ruleset_id>",
		Short: "Copy a rule (and its tags) into another ruleset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}

			var id string
			if dstOrg == "" || dstOrg == e.OrgID() {
				id, err = e.CopyRule(cmd.Context(), args[0], args[1], postfix)
			} else {
				var dst *engine.Engine
				dst, err = a.reg.Get(cmd.Context(), dstOrg)
				if err == nil {
					id, err = e.CopyRuleOut(cmd.Context(), args[0], args[1], dst, postfix)
				}
			}
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&dstOrg, "dst-org", "", "destination organization (default: same organization)")
	cmd.Flags().StringVar(&postfix, "postfix", "", `name postfix for the copy (default " - COPY")`)
	return cmd
}

func newCopyRulesetCmd() *cobra.Command {
	var dstOrg, postfix string
	cmd := &cobra.Command{
		Use:   "copy-ruleset <ruleset_id>",
		Short: "Deep-copy a ruleset and all its rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			e, err := a.engine(cmd.Context())
			if err != nil {
				return err
			}

			var id string
			if dstOrg == "" || dstOrg == e.OrgID() {
				id, err = e.CopyRuleset(cmd.Context(), args[0], postfix)
			} else {
				var dst *engine.Engine
				dst, err = a.reg.Get(cmd.Context(), dstOrg)
				if err == nil {
					id, err = e.CopyRulesetOut(cmd.Context(), args[0], dst, postfix)
				}
			}
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&dstOrg, "dst-org", "", "destination organization (default: same organization)")
	cmd.Flags().StringVar(&postfix, "postfix", "", `name postfix for the copy (default " - COPY")`)
	return cmd
}
