package engine

import (
	"fmt"
	"strings"

	"github.com/tsctl/tsctl/internal/ledger"
	"github.com/tsctl/tsctl/internal/mirror"
)

// xterm escape sequences used by the colorful renderings.
const (
	colorReset   = "\x1b[0m"
	colorMagenta = "\x1b[35m"
	colorGreen   = "\x1b[32m"
	colorYellow  = "\x1b[33m"
	colorRed     = "\x1b[31m"
)

// FormatPlan pretty-prints the pending mutations of the whole ledger, one
// section per organization.
func FormatPlan(doc *ledger.Document, colorful bool) string {
	if len(doc.Organizations) == 0 {
		return "Nothing to push. The ledger is clean.\n"
	}

	paint := func(color, s string) string {
		if !colorful {
			return s
		}
		return color + s + colorReset
	}

	var b strings.Builder
	for _, orgID := range sortedKeys(doc.Organizations) {
		org := doc.Organizations[orgID]
		fmt.Fprintf(&b, "Organization %s:\n", paint(colorMagenta, orgID))
		for _, rulesetID := range sortedKeys(org) {
			entry := org[rulesetID]
			var verb string
			switch entry.Modified {
			case ledger.RulesetDeleted:
				verb = paint(colorRed, "delete")
			case ledger.RulesetModified:
				if mirror.IsLocalID(rulesetID) {
					verb = paint(colorGreen, "create")
				} else {
					verb = paint(colorYellow, "update")
				}
			default:
				verb = "      " // untouched, dirty rules only
			}
			fmt.Fprintf(&b, "  %s ruleset %s\n", verb, rulesetID)
			for _, ruleID := range sortedKeys(entry.Rules) {
				status := entry.Rules[ruleID]
				var detail string
				switch status {
				case ledger.RuleDeleted:
					detail = paint(colorRed, "delete")
				case ledger.RuleModified:
					detail = paint(colorYellow, "update rule")
				case ledger.TagsModified:
					detail = paint(colorYellow, "update tags")
				case ledger.BothModified:
					if mirror.IsLocalID(ruleID) {
						detail = paint(colorGreen, "create")
					} else {
						detail = paint(colorYellow, "update rule and tags")
					}
				}
				fmt.Fprintf(&b, "    %s rule %s\n", detail, ruleID)
			}
		}
	}
	return b.String()
}

// RenderMirror renders the organization's mirror as an indented hierarchy of
// ruleset and rule names with their identifiers.
func (e *Engine) RenderMirror(colorful bool) (string, error) {
	paint := func(color, s string) string {
		if !colorful {
			return s
		}
		return color + s + colorReset
	}

	rulesets, err := e.mirror.ListRulesets()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Organization %s:\n", paint(colorMagenta, e.orgID))
	if len(rulesets) == 0 {
		b.WriteString("  (empty)\n")
		return b.String(), nil
	}
	for _, rulesetID := range rulesets {
		data, err := e.mirror.ReadRuleset(rulesetID)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "  %s (%s)\n", paint(colorGreen, nameOf(data)), rulesetID)

		ruleIDs, err := e.mirror.ListRules(rulesetID)
		if err != nil {
			return "", err
		}
		for _, ruleID := range ruleIDs {
			rule, err := e.mirror.ReadRule(rulesetID, ruleID)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(&b, "    %s (%s)\n", nameOf(rule), ruleID)
		}
	}
	return b.String(), nil
}

func nameOf(data map[string]any) string {
	if name, ok := data["name"].(string); ok && name != "" {
		return name
	}
	return "(unnamed)"
}
