// Command tsctl is the CLI front-end of the reconciler: it mirrors an
// organization's rulesets locally, records offline edits in a state ledger,
// and pushes them back to the platform on demand.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsctl/tsctl/internal/audit"
	"github.com/tsctl/tsctl/internal/buildinfo"
	"github.com/tsctl/tsctl/internal/config"
	"github.com/tsctl/tsctl/internal/engine"
	"github.com/tsctl/tsctl/internal/ledger"
	"github.com/tsctl/tsctl/internal/mirror"
	"github.com/tsctl/tsctl/internal/transport"
)

const historyDBName = ".tsctl-history.db"

var (
	flagConfig   string
	flagOrg      string
	flagColorful bool
)

func main() {
	root := &cobra.Command{
		Use:           "tsctl",
		Short:         "Terraform-style reconciler for security platform rule configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the config file (default ~/.tsctl.yaml)")
	root.PersistentFlags().StringVar(&flagOrg, "org", "", "organization to operate on (default: the workspace)")
	root.PersistentFlags().BoolVar(&flagColorful, "colorful", false, "colorize plan and list output")

	root.AddCommand(
		newVersionCmd(),
		newWorkspaceCmd(),
		newPlanCmd(),
		newListCmd(),
		newRefreshCmd(),
		newPushCmd(),
		newHistoryCmd(),
		newCreateRulesetCmd(),
		newUpdateRulesetCmd(),
		newDeleteRulesetCmd(),
		newCreateRuleCmd(),
		newUpdateRuleCmd(),
		newCreateTagsCmd(),
		newDeleteRuleCmd(),
		newCopyRuleCmd(),
		newCopyRulesetCmd(),
		newEditCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tsctl: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the wiring every networked verb needs.
type app struct {
	cfg     *config.Config
	store   *ledger.Store
	reg     *engine.Registry
	history *audit.Log
}

// newApp loads configuration and wires the registry. Credentials are only
// required for verbs that may touch the network.
func newApp(needCreds bool) (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if needCreds {
		if err := cfg.RequireCredentials(); err != nil {
			return nil, err
		}
	}
	if strings.EqualFold(cfg.LogLevel, "debug") {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := mirror.SeedGitignore(cfg.StateDir, cfg.StateFile); err != nil {
		log.Printf("[tsctl] warning: seed .gitignore: %v", err)
	}

	history, err := audit.Open(filepath.Join(cfg.StateDir, historyDBName))
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	store := ledger.NewStore(cfg.StateFilePath())
	reg := engine.NewRegistry(engine.RegistryOptions{
		StateDir: cfg.StateDir,
		Store:    store,
		NewAPI: func(orgID string) engine.API {
			return transport.New(cfg.UserID, cfg.APIKey, orgID, cfg.BaseURL, cfg.RetryCount())
		},
		Lazy:  cfg.Lazy(),
		Audit: history,
	})
	return &app{cfg: cfg, store: store, reg: reg, history: history}, nil
}

func (a *app) close() {
	if a.history != nil {
		a.history.Close()
	}
}

// org resolves the organization to operate on: --org wins, otherwise the
// ledger's workspace field.
func (a *app) org() (string, error) {
	if flagOrg != "" {
		return flagOrg, nil
	}
	doc, err := a.store.Load()
	if err != nil {
		return "", err
	}
	if doc.Workspace == "" {
		return "", fmt.Errorf("no workspace set; run `tsctl workspace <org_id>` or pass --org")
	}
	return doc.Workspace, nil
}

func (a *app) engine(ctx context.Context) (*engine.Engine, error) {
	orgID, err := a.org()
	if err != nil {
		return nil, err
	}
	return a.reg.Get(ctx, orgID)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("tsctl %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
			return nil
		},
	}
}

func newWorkspaceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workspace [org_id]",
		Short: "Show or set the organization verbs operate on",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			if len(args) == 0 {
				doc, err := a.store.Load()
				if err != nil {
					return err
				}
				if doc.Workspace == "" {
					fmt.Println("(no workspace set)")
				} else {
					fmt.Println(doc.Workspace)
				}
				return nil
			}
			return a.store.Update(func(d *ledger.Document) error {
				d.Workspace = args[0]
				return nil
			})
		},
	}
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Pretty-print the pending mutations in the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			doc, err := a.store.Load()
			if err != nil {
				return err
			}
			fmt.Print(engine.FormatPlan(doc, flagColorful))
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Render the organization's local mirror",
		Args:  cobra.NoArgs,
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
			out, err := e.RenderMirror(flagColorful)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Overwrite the local mirror with the remote view, discarding pending edits",
		Args:  cobra.NoArgs,
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
			return e.Refresh(cmd.Context())
		},
	}
}

func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Apply the ledger's pending mutations to the remote platform",
		Args:  cobra.NoArgs,
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
			return e.Push(cmd.Context())
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var operation string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded refresh and push runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.history.List(audit.ListFilter{
				OrgID:     flagOrg,
				Operation: operation,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("(no history)")
				return nil
			}
			for _, e := range entries {
				outcome := e.Outcome
				if outcome != "ok" {
					outcome = "failed: " + outcome
				}
				fmt.Printf("%s  %-7s  org=%s  rulesets=%d  rules=%d  %dms  %s\n",
					formatTsMs(e.TsMs), e.Operation, e.OrgID, e.Rulesets, e.Rules, e.DurationMs, outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&operation, "operation", "", "filter by operation (refresh, push)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to show")
	return cmd
}

func formatTsMs(ms int64) string {
	return time.UnixMilli(ms).Format("2006-01-02 15:04:05")
}
