// Package engine implements the reconciler: refresh (remote to local), push
// (local to remote), and the high-level mutation verbs that edit the mirror
// and append to the ledger. One Engine serves one organization.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tsctl/tsctl/internal/ledger"
	"github.com/tsctl/tsctl/internal/mirror"
)

// API is the remote platform surface the engine consumes. *transport.Client
// implements it; tests substitute stubs.
type API interface {
	GetRulesets(ctx context.Context) ([]map[string]any, error)
	GetRuleset(ctx context.Context, rulesetID string) (map[string]any, error)
	GetRulesetRules(ctx context.Context, rulesetID string) ([]map[string]any, error)
	GetRule(ctx context.Context, rulesetID, ruleID string) (map[string]any, error)
	GetRuleTags(ctx context.Context, ruleID string) (map[string]any, error)
	PutRuleset(ctx context.Context, rulesetID string, data map[string]any) (map[string]any, error)
	PutRule(ctx context.Context, rulesetID, ruleID string, data map[string]any) (map[string]any, error)
	PostRuleset(ctx context.Context, data map[string]any) (string, map[string]any, error)
	PostRule(ctx context.Context, rulesetID string, data map[string]any) (string, map[string]any, error)
	PostTags(ctx context.Context, ruleID string, data map[string]any) (map[string]any, error)
	DeleteRule(ctx context.Context, rulesetID, ruleID string) error
	DeleteRuleset(ctx context.Context, rulesetID string) error
}

// Recorder receives completed refresh and push outcomes. The audit package
// provides the sqlite-backed implementation; a nil Recorder disables history.
type Recorder interface {
	RecordRefresh(orgID string, rulesets, rules int, took time.Duration, opErr error)
	RecordPush(orgID string, rulesets int, took time.Duration, opErr error)
}

// Engine is the per-organization facade. It bundles the organization's
// mirror, its transport client, and a reference to the shared ledger store.
type Engine struct {
	orgID  string
	api    API
	mirror *mirror.Mirror
	store  *ledger.Store
	lazy   bool
	audit  Recorder
}

// Options configure a single Engine.
type Options struct {
	OrgID    string
	StateDir string
	API      API
	Store    *ledger.Store
	Lazy     bool
	Audit    Recorder // optional
}

// New constructs an Engine. The organization's mirror directory is created
// when absent; callers wanting the lazy-create-then-refresh behavior go
// through a Registry instead.
func New(opts Options) (*Engine, error) {
	if opts.OrgID == "" {
		return nil, fmt.Errorf("engine: empty organization id")
	}
	if opts.API == nil || opts.Store == nil {
		return nil, fmt.Errorf("engine: org %s: missing API or ledger store", opts.OrgID)
	}
	m, err := mirror.New(opts.StateDir, opts.OrgID)
	if err != nil {
		return nil, err
	}
	return &Engine{
		orgID:  opts.OrgID,
		api:    opts.API,
		mirror: m,
		store:  opts.Store,
		lazy:   opts.Lazy,
		audit:  opts.Audit,
	}, nil
}

// OrgID returns the organization this engine serves.
func (e *Engine) OrgID() string { return e.orgID }

// Mirror exposes the organization's filesystem mirror for read-oriented
// callers (the CLI edit verb, list rendering).
func (e *Engine) Mirror() *mirror.Mirror { return e.mirror }

// Store exposes the shared ledger store.
func (e *Engine) Store() *ledger.Store { return e.store }

// maybePush runs push when the engine is in eager mode.
func (e *Engine) maybePush(ctx context.Context) error {
	if e.lazy {
		return nil
	}
	return e.Push(ctx)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Registry hands out one Engine per organization per process, so every
// caller referencing the same org observes the same mirror and ledger.
// First reference to an organization with no mirror directory creates it
// and runs an initial refresh.
type Registry struct {
	stateDir string
	store    *ledger.Store
	newAPI   func(orgID string) API
	lazy     bool
	audit    Recorder

	mu      sync.Mutex
	engines *xsync.Map[string, *Engine]
}

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	StateDir string
	Store    *ledger.Store
	NewAPI   func(orgID string) API
	Lazy     bool
	Audit    Recorder
}

// NewRegistry constructs an empty Registry.
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		stateDir: opts.StateDir,
		store:    opts.Store,
		newAPI:   opts.NewAPI,
		lazy:     opts.Lazy,
		audit:    opts.Audit,
		engines:  xsync.NewMap[string, *Engine](),
	}
}

// Get returns the organization's engine, constructing it on first use. A
// brand-new organization (no mirror directory yet) is refreshed before the
// engine is handed out.
func (r *Registry) Get(ctx context.Context, orgID string) (*Engine, error) {
	if e, ok := r.engines.Load(orgID); ok {
		return e, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines.Load(orgID); ok {
		return e, nil
	}

	orgDir := mirror.OrgDirPath(r.stateDir, orgID)
	_, statErr := os.Stat(orgDir)
	fresh := os.IsNotExist(statErr)

	e, err := New(Options{
		OrgID:    orgID,
		StateDir: r.stateDir,
		API:      r.newAPI(orgID),
		Store:    r.store,
		Lazy:     r.lazy,
		Audit:    r.audit,
	})
	if err != nil {
		return nil, err
	}
	if fresh {
		log.Printf("[engine] org %s has no local mirror, running initial refresh", orgID)
		if err := e.Refresh(ctx); err != nil {
			os.Remove(orgDir)
			return nil, err
		}
	}
	r.engines.Store(orgID, e)
	return e, nil
}
