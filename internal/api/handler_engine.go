package api

import (
	"net/http"

	"github.com/tsctl/tsctl/internal/engine"
	"github.com/tsctl/tsctl/internal/ledger"
)

// HandleHealthz reports liveness.
func HandleHealthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

// HandleRefresh runs a refresh for the organization in the path.
func HandleRefresh(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := e.Refresh(r.Context()); err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "refreshed", "org_id": e.OrgID()})
	})
}

// HandlePush runs a push for the organization in the path.
func HandlePush(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := e.Push(r.Context()); err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "pushed", "org_id": e.OrgID()})
	})
}

// HandlePlan returns the current ledger document plus its rendered form.
func HandlePlan(store *ledger.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc, err := store.Load()
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"plan":     doc,
			"rendered": engine.FormatPlan(doc, false),
		})
	})
}

// HandleGetWorkspace returns the currently selected organization.
func HandleGetWorkspace(store *ledger.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc, err := store.Load()
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"workspace": doc.Workspace})
	})
}

// HandleSetWorkspace selects the workspace organization.
func HandleSetWorkspace(store *ledger.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Workspace string `json:"workspace"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Workspace == "" {
			writeInvalidArgument(w, "workspace: must not be empty")
			return
		}
		if err := store.Update(func(d *ledger.Document) error {
			d.Workspace = req.Workspace
			return nil
		}); err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"workspace": req.Workspace})
	})
}

// listedRule is one rule in the mirror listing.
type listedRule struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// listedRuleset is one ruleset in the mirror listing.
type listedRuleset struct {
	ID    string       `json:"id"`
	Name  string       `json:"name"`
	Rules []listedRule `json:"rules"`
}

// HandleList renders the organization's mirror as structured JSON.
func HandleList(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		m := e.Mirror()

		rulesetIDs, err := m.ListRulesets()
		if err != nil {
			writeEngineError(w, err)
			return
		}
		out := make([]listedRuleset, 0, len(rulesetIDs))
		for _, rulesetID := range rulesetIDs {
			data, err := m.ReadRuleset(rulesetID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			rs := listedRuleset{ID: rulesetID, Name: stringField(data, "name"), Rules: []listedRule{}}

			ruleIDs, err := m.ListRules(rulesetID)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			for _, ruleID := range ruleIDs {
				rule, err := m.ReadRule(rulesetID, ruleID)
				if err != nil {
					writeEngineError(w, err)
					return
				}
				rs.Rules = append(rs.Rules, listedRule{ID: ruleID, Name: stringField(rule, "name")})
			}
			out = append(out, rs)
		}
		WriteJSON(w, http.StatusOK, map[string]any{"org_id": e.OrgID(), "rulesets": out})
	})
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
