package api

import (
	"net/http"

	"github.com/tsctl/tsctl/internal/engine"
)

// HandleCreateRuleset creates a ruleset from the request body payload.
func HandleCreateRuleset(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data map[string]any
		if !decodeBody(w, r, &data) {
			return
		}
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		id, err := e.CreateRuleset(r.Context(), data)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
	})
}

// HandleUpdateRuleset overwrites a ruleset's JSON.
func HandleUpdateRuleset(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data map[string]any
		if !decodeBody(w, r, &data) {
			return
		}
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := e.UpdateRuleset(r.Context(), r.PathValue("ruleset"), data); err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("ruleset")})
	})
}

// HandleDeleteRuleset removes a ruleset and records the pending remote
// deletion.
func HandleDeleteRuleset(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := e.DeleteRuleset(r.Context(), r.PathValue("ruleset")); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// HandleCreateRule creates a rule (and optional tags) under a ruleset.
func HandleCreateRule(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Rule map[string]any `json:"rule"`
			Tags map[string]any `json:"tags"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Rule == nil {
			writeInvalidArgument(w, "rule: must be an object")
			return
		}
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		id, err := e.CreateRule(r.Context(), r.PathValue("ruleset"), req.Rule, req.Tags)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
	})
}

// HandleUpdateRule overwrites a rule's JSON, locating it by ID.
func HandleUpdateRule(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data map[string]any
		if !decodeBody(w, r, &data) {
			return
		}
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := e.UpdateRule(r.Context(), r.PathValue("rule"), data); err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("rule")})
	})
}

// HandleCreateTags overwrites a rule's tags.
func HandleCreateTags(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data map[string]any
		if !decodeBody(w, r, &data) {
			return
		}
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := e.CreateTags(r.Context(), r.PathValue("rule"), data); err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"id": r.PathValue("rule")})
	})
}

// HandleDeleteRule removes a rule and records the deletion.
func HandleDeleteRule(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if err := e.DeleteRule(r.Context(), r.PathValue("rule")); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// HandleCopyRule copies a rule into another ruleset, optionally in another
// organization.
func HandleCopyRule(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DstRuleset string `json:"dst_ruleset"`
			DstOrg     string `json:"dst_org"`
			Postfix    string `json:"postfix"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.DstRuleset == "" {
			writeInvalidArgument(w, "dst_ruleset: must not be empty")
			return
		}
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}

		var id string
		if req.DstOrg == "" || req.DstOrg == e.OrgID() {
			id, err = e.CopyRule(r.Context(), r.PathValue("rule"), req.DstRuleset, req.Postfix)
		} else {
			var dst *engine.Engine
			dst, err = reg.Get(r.Context(), req.DstOrg)
			if err == nil {
				id, err = e.CopyRuleOut(r.Context(), r.PathValue("rule"), req.DstRuleset, dst, req.Postfix)
			}
		}
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
	})
}

// HandleCopyRuleset deep-copies a ruleset, optionally into another
// organization.
func HandleCopyRuleset(reg *engine.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DstOrg  string `json:"dst_org"`
			Postfix string `json:"postfix"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		e, err := reg.Get(r.Context(), r.PathValue("org"))
		if err != nil {
			writeEngineError(w, err)
			return
		}

		var id string
		if req.DstOrg == "" || req.DstOrg == e.OrgID() {
			id, err = e.CopyRuleset(r.Context(), r.PathValue("ruleset"), req.Postfix)
		} else {
			var dst *engine.Engine
			dst, err = reg.Get(r.Context(), req.DstOrg)
			if err == nil {
				id, err = e.CopyRulesetOut(r.Context(), r.PathValue("ruleset"), dst, req.Postfix)
			}
		}
		if err != nil {
			writeEngineError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
	})
}
