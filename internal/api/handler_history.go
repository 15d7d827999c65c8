package api

import (
	"net/http"
	"strconv"

	"github.com/tsctl/tsctl/internal/audit"
)

// HandleListHistory lists recorded refresh/push runs, newest first.
func HandleListHistory(history *audit.Log) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := audit.ListFilter{
			OrgID:     q.Get("org_id"),
			Operation: q.Get("operation"),
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeInvalidArgument(w, "limit: must be a non-negative integer")
				return
			}
			f.Limit = n
		}
		entries, err := history.List(f)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if entries == nil {
			entries = []audit.Entry{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"items": entries})
	})
}
