package api

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/tsctl/tsctl/internal/audit"
	"github.com/tsctl/tsctl/internal/engine"
	"github.com/tsctl/tsctl/internal/ledger"
)

// Server wraps the HTTP server and mux for the tsctld API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates an API server wired with all routes. history may be nil
// when the audit database is disabled.
func NewServer(
	listenAddress string,
	port int,
	adminToken string,
	reg *engine.Registry,
	store *ledger.Store,
	history *audit.Log,
	apiMaxBodyBytes int64,
) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	// Authenticated routes
	authed := http.NewServeMux()
	authed.Handle("GET /api/v1/plan", HandlePlan(store))
	authed.Handle("GET /api/v1/workspace", HandleGetWorkspace(store))
	authed.Handle("PUT /api/v1/workspace", HandleSetWorkspace(store))

	authed.Handle("POST /api/v1/orgs/{org}/actions/refresh", HandleRefresh(reg))
	authed.Handle("POST /api/v1/orgs/{org}/actions/push", HandlePush(reg))
	authed.Handle("GET /api/v1/orgs/{org}/list", HandleList(reg))

	authed.Handle("POST /api/v1/orgs/{org}/rulesets", HandleCreateRuleset(reg))
	authed.Handle("PUT /api/v1/orgs/{org}/rulesets/{ruleset}", HandleUpdateRuleset(reg))
	authed.Handle("DELETE /api/v1/orgs/{org}/rulesets/{ruleset}", HandleDeleteRuleset(reg))
	authed.Handle("POST /api/v1/orgs/{org}/rulesets/{ruleset}/actions/copy", HandleCopyRuleset(reg))

	authed.Handle("POST /api/v1/orgs/{org}/rulesets/{ruleset}/rules", HandleCreateRule(reg))
	authed.Handle("PUT /api/v1/orgs/{org}/rules/{rule}", HandleUpdateRule(reg))
	authed.Handle("PUT /api/v1/orgs/{org}/rules/{rule}/tags", HandleCreateTags(reg))
	authed.Handle("DELETE /api/v1/orgs/{org}/rules/{rule}", HandleDeleteRule(reg))
	authed.Handle("POST /api/v1/orgs/{org}/rules/{rule}/actions/copy", HandleCopyRule(reg))

	if history != nil {
		authed.Handle("GET /api/v1/history", HandleListHistory(history))
	}

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
	}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}
