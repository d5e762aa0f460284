// Package handlers is the HTTP boundary. It exposes the operations the chat
// front-end consumes and maps the internal error taxonomy onto statuses.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gluk-w/sessiond/internal/config"
	"github.com/gluk-w/sessiond/internal/credstore"
	"github.com/gluk-w/sessiond/internal/execchannel"
	"github.com/gluk-w/sessiond/internal/interactive"
	"github.com/gluk-w/sessiond/internal/lifecycle"
)

type API struct {
	Lifecycle *lifecycle.Manager
	Auth      *interactive.Manager
	Creds     *credstore.Store
	Exec      *execchannel.Channel
	Providers []config.Provider

	github githubFlows
}

func New(lc *lifecycle.Manager, auth *interactive.Manager, creds *credstore.Store, exec *execchannel.Channel, providers []config.Provider) *API {
	return &API{
		Lifecycle: lc,
		Auth:      auth,
		Creds:     creds,
		Exec:      exec,
		Providers: providers,
		github:    newGithubFlows(),
	}
}

func (api *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", api.Health)
	r.Get("/api/v1/logs", ServerLogs)
	r.Delete("/api/v1/logs", ClearServerLogs)

	r.Route("/api/v1/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/session", api.StartSession)
		r.Get("/session", api.GetSession)
		r.Delete("/session", api.ClearSession)

		r.Post("/auth/assistant", api.AuthenticateAssistant)
		r.Get("/auth/assistant", api.AssistantAuthStatus)
		r.Post("/auth/assistant/code", api.SubmitAuthCode)
		r.Delete("/auth/assistant", api.AbortAssistantAuth)

		r.Post("/auth/github", api.AuthenticateGithub)

		r.Post("/clone", api.CloneRepository)

		r.Get("/credentials", api.ListCredentials)
		r.Delete("/credentials/{provider}", api.DeleteCredential)
	})
	return r
}

func tenantID(r *http.Request) string {
	return chi.URLParam(r, "tenantID")
}
