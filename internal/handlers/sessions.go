package handlers

import (
	"net/http"
)

// StartSession ensures the tenant has a running session container. Calling
// it again for the same tenant returns the existing session.
func (api *API) StartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := api.Lifecycle.CreateSession(r.Context(), tenantID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (api *API) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := api.Lifecycle.GetSession(r.Context(), tenantID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// ClearSession aborts any in-flight authentication, then removes the
// container and its volume. Stored credentials are untouched; their lifetime
// is independent of the session's.
func (api *API) ClearSession(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)

	if err := api.Auth.AbortAuth(r.Context(), tenant); err != nil {
		writeFault(w, err)
		return
	}
	if err := api.Lifecycle.RemoveSession(r.Context(), tenant, true); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
