package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gluk-w/sessiond/internal/faults"
)

// AuthenticateAssistant starts the interactive login handshake and returns
// as soon as the login URL is available. The handshake keeps running in the
// background; callers poll AssistantAuthStatus for progress.
func (api *API) AuthenticateAssistant(w http.ResponseWriter, r *http.Request) {
	st, err := api.Auth.Authenticate(r.Context(), tenantID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type submitCodeRequest struct {
	Code string `json:"code"`
}

// SubmitAuthCode relays the user's authorization code into the login
// program and waits a bounded time for the outcome.
func (api *API) SubmitAuthCode(w http.ResponseWriter, r *http.Request) {
	var req submitCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	st, err := api.Auth.SubmitCode(r.Context(), tenantID(r), req.Code)
	if err != nil {
		if faults.KindOf(err) == faults.KindUserTimeout && st != nil {
			// Not a failure: the handshake may still finish. Tell the
			// caller to poll instead of assuming the worst.
			writeJSON(w, http.StatusAccepted, st)
			return
		}
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (api *API) AssistantAuthStatus(w http.ResponseWriter, r *http.Request) {
	st, err := api.Auth.Status(tenantID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (api *API) AbortAssistantAuth(w http.ResponseWriter, r *http.Request) {
	if err := api.Auth.AbortAuth(r.Context(), tenantID(r)); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}
