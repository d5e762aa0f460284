package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sessiond/internal/config"
	"github.com/gluk-w/sessiond/internal/crypto"
	"github.com/gluk-w/sessiond/internal/deviceflow"
	"github.com/gluk-w/sessiond/internal/execchannel"
	"github.com/gluk-w/sessiond/internal/faults"
	"github.com/gluk-w/sessiond/internal/logutil"
)

const providerGithub = "github"

// githubFlows tracks which tenants have a device-authorization poll in
// flight so a second request is rejected instead of interleaved.
type githubFlows struct {
	mu       sync.Mutex
	inFlight map[string]bool
}

func newGithubFlows() githubFlows {
	return githubFlows{inFlight: make(map[string]bool)}
}

func (g *githubFlows) start(tenant string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[tenant] {
		return false
	}
	g.inFlight[tenant] = true
	return true
}

func (g *githubFlows) finish(tenant string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, tenant)
}

type deviceAuthResponse struct {
	Status          string `json:"status"`
	VerificationURI string `json:"verification_uri,omitempty"`
	UserCode        string `json:"user_code,omitempty"`
	ExpiresAt       string `json:"expires_at,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
}

// AuthenticateGithub starts the OAuth2 device-authorization flow and returns
// the code and URL the user must visit. Token polling continues in the
// background; the credential appears in the store once the user approves.
func (api *API) AuthenticateGithub(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)

	if cred, err := api.Creds.Get(tenant, providerGithub); err == nil && !cred.Expired() {
		writeJSON(w, http.StatusOK, deviceAuthResponse{Status: "already_authenticated"})
		return
	}
	if api.githubAlreadyAuthenticated(r.Context(), tenant) {
		writeJSON(w, http.StatusOK, deviceAuthResponse{Status: "already_authenticated"})
		return
	}

	provider, ok := config.FindProvider(api.Providers, providerGithub)
	if !ok {
		writeFault(w, faults.New(faults.KindPermanent, "no github provider configured"))
		return
	}

	if !api.github.start(tenant) {
		writeFault(w, faults.New(faults.KindConflict, "github authorization already in progress for tenant %s", logutil.SanitizeForLog(tenant)))
		return
	}

	client := deviceflow.New(provider)
	auth, err := client.StartDeviceAuth(r.Context())
	if err != nil {
		api.github.finish(tenant)
		writeFault(w, err)
		return
	}

	go func() {
		defer api.github.finish(tenant)
		ctx, cancel := context.WithDeadline(context.Background(), auth.ExpiresAt.Add(time.Minute))
		defer cancel()

		cred, err := client.PollForToken(ctx, auth)
		if err != nil {
			log.Printf("Github device flow for tenant %s: %v", logutil.SanitizeForLog(tenant), err)
			return
		}
		if err := api.Creds.Put(tenant, providerGithub, cred); err != nil {
			log.Printf("Store github credential for tenant %s: %v", logutil.SanitizeForLog(tenant), err)
			return
		}
		log.Printf("Github credential stored for tenant %s (token %s)", logutil.SanitizeForLog(tenant), crypto.Mask(cred.AccessToken))
	}()

	writeJSON(w, http.StatusOK, deviceAuthResponse{
		Status:          "pending",
		VerificationURI: auth.VerificationURI,
		UserCode:        auth.UserCode,
		ExpiresAt:       auth.ExpiresAt.UTC().Format(time.RFC3339),
		IntervalSeconds: int(auth.Interval / time.Second),
	})
}

// githubAlreadyAuthenticated probes `gh auth status` inside the tenant's
// container. Best-effort: no session or a failed probe simply means the
// flow proceeds.
func (api *API) githubAlreadyAuthenticated(ctx context.Context, tenant string) bool {
	sess, err := api.Lifecycle.GetSession(ctx, tenant)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, code, err := api.Exec.Run(probeCtx, sess.ContainerID, []string{"gh", "auth", "status"}, execchannel.Options{})
	return err == nil && code == 0
}

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

type cloneRequest struct {
	Repository string `json:"repository"`
	TargetDir  string `json:"target_dir"`
}

// CloneRepository clones an owner/repo reference into the tenant's
// workspace using the stored github credential.
func (api *API) CloneRepository(w http.ResponseWriter, r *http.Request) {
	tenant := tenantID(r)

	var req cloneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !repoPattern.MatchString(req.Repository) {
		writeError(w, http.StatusBadRequest, "repository must be an owner/repo reference")
		return
	}
	target := req.TargetDir
	if target == "" {
		target = path.Base(req.Repository)
	}
	if strings.Contains(target, "..") || strings.HasPrefix(target, "/") {
		writeError(w, http.StatusBadRequest, "target_dir must be a relative path inside the workspace")
		return
	}

	sess, err := api.Lifecycle.GetSession(r.Context(), tenant)
	if err != nil {
		writeFault(w, err)
		return
	}

	cred, err := api.Creds.Get(tenant, providerGithub)
	if err != nil {
		if faults.KindOf(err) == faults.KindNotFound {
			writeError(w, http.StatusBadRequest, "authenticate with github before cloning")
			return
		}
		writeFault(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	out, code, err := api.Exec.Run(ctx, sess.ContainerID, []string{"gh", "repo", "clone", req.Repository, target}, execchannel.Options{
		WorkDir: "/workspace",
		Env:     []string{"GH_TOKEN=" + cred.AccessToken},
	})
	if err != nil {
		writeFault(w, err)
		return
	}
	if code != 0 {
		writeError(w, http.StatusBadGateway, "clone failed: "+tail(out))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cloned", "target_dir": target})
}

func tail(out string) string {
	out = strings.TrimSpace(out)
	if len(out) > 300 {
		out = out[len(out)-300:]
	}
	return out
}

// credential listing / logout

func (api *API) ListCredentials(w http.ResponseWriter, r *http.Request) {
	providers, err := api.Creds.List(tenantID(r))
	if err != nil {
		writeFault(w, err)
		return
	}
	if providers == nil {
		providers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"providers": providers})
}

func (api *API) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	provider := strings.TrimSpace(strings.ToLower(chi.URLParam(r, "provider")))
	if err := api.Creds.Delete(tenantID(r), provider); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
