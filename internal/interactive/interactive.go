// Package interactive drives a text-based login program inside a tenant's
// container through its multi-step handshake. The caller is unblocked as
// soon as the login URL appears; a detached supervisor keeps owning the
// process handle and advances the handshake in the background.
package interactive

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/sessiond/internal/config"
	"github.com/gluk-w/sessiond/internal/credstore"
	"github.com/gluk-w/sessiond/internal/execchannel"
	"github.com/gluk-w/sessiond/internal/faults"
	"github.com/gluk-w/sessiond/internal/lifecycle"
	"github.com/gluk-w/sessiond/internal/logutil"
)

const (
	// ProviderAssistant keys credentials produced by the interactive flow.
	ProviderAssistant = "assistant"

	// credentialsFile is where the login program drops its tokens inside
	// the container. The workspace bootstrap symlinks it onto the volume.
	credentialsFile = "/root/.assistant/.credentials.json"
)

var loginCommand = []string{"assistant", "login"}

// classifyWindowLimit bounds the rolling buffer of unrecognized output the
// supervisor classifies against.
const classifyWindowLimit = 4 * 1024

// ContainerResolver finds the running container for a tenant.
type ContainerResolver interface {
	GetSession(ctx context.Context, tenantID string) (*lifecycle.Session, error)
}

// Status is the caller-facing snapshot of an AuthSession.
type Status struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	URL       string    `json:"url,omitempty"`
	Message   string    `json:"message,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// AuthSession is the lifecycle record of one in-progress handshake.
type AuthSession struct {
	id        string
	tenantID  string
	provider  string
	startedAt time.Time

	mu      sync.Mutex
	state   State
	url     string
	message string
	changed chan struct{}

	codeCh   chan string
	codeBusy bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newAuthSession(tenantID, provider string) *AuthSession {
	return &AuthSession{
		id:        uuid.NewString(),
		tenantID:  tenantID,
		provider:  provider,
		startedAt: time.Now(),
		state:     StateInit,
		changed:   make(chan struct{}),
		codeCh:    make(chan string, 1),
		done:      make(chan struct{}),
	}
}

func (a *AuthSession) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// advance moves the state forward. Transitions are monotonic: requests to
// move backwards or past a terminal state are ignored.
func (a *AuthSession) advance(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Terminal() || s <= a.state {
		return
	}
	a.state = s
	a.notifyLocked()
}

func (a *AuthSession) setURL(url string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.url == "" {
		a.url = url
	}
}

func (a *AuthSession) succeed(message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Terminal() {
		return
	}
	a.state = StateLoginSuccessful
	a.message = message
	a.notifyLocked()
}

// fail forces the failed terminal state. A session that already succeeded
// stays successful.
func (a *AuthSession) fail(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Terminal() {
		return
	}
	a.state = StateLoginFailed
	a.message = reason
	a.notifyLocked()
}

func (a *AuthSession) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}

// waitUntil blocks until pred holds, the session turns terminal, or timeout
// elapses, and returns the state observed last.
func (a *AuthSession) waitUntil(timeout time.Duration, pred func(State) bool) State {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		a.mu.Lock()
		s := a.state
		ch := a.changed
		a.mu.Unlock()
		if s.Terminal() || pred(s) {
			return s
		}
		select {
		case <-ch:
		case <-deadline.C:
			return a.State()
		}
	}
}

func (a *AuthSession) snapshot() *Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &Status{
		ID:        a.id,
		State:     a.state.String(),
		URL:       a.url,
		Message:   a.message,
		StartedAt: a.startedAt,
	}
}

type Manager struct {
	exec       *execchannel.Channel
	creds      *credstore.Store
	containers ContainerResolver

	// StageTimeout bounds each wait stage (URL wait, code wait); the
	// supervisor grants one extra grace period before forced termination.
	StageTimeout time.Duration
	// PollInterval is the per-read wait bound, independent from the
	// stage timeout.
	PollInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*AuthSession
}

func NewManager(exec *execchannel.Channel, creds *credstore.Store, containers ContainerResolver) *Manager {
	stage := config.Cfg.AuthStageTimeout
	if stage <= 0 {
		stage = 60 * time.Second
	}
	poll := config.Cfg.OutputPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Manager{
		exec:         exec,
		creds:        creds,
		containers:   containers,
		StageTimeout: stage,
		PollInterval: poll,
		sessions:     make(map[string]*AuthSession),
	}
}

func sessionKey(tenantID, provider string) string { return tenantID + "/" + provider }

func (m *Manager) lookup(tenantID, provider string) *AuthSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey(tenantID, provider)]
}

// Authenticate starts the interactive login for a tenant and returns as soon
// as there is something to show the user: the login URL, a terminal outcome,
// or a note to poll while the handshake keeps running in the background.
func (m *Manager) Authenticate(ctx context.Context, tenantID string) (*Status, error) {
	key := sessionKey(tenantID, ProviderAssistant)

	m.mu.Lock()
	if existing := m.sessions[key]; existing != nil && !existing.State().Terminal() {
		m.mu.Unlock()
		return nil, faults.New(faults.KindConflict, "authentication already in progress for tenant %s", logutil.SanitizeForLog(tenantID))
	}
	a := newAuthSession(tenantID, ProviderAssistant)
	m.sessions[key] = a
	m.mu.Unlock()

	drop := func() {
		m.mu.Lock()
		if m.sessions[key] == a {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
	}

	// A valid stored credential short-circuits the whole handshake.
	if cred, err := m.creds.Get(tenantID, ProviderAssistant); err == nil && !cred.Expired() {
		a.succeed("already authenticated")
		close(a.done)
		return a.snapshot(), nil
	}

	sess, err := m.containers.GetSession(ctx, tenantID)
	if err != nil {
		drop()
		return nil, err
	}

	h, err := m.exec.Execute(ctx, sess.ContainerID, loginCommand, execchannel.Options{TTY: true, WorkDir: "/workspace"})
	if err != nil {
		drop()
		return nil, faults.Wrap(faults.KindTransient, err, "spawn login program for tenant %s", logutil.SanitizeForLog(tenantID))
	}

	// Hand the process handle to the detached supervisor; it is the sole
	// owner from here on and must terminate it on every exit path.
	sctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	handoff := make(chan *execchannel.Handle, 1)
	handoff <- h
	go m.supervise(sctx, a, sess.ContainerID, handoff)

	st := a.waitUntil(m.StageTimeout, func(s State) bool { return s >= StateUrlProvided })
	snap := a.snapshot()
	if !st.Terminal() && st < StateUrlProvided {
		snap.Message = "login still starting; poll the authentication status"
	}
	return snap, nil
}

// supervise owns the login process until a terminal state. It reads output
// chunks, classifies them, feeds scripted responses past the preliminary
// prompts, relays submitted codes, and enforces the stage timeout with one
// grace period.
func (m *Manager) supervise(ctx context.Context, a *AuthSession, containerID string, handoff <-chan *execchannel.Handle) {
	h := <-handoff
	defer close(a.done)
	defer h.Terminate()

	deadline := time.Now().Add(m.StageTimeout)
	graceGranted := false
	scripted := false
	window := ""

	for {
		if ctx.Err() != nil {
			a.fail("aborted")
			return
		}

		chunk, err := h.ReadOutput(ctx, m.PollInterval)
		if err != nil {
			if errors.Is(err, execchannel.ErrStreamBroken) {
				a.fail("login output stream broken")
			} else {
				a.fail("aborted")
			}
			return
		}

		if chunk != "" {
			a.advance(StateHandshakeAck)
			if !scripted {
				// One carriage return accepts the preliminary prompts
				// (theme pick, account-login method) without user input.
				if err := h.WriteStdin("\r"); err != nil {
					log.Printf("Scripted response for tenant %s: %v", logutil.SanitizeForLog(a.tenantID), err)
				}
				scripted = true
				a.advance(StateMethodSelected)
				a.advance(StateAwaitingUrl)
			}

			// Markers may arrive split across reads, so classification
			// runs on the accumulated unrecognized output, not the bare
			// chunk. Recognizing a marker consumes the window.
			window += chunk
			if len(window) > classifyWindowLimit {
				window = window[len(window)-classifyWindowLimit:]
			}
			switch marker := Classify(window); marker.Kind {
			case MarkerURL:
				a.setURL(marker.URL)
				a.advance(StateUrlProvided)
				deadline = time.Now().Add(m.StageTimeout)
				window = ""
			case MarkerCodePrompt:
				a.advance(StateAwaitingCode)
				deadline = time.Now().Add(m.StageTimeout)
				window = ""
			case MarkerSuccess:
				m.finishSuccess(ctx, a, containerID, h.Transcript())
				return
			case MarkerFailure:
				a.fail(marker.Reason)
				return
			}
		}

		select {
		case code := <-a.codeCh:
			if err := h.WriteStdin(code + "\r"); err != nil {
				a.fail("cannot deliver code to login program")
				return
			}
			a.advance(StateCodeSubmitted)
			deadline = time.Now().Add(m.StageTimeout)
		default:
		}

		if running, _, err := h.ExitStatus(ctx); err == nil && !running {
			// Exited without a recognizable banner. Stored credentials
			// decide whether it quietly succeeded.
			if m.storeCredentials(ctx, a.tenantID, containerID, h.Transcript()) {
				a.succeed("login successful")
			} else {
				a.fail("login program exited unexpectedly: " + transcriptTail(h.Transcript()))
			}
			return
		}

		if time.Now().After(deadline) {
			if !graceGranted {
				graceGranted = true
				deadline = time.Now().Add(m.StageTimeout)
				log.Printf("Auth stage timeout for tenant %s in state %s, granting grace period", logutil.SanitizeForLog(a.tenantID), a.State())
				continue
			}
			a.fail("timed out waiting for user action")
			return
		}
	}
}

func (m *Manager) finishSuccess(ctx context.Context, a *AuthSession, containerID, transcript string) {
	if m.storeCredentials(ctx, a.tenantID, containerID, transcript) {
		a.succeed("login successful")
		return
	}
	// The banner appeared but the credential material is missing; report it
	// rather than pretending the handshake stored something.
	a.succeed("login successful, but no credential material could be stored")
}

// storeCredentials extracts the freshly minted credential, preferring the
// known file inside the container over the captured output, and puts it in
// the store.
func (m *Manager) storeCredentials(ctx context.Context, tenantID, containerID, transcript string) bool {
	out, code, err := m.exec.Run(ctx, containerID, []string{"cat", credentialsFile}, execchannel.Options{})
	if err == nil && code == 0 {
		if cred, ok := parseCredentialFile(out); ok {
			if err := m.creds.Put(tenantID, ProviderAssistant, cred); err != nil {
				log.Printf("Store credential for tenant %s: %v", logutil.SanitizeForLog(tenantID), err)
				return false
			}
			return true
		}
	}

	if cred, ok := parseCredentialOutput(transcript); ok {
		if err := m.creds.Put(tenantID, ProviderAssistant, cred); err != nil {
			log.Printf("Store credential for tenant %s: %v", logutil.SanitizeForLog(tenantID), err)
			return false
		}
		return true
	}
	return false
}

// credentialFile mirrors the login program's on-disk credential layout.
type credentialFile struct {
	OAuth struct {
		AccessToken  string   `json:"accessToken"`
		RefreshToken string   `json:"refreshToken"`
		ExpiresAt    int64    `json:"expiresAt"`
		Scopes       []string `json:"scopes"`
		Subject      string   `json:"subject"`
	} `json:"oauth"`
}

func parseCredentialFile(raw string) (credstore.Credential, bool) {
	start := strings.Index(raw, "{")
	if start < 0 {
		return credstore.Credential{}, false
	}
	var f credentialFile
	if err := json.Unmarshal([]byte(raw[start:]), &f); err != nil || f.OAuth.AccessToken == "" {
		return credstore.Credential{}, false
	}
	return credstore.Credential{
		AccessToken:  f.OAuth.AccessToken,
		RefreshToken: f.OAuth.RefreshToken,
		ExpiresAt:    f.OAuth.ExpiresAt,
		Scopes:       f.OAuth.Scopes,
		Subject:      f.OAuth.Subject,
	}, true
}

var (
	accessTokenPattern  = regexp.MustCompile(`"accessToken"\s*:\s*"([^"]+)"`)
	refreshTokenPattern = regexp.MustCompile(`"refreshToken"\s*:\s*"([^"]+)"`)
)

func parseCredentialOutput(transcript string) (credstore.Credential, bool) {
	match := accessTokenPattern.FindStringSubmatch(transcript)
	if match == nil {
		return credstore.Credential{}, false
	}
	cred := credstore.Credential{AccessToken: match[1]}
	if r := refreshTokenPattern.FindStringSubmatch(transcript); r != nil {
		cred.RefreshToken = r[1]
	}
	return cred, true
}

func transcriptTail(transcript string) string {
	transcript = strings.TrimSpace(ansiPattern.ReplaceAllString(transcript, ""))
	if len(transcript) > 200 {
		transcript = transcript[len(transcript)-200:]
	}
	return transcript
}

// SubmitCode relays the user's authorization code to the login program and
// waits up to the stage timeout for a terminal outcome. A second concurrent
// submission for the same tenant is rejected.
func (m *Manager) SubmitCode(ctx context.Context, tenantID, code string) (*Status, error) {
	a := m.lookup(tenantID, ProviderAssistant)
	if a == nil {
		return nil, faults.New(faults.KindNotFound, "no authentication in progress for tenant %s", logutil.SanitizeForLog(tenantID))
	}

	a.mu.Lock()
	if a.state.Terminal() {
		a.mu.Unlock()
		return a.snapshot(), nil
	}
	if a.codeBusy {
		a.mu.Unlock()
		return nil, faults.New(faults.KindConflict, "a code submission is already being processed for tenant %s", logutil.SanitizeForLog(tenantID))
	}
	a.codeBusy = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.codeBusy = false
		a.mu.Unlock()
	}()

	select {
	case a.codeCh <- code:
	default:
		return nil, faults.New(faults.KindConflict, "a code is already queued for tenant %s", logutil.SanitizeForLog(tenantID))
	}

	st := a.waitUntil(m.StageTimeout, func(s State) bool { return s.Terminal() })
	if !st.Terminal() {
		return a.snapshot(), faults.New(faults.KindUserTimeout,
			"code submitted, login still in progress; poll the authentication status")
	}
	return a.snapshot(), nil
}

// Status reports the current state of the tenant's handshake.
func (m *Manager) Status(tenantID string) (*Status, error) {
	a := m.lookup(tenantID, ProviderAssistant)
	if a == nil {
		return nil, faults.New(faults.KindNotFound, "no authentication session for tenant %s", logutil.SanitizeForLog(tenantID))
	}
	return a.snapshot(), nil
}

// AbortAuth cancels the in-flight handshake, terminating the underlying
// process. Aborting a finished or absent handshake is not an error.
func (m *Manager) AbortAuth(ctx context.Context, tenantID string) error {
	a := m.lookup(tenantID, ProviderAssistant)
	if a == nil {
		return nil
	}
	if a.State().Terminal() {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	select {
	case <-a.done:
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
	}
	a.fail("aborted")
	return nil
}
