// Package deviceflow implements the OAuth2 device-authorization grant
// (RFC 8628) against a remote provider. It is a pure protocol engine with no
// container dependency; the orchestration layer persists the resulting token.
package deviceflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gluk-w/sessiond/internal/config"
	"github.com/gluk-w/sessiond/internal/credstore"
	"github.com/gluk-w/sessiond/internal/faults"
)

// DeviceAuth is the user-facing half of a pending device authorization.
type DeviceAuth struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresAt       time.Time
	Interval        time.Duration

	// pkce holds the verifier for this authorization. It never leaves
	// process memory; only the derived challenge is sent upstream.
	pkce *pkceParams
}

type Client struct {
	provider config.Provider
	http     *http.Client

	// SlowDownStep is added to the poll interval on a slow_down response.
	// RFC 8628 prescribes 5 seconds; tests shrink it.
	SlowDownStep time.Duration
}

func New(provider config.Provider) *Client {
	return &Client{
		provider:     provider,
		http:         &http.Client{Timeout: 30 * time.Second},
		SlowDownStep: 5 * time.Second,
	}
}

// NewWithHTTPClient is used by tests to point the engine at a fake provider.
func NewWithHTTPClient(provider config.Provider, hc *http.Client) *Client {
	c := New(provider)
	c.http = hc
	return c
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// StartDeviceAuth requests a device and user code pair from the provider and
// returns immediately with the code and URL the user must visit.
func (c *Client) StartDeviceAuth(ctx context.Context) (*DeviceAuth, error) {
	form := url.Values{}
	form.Set("client_id", c.provider.ClientID)
	if len(c.provider.Scopes) > 0 {
		form.Set("scope", strings.Join(c.provider.Scopes, " "))
	}

	var pkce *pkceParams
	if c.provider.UsePKCE {
		var err error
		pkce, err = newPKCEParams()
		if err != nil {
			return nil, fmt.Errorf("generate pkce params: %w", err)
		}
		form.Set("code_challenge", pkce.challenge)
		form.Set("code_challenge_method", "S256")
	}

	var resp deviceCodeResponse
	if err := c.postForm(ctx, c.provider.DeviceCodeURL, form, &resp); err != nil {
		return nil, err
	}
	if resp.DeviceCode == "" || resp.UserCode == "" || resp.VerificationURI == "" {
		return nil, faults.New(faults.KindProtocol, "device code response from %s is incomplete", c.provider.Name)
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = c.provider.PollInterval
	}

	expiresIn := time.Duration(resp.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 15 * time.Minute
	}

	return &DeviceAuth{
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		ExpiresAt:       time.Now().Add(expiresIn),
		Interval:        interval,
		pkce:            pkce,
	}, nil
}

// nextInterval computes the poll interval after a non-terminal token
// response. slow_down strictly increases it; anything else keeps it.
func nextInterval(current time.Duration, apiError string, step time.Duration) time.Duration {
	if apiError == "slow_down" {
		return current + step
	}
	return current
}

// PollForToken polls the token endpoint at the provider-specified interval
// until the user approves, denies, or the device code expires. The overall
// deadline derives from the authorization's expires_in window.
func (c *Client) PollForToken(ctx context.Context, auth *DeviceAuth) (credstore.Credential, error) {
	interval := auth.Interval

	for {
		if time.Now().After(auth.ExpiresAt) {
			return credstore.Credential{}, faults.New(faults.KindUserTimeout,
				"device code for %s expired before approval", c.provider.Name)
		}

		select {
		case <-ctx.Done():
			return credstore.Credential{}, faults.Wrap(faults.KindUserTimeout, ctx.Err(),
				"device authorization for %s abandoned", c.provider.Name)
		case <-time.After(interval):
		}

		form := url.Values{}
		form.Set("client_id", c.provider.ClientID)
		form.Set("device_code", auth.DeviceCode)
		form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
		if auth.pkce != nil {
			form.Set("code_verifier", auth.pkce.verifier)
		}

		var resp tokenResponse
		if err := c.postForm(ctx, c.provider.TokenURL, form, &resp); err != nil {
			return credstore.Credential{}, err
		}

		switch resp.Error {
		case "":
			if resp.AccessToken == "" {
				return credstore.Credential{}, faults.New(faults.KindProtocol,
					"token response from %s carries neither token nor error", c.provider.Name)
			}
			cred := credstore.Credential{
				AccessToken:  resp.AccessToken,
				RefreshToken: resp.RefreshToken,
			}
			if resp.ExpiresIn > 0 {
				cred.ExpiresAt = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli()
			}
			if resp.Scope != "" {
				cred.Scopes = strings.Fields(resp.Scope)
			} else {
				cred.Scopes = c.provider.Scopes
			}
			return cred, nil
		case "authorization_pending", "slow_down":
			interval = nextInterval(interval, resp.Error, c.SlowDownStep)
		case "expired_token":
			return credstore.Credential{}, faults.New(faults.KindUserTimeout,
				"device code for %s expired: %s", c.provider.Name, resp.ErrorDesc)
		case "access_denied":
			return credstore.Credential{}, faults.New(faults.KindPermanent,
				"user denied %s authorization", c.provider.Name)
		default:
			return credstore.Credential{}, faults.New(faults.KindProtocol,
				"unexpected token error from %s: %s (%s)", c.provider.Name, resp.Error, resp.ErrorDesc)
		}
	}
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "call %s", endpoint)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return faults.Wrap(faults.KindTransient, err, "read response from %s", endpoint)
	}
	if res.StatusCode >= 500 {
		return faults.New(faults.KindTransient, "%s returned %d", endpoint, res.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return faults.Protocolf(string(body), "decode response from %s", endpoint)
	}
	return nil
}
