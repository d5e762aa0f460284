package interactive

import (
	"regexp"
	"strings"
)

// State is one step of the login handshake. States only move forward; the
// two terminal states are reachable from any non-terminal one.
type State int

const (
	StateInit State = iota
	StateHandshakeAck
	StateMethodSelected
	StateAwaitingUrl
	StateUrlProvided
	StateAwaitingCode
	StateCodeSubmitted
	StateLoginSuccessful
	StateLoginFailed
)

var stateNames = map[State]string{
	StateInit:            "init",
	StateHandshakeAck:    "handshake_ack",
	StateMethodSelected:  "method_selected",
	StateAwaitingUrl:     "awaiting_url",
	StateUrlProvided:     "url_provided",
	StateAwaitingCode:    "awaiting_code",
	StateCodeSubmitted:   "code_submitted",
	StateLoginSuccessful: "login_successful",
	StateLoginFailed:     "login_failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) Terminal() bool {
	return s == StateLoginSuccessful || s == StateLoginFailed
}

// MarkerKind is the result of classifying one raw output chunk.
type MarkerKind int

const (
	MarkerUnknown MarkerKind = iota
	MarkerURL
	MarkerCodePrompt
	MarkerSuccess
	MarkerFailure
)

type Marker struct {
	Kind   MarkerKind
	URL    string
	Reason string
}

var (
	ansiPattern    = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	urlPattern     = regexp.MustCompile(`https://[^\s"'\)\]]+`)
	codePattern    = regexp.MustCompile(`(?i)paste (the )?code|enter (the |your )?(one-time )?code|authorization code`)
	successPattern = regexp.MustCompile(`(?i)login successful|logged in as|authentication (complete|successful)|successfully (logged in|authenticated)`)
	failurePattern = regexp.MustCompile(`(?i)login failed|authentication failed|access denied|invalid code|error:`)
)

// Classify maps a raw output chunk to the marker it carries, if any. All
// pattern knowledge about the login program's phrasing lives here; Unknown
// is the normal answer for a chunk whose marker has not fully arrived yet,
// not an error.
func Classify(chunk string) Marker {
	text := ansiPattern.ReplaceAllString(chunk, "")

	if m := failurePattern.FindString(text); m != "" {
		reason := strings.TrimSpace(firstLineContaining(text, m))
		if reason == "" {
			reason = m
		}
		return Marker{Kind: MarkerFailure, Reason: reason}
	}
	if successPattern.MatchString(text) {
		return Marker{Kind: MarkerSuccess}
	}
	if url := authURL(text); url != "" {
		return Marker{Kind: MarkerURL, URL: url}
	}
	if codePattern.MatchString(text) {
		return Marker{Kind: MarkerCodePrompt}
	}
	return Marker{Kind: MarkerUnknown}
}

// authURL picks the first URL that plausibly belongs to a login flow; the
// programs also print docs links we must not surface to the user.
func authURL(text string) string {
	for _, candidate := range urlPattern.FindAllString(text, -1) {
		candidate = strings.TrimRight(candidate, ".,;")
		lower := strings.ToLower(candidate)
		if strings.Contains(lower, "login") || strings.Contains(lower, "oauth") ||
			strings.Contains(lower, "auth") || strings.Contains(lower, "device") {
			return candidate
		}
	}
	return ""
}

func firstLineContaining(text, needle string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, needle) {
			return line
		}
	}
	return ""
}
