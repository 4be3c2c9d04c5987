// Package webhook authenticates and normalizes inbound "issue created"
// events. Verification runs against the exact raw request bytes; parsing and
// validation happen only after the signature checks out.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

const signaturePrefix = "sha256="

// Issue is the canonical, validated issue record extracted from an event.
// Immutable once returned by Normalize.
type Issue struct {
	Number        int
	Title         string
	Body          string
	HTMLURL       string
	Owner         string
	Repo          string
	CloneURL      string
	DefaultBranch string
}

// FullName returns owner/repo.
func (i Issue) FullName() string {
	return i.Owner + "/" + i.Repo
}

// ValidationError reports a malformed or incomplete issue payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid issue payload: %s %s", e.Field, e.Reason)
}

// Verify reports whether signatureHeader is a valid HMAC-SHA256 signature of
// body under secret, in the "sha256=<hex>" header format. It never errors: a
// missing or malformed header is simply false. The comparison is
// constant-time.
func Verify(body []byte, signatureHeader, secret string) bool {
	if signatureHeader == "" || !strings.HasPrefix(signatureHeader, signaturePrefix) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signatureHeader))
}

// eventPayload mirrors the hosting provider's issue-event JSON. Pointers
// distinguish absent objects from empty ones.
type eventPayload struct {
	Action string `json:"action"`
	Issue  *struct {
		Number  int    `json:"number"`
		Title   string `json:"title"`
		Body    string `json:"body"`
		HTMLURL string `json:"html_url"`
	} `json:"issue"`
	Repository *struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
		CloneURL      string `json:"clone_url"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
}

// Normalize extracts a canonical Issue from a raw event payload.
// ok=false means the event is not an "issue opened" event and should be
// acknowledged and ignored; that is not an error. A malformed payload or a
// record failing validation returns a *ValidationError.
func Normalize(payload []byte) (Issue, bool, error) {
	var ev eventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Issue{}, false, &ValidationError{Field: "payload", Reason: "is not valid JSON"}
	}

	if ev.Action != "opened" || ev.Issue == nil {
		return Issue{}, false, nil
	}
	if ev.Repository == nil {
		return Issue{}, false, &ValidationError{Field: "repository", Reason: "is missing"}
	}

	issue := Issue{
		Number:        ev.Issue.Number,
		Title:         ev.Issue.Title,
		Body:          ev.Issue.Body,
		HTMLURL:       ev.Issue.HTMLURL,
		Owner:         ev.Repository.Owner.Login,
		Repo:          ev.Repository.Name,
		CloneURL:      ev.Repository.CloneURL,
		DefaultBranch: ev.Repository.DefaultBranch,
	}
	if issue.DefaultBranch == "" {
		issue.DefaultBranch = "main"
	}

	if err := issue.Validate(); err != nil {
		return Issue{}, false, err
	}
	return issue, true, nil
}

// Validate checks the required fields of a normalized issue.
func (i Issue) Validate() error {
	switch {
	case i.Number <= 0:
		return &ValidationError{Field: "issue.number", Reason: "must be positive"}
	case strings.TrimSpace(i.Title) == "":
		return &ValidationError{Field: "issue.title", Reason: "is empty"}
	case i.Owner == "":
		return &ValidationError{Field: "repository.owner", Reason: "is empty"}
	case i.Repo == "":
		return &ValidationError{Field: "repository.name", Reason: "is empty"}
	case i.CloneURL == "":
		return &ValidationError{Field: "repository.clone_url", Reason: "is empty"}
	}
	return nil
}
