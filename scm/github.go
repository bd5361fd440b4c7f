// Package scm turns source-control notifications into pipeline events.
package scm

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/shipyard/promotion"
)

var (
	// ErrSignature is returned when a payload signature is missing or wrong.
	ErrSignature = errors.New("scm: invalid signature")
	// ErrIgnored is returned for notifications that do not start a run.
	ErrIgnored = errors.New("scm: event ignored")
)

const zeroRevision = "0000000000000000000000000000000000000000"

type githubRepository struct {
	FullName string `json:"full_name"`
}

type githubUser struct {
	Login string `json:"login"`
}

type githubPush struct {
	Ref        string           `json:"ref"`
	After      string           `json:"after"`
	Deleted    bool             `json:"deleted"`
	Repository githubRepository `json:"repository"`
	Sender     githubUser       `json:"sender"`
}

type githubPullRequest struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository githubRepository `json:"repository"`
	Sender     githubUser       `json:"sender"`
}

// pull request actions that change the head revision.
var pullRequestActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// VerifyGitHub checks an X-Hub-Signature-256 header (sha256=<hex>) against
// body. An empty secret disables verification.
func VerifyGitHub(secret, header string, body []byte) error {
	if secret == "" {
		return nil
	}
	if header == "" {
		return fmt.Errorf("%w: missing X-Hub-Signature-256 header", ErrSignature)
	}
	sigHex, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return fmt.Errorf("%w: header must have format sha256=<hex>", ErrSignature)
	}
	got, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: invalid hex", ErrSignature)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return fmt.Errorf("%w: signature mismatch", ErrSignature)
	}
	return nil
}

// ParseGitHub converts a GitHub webhook payload of the given X-GitHub-Event
// type into a pipeline event. Pushes to refs/tags/ become tag events.
// Branch deletions, pull request actions that do not move the head, and
// other event types return ErrIgnored.
func ParseGitHub(eventType, deliveryID string, body []byte) (promotion.Event, error) {
	ev := promotion.Event{ID: deliveryID, ReceivedAt: time.Now().UTC()}
	switch eventType {
	case "push":
		var p githubPush
		if err := json.Unmarshal(body, &p); err != nil {
			return promotion.Event{}, fmt.Errorf("scm: decode push: %w", err)
		}
		if p.Deleted || p.After == "" || p.After == zeroRevision {
			return promotion.Event{}, fmt.Errorf("%w: deletion of %s", ErrIgnored, p.Ref)
		}
		ev.Kind = promotion.EventPush
		ev.Ref = p.Ref
		ev.Revision = p.After
		ev.Repository = p.Repository.FullName
		ev.Sender = p.Sender.Login
		if tag, ok := strings.CutPrefix(p.Ref, "refs/tags/"); ok {
			ev.Kind = promotion.EventTag
			ev.Tag = tag
		}
	case "pull_request":
		var p githubPullRequest
		if err := json.Unmarshal(body, &p); err != nil {
			return promotion.Event{}, fmt.Errorf("scm: decode pull_request: %w", err)
		}
		if !pullRequestActions[p.Action] {
			return promotion.Event{}, fmt.Errorf("%w: pull_request action %q", ErrIgnored, p.Action)
		}
		ev.Kind = promotion.EventPullRequest
		ev.Ref = fmt.Sprintf("refs/pull/%d/head", p.Number)
		ev.Revision = p.PullRequest.Head.SHA
		ev.PullRequest = p.Number
		ev.Repository = p.Repository.FullName
		ev.Sender = p.Sender.Login
	default:
		return promotion.Event{}, fmt.Errorf("%w: type %q", ErrIgnored, eventType)
	}
	if err := ev.Validate(); err != nil {
		return promotion.Event{}, err
	}
	return ev, nil
}
