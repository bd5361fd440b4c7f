package promotion

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GoCodeAlone/shipyard/release"
)

// ErrInvalidEvent is returned for an event that cannot start a run.
var ErrInvalidEvent = errors.New("promotion: invalid event")

// EventKind is the type of source-control event.
type EventKind string

const (
	EventPush        EventKind = "push"
	EventTag         EventKind = "tag"
	EventPullRequest EventKind = "pull_request"
)

// Event is a source-control event. It is the JSON payload carried on the
// event bus and accepted by the run API.
type Event struct {
	ID          string    `json:"id,omitempty"`
	Kind        EventKind `json:"kind"`
	Repository  string    `json:"repository,omitempty"`
	Ref         string    `json:"ref"`
	Revision    string    `json:"revision"`
	Tag         string    `json:"tag,omitempty"`
	PullRequest int       `json:"pullRequest,omitempty"`
	Sender      string    `json:"sender,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Validate checks that the event carries what a run needs.
func (e Event) Validate() error {
	if e.Revision == "" {
		return fmt.Errorf("%w: missing revision", ErrInvalidEvent)
	}
	switch e.Kind {
	case EventPush, EventPullRequest:
		if e.Ref == "" {
			return fmt.Errorf("%w: missing ref", ErrInvalidEvent)
		}
	case EventTag:
		if e.Tag == "" {
			return fmt.Errorf("%w: missing tag", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Branch returns the branch name of a push ref, or "".
func (e Event) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// Plan is how far through the pipeline a run goes.
type Plan string

const (
	PlanCI         Plan = "ci"
	PlanStaging    Plan = "staging"
	PlanProduction Plan = "production"
)

// PlanFor decides the plan for an event. Pull requests and pushes to
// branches other than deployBranch run CI only. Pushes to deployBranch and
// non-release tags go to staging. Release tags ("v1.2.3") go to production.
func PlanFor(e Event, deployBranch string) Plan {
	switch e.Kind {
	case EventTag:
		if release.IsProductionTag(e.Tag) {
			return PlanProduction
		}
		return PlanStaging
	case EventPush:
		if strings.HasPrefix(e.Ref, "refs/heads/") && e.Branch() == deployBranch {
			return PlanStaging
		}
	}
	return PlanCI
}
