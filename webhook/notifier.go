package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/shipyard/failure"
	"github.com/GoCodeAlone/shipyard/promotion"
	"github.com/GoCodeAlone/shipyard/release"
)

// Notification event names.
const (
	EventRunFinished       = "run.finished"
	EventApprovalRequested = "approval.requested"
)

// Notification is the JSON body posted to endpoints.
type Notification struct {
	Event       string          `json:"event"`
	RunID       string          `json:"runId"`
	Plan        promotion.Plan  `json:"plan"`
	State       promotion.State `json:"state"`
	Ref         string          `json:"ref"`
	Revision    string          `json:"revision"`
	Tag         string          `json:"tag,omitempty"`
	Release     release.ID      `json:"release,omitempty"`
	FailureKind failure.Kind    `json:"failureKind,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Notifier posts run outcomes and approval requests to every configured
// endpoint. It implements promotion.Observer; deliveries run in the
// background.
type Notifier struct {
	promotion.NopObserver

	sender    *Sender
	endpoints []string
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewNotifier creates a notifier for endpoints.
func NewNotifier(sender *Sender, endpoints []string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, endpoints: endpoints, logger: logger}
}

// RunTransitioned notifies when a run starts waiting for approval.
func (n *Notifier) RunTransitioned(ctx context.Context, r promotion.Run, _ promotion.State) {
	if r.State == promotion.StateAwaitingApproval {
		n.notify(ctx, EventApprovalRequested, r)
	}
}

// RunFinished notifies the run's outcome.
func (n *Notifier) RunFinished(ctx context.Context, r promotion.Run) {
	n.notify(ctx, EventRunFinished, r)
}

// Flush waits for in-flight deliveries.
func (n *Notifier) Flush() { n.wg.Wait() }

func (n *Notifier) notify(ctx context.Context, event string, r promotion.Run) {
	if len(n.endpoints) == 0 {
		return
	}
	msg := Notification{
		Event:       event,
		RunID:       r.ID,
		Plan:        r.Plan,
		State:       r.State,
		Ref:         r.Event.Ref,
		Revision:    r.Event.Revision,
		Tag:         r.Event.Tag,
		FailureKind: r.FailureKind,
		Reason:      r.Reason,
		Timestamp:   time.Now().UTC(),
	}
	if r.Release != nil {
		msg.Release = r.Release.ID
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		n.logger.Error("failed to encode notification", "run", r.ID, "error", err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, url := range n.endpoints {
		n.wg.Add(1)
		go func(url string) {
			defer n.wg.Done()
			d, err := n.sender.Send(ctx, event, r.ID, url, payload)
			if err != nil {
				n.logger.Warn("notification dead-lettered", "event", event, "run", r.ID, "url", url,
					"attempts", d.Attempts, "error", err)
				return
			}
			n.logger.Debug("notification delivered", "event", event, "run", r.ID, "url", url)
		}(url)
	}
}
