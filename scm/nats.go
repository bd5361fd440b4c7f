package scm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/GoCodeAlone/shipyard/promotion"
)

// DefaultSubject is the subject NATSSource subscribes to when none is set.
const DefaultSubject = "shipyard.events"

// NATSSource submits pipeline events published on a NATS subject. Messages
// carry a JSON-encoded promotion.Event. Messages with a reply subject are
// answered with the created run ID or an error.
type NATSSource struct {
	url       string
	subject   string
	queue     string
	submitter Submitter
	logger    *slog.Logger

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSSource creates a source. queue may be empty; when set, replicas
// share the subject as a queue group so each event starts one run.
func NewNATSSource(url, subject, queue string, submitter Submitter, logger *slog.Logger) *NATSSource {
	if url == "" {
		url = nats.DefaultURL
	}
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSource{url: url, subject: subject, queue: queue, submitter: submitter, logger: logger}
}

// Start connects and subscribes.
func (s *NATSSource) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := nats.Connect(s.url, nats.Name("shipyard"), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.url, err)
	}
	handler := func(msg *nats.Msg) {
		id, err := s.handle(context.Background(), msg.Data)
		if err != nil {
			s.logger.Error("failed to handle NATS event", "subject", msg.Subject, "error", err)
		}
		if msg.Reply != "" {
			reply := map[string]string{"run": id}
			if err != nil {
				reply = map[string]string{"error": err.Error()}
			}
			data, _ := json.Marshal(reply)
			if rerr := msg.Respond(data); rerr != nil {
				s.logger.Warn("failed to reply to NATS event", "subject", msg.Subject, "error", rerr)
			}
		}
	}
	var sub *nats.Subscription
	if s.queue != "" {
		sub, err = conn.QueueSubscribe(s.subject, s.queue, handler)
	} else {
		sub, err = conn.Subscribe(s.subject, handler)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to subscribe to subject %q: %w", s.subject, err)
	}
	s.conn = conn
	s.sub = sub
	s.logger.Info("NATS event source started", "url", s.url, "subject", s.subject)
	return nil
}

// Stop drains the subscription and closes the connection.
func (s *NATSSource) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	var err error
	if s.sub != nil {
		err = s.sub.Drain()
		s.sub = nil
	}
	s.conn.Close()
	s.conn = nil
	return err
}

// handle decodes one message and submits it.
func (s *NATSSource) handle(ctx context.Context, data []byte) (string, error) {
	var ev promotion.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return "", fmt.Errorf("decode event: %w", err)
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	run, err := s.submitter.Submit(ctx, ev)
	if err != nil {
		return "", fmt.Errorf("submit event: %w", err)
	}
	s.logger.Info("NATS event accepted", "run", run.ID, "ref", ev.Ref, "revision", ev.Revision)
	return run.ID, nil
}
