package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"llmhub/pkg/log"
	"llmhub/pkg/models"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the subject heartbeats are published on.
const DefaultSubject = "hub.nodes.heartbeat"

const (
	queueGroup   = "hub"
	flushTimeout = 5 * time.Second
)

// Connect opens a NATS connection that keeps reconnecting.
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Subscriber feeds heartbeats published on NATS into a Receiver.
type Subscriber struct {
	receiver *Receiver
	sub      *nats.Subscription
}

// Subscribe starts consuming subject in the hub queue group.
func Subscribe(conn *nats.Conn, subject string, receiver *Receiver) (*Subscriber, error) {
	s := &Subscriber{receiver: receiver}

	sub, err := conn.QueueSubscribe(subject, queueGroup, s.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.sub = sub

	log.Info().Str("subject", subject).Msg("Listening for heartbeats on NATS")
	return s, nil
}

// Close drains the subscription.
func (s *Subscriber) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	resp, err := s.process(msg)
	if err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Rejected heartbeat")
	}

	if msg.Reply == "" {
		return
	}

	var reply []byte
	if err != nil {
		reply, _ = json.Marshal(models.ErrorResponse{Detail: err.Error()})
	} else {
		reply, _ = json.Marshal(resp)
	}
	if err := msg.Respond(reply); err != nil {
		log.Debug().Err(err).Msg("Failed to answer heartbeat")
	}
}

func (s *Subscriber) process(msg *nats.Msg) (models.HeartbeatResponse, error) {
	var req models.HeartbeatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return models.HeartbeatResponse{}, fmt.Errorf("%w: %w", ErrInvalidHeartbeat, err)
	}

	var secret string
	if msg.Header != nil {
		secret = msg.Header.Get(SecretHeader)
	}

	// NATS carries no peer address, so nodes must report their own.
	return s.receiver.Receive(req, "", secret)
}

// Publisher sends heartbeats from a node agent.
type Publisher struct {
	conn    *nats.Conn
	subject string
	secret  string
}

// NewPublisher creates a heartbeat publisher.
func NewPublisher(conn *nats.Conn, subject, secret string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject, secret: secret}
}

// Publish sends one heartbeat and flushes it to the server.
func (p *Publisher) Publish(ctx context.Context, req models.HeartbeatRequest) error {
	msg, err := NewMsg(p.subject, p.secret, req)
	if err != nil {
		return err
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish heartbeat: %w", err)
	}

	// FlushWithContext requires a deadline
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	return p.conn.FlushWithContext(ctx)
}

// NewMsg encodes a heartbeat as a NATS message.
func NewMsg(subject, secret string, req models.HeartbeatRequest) (*nats.Msg, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeartbeat, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	if secret != "" {
		msg.Header.Set(SecretHeader, secret)
	}
	return msg, nil
}
