// Package heartbeat accepts node heartbeats over HTTP or NATS and applies
// them to the registry.
package heartbeat

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"llmhub/pkg/log"
	"llmhub/pkg/models"
	"llmhub/pkg/registry"
)

// SecretHeader carries the shared node secret on HTTP requests and NATS messages.
const SecretHeader = "X-Node-Secret"

var (
	// ErrUnauthorized is returned when the node secret does not match.
	ErrUnauthorized = errors.New("invalid node secret")

	// ErrInvalidHeartbeat is returned when the payload cannot be applied.
	ErrInvalidHeartbeat = errors.New("invalid heartbeat")
)

// Receiver validates heartbeats and upserts them into the registry.
type Receiver struct {
	registry *registry.Registry
	secret   string
}

// NewReceiver creates a receiver. An empty secret accepts every heartbeat.
func NewReceiver(reg *registry.Registry, secret string) *Receiver {
	return &Receiver{registry: reg, secret: secret}
}

// Authorized reports whether presented matches the configured secret.
func (r *Receiver) Authorized(presented string) bool {
	if r.secret == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(r.secret), []byte(presented)) == 1
}

// Receive applies one heartbeat. remoteIP fills the node address when the
// payload carries none; it may be empty.
func (r *Receiver) Receive(req models.HeartbeatRequest, remoteIP, presentedSecret string) (models.HeartbeatResponse, error) {
	if !r.Authorized(presentedSecret) {
		return models.HeartbeatResponse{}, ErrUnauthorized
	}

	hb, err := registry.ParseHeartbeat(req, remoteIP)
	if err != nil {
		return models.HeartbeatResponse{}, fmt.Errorf("%w: %w", ErrInvalidHeartbeat, err)
	}

	// The registry logs new registrations
	node, created := r.registry.UpsertHeartbeat(hb)
	if !created {
		log.Debug().Str("node_id", node.ID).Msg("Heartbeat received")
	}

	return models.HeartbeatResponse{Status: string(node.Status), NodeID: node.ID}, nil
}
