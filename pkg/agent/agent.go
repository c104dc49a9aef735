package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"llmhub/pkg/heartbeat"
	"llmhub/pkg/log"
	"llmhub/pkg/models"
	"llmhub/pkg/retryclient"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	heartbeatPath    = "/nodes/heartbeat"
	heartbeatTimeout = 10 * time.Second
)

// ErrHeartbeatRejected is returned when the hub answers a heartbeat with an error.
var ErrHeartbeatRejected = errors.New("heartbeat rejected")

// Sender delivers heartbeats to the hub.
type Sender interface {
	Publish(ctx context.Context, req models.HeartbeatRequest) error
}

// HTTPSender posts heartbeats to the hub's HTTP endpoint.
type HTTPSender struct {
	url    string
	secret string
	client *retryablehttp.Client
}

// NewHTTPSender creates a sender for the hub at hubURL.
func NewHTTPSender(hubURL, secret string) *HTTPSender {
	return &HTTPSender{
		url:    strings.TrimRight(hubURL, "/") + heartbeatPath,
		secret: secret,
		client: retryclient.New(0, 0, 0),
	}
}

// Publish posts one heartbeat.
func (h *HTTPSender) Publish(ctx context.Context, req models.HeartbeatRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.secret != "" {
		httpReq.Header.Set(heartbeat.SecretHeader, h.secret)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %d %s", ErrHeartbeatRejected, resp.StatusCode, bytes.TrimSpace(detail))
	}
	return nil
}

// Agent reports the node to the hub on a fixed interval.
type Agent struct {
	cfg    Config
	ollama *Ollama
	probe  SystemProbe
	sender Sender

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an agent.
func New(cfg Config, ollama *Ollama, probe SystemProbe, sender Sender) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Agent{
		cfg:    cfg,
		ollama: ollama,
		probe:  probe,
		sender: sender,
		stopCh: make(chan struct{}),
	}
}

// Start begins sending heartbeats. The first one is sent immediately.
func (a *Agent) Start() {
	a.wg.Add(1)
	go a.heartbeatLoop()

	log.Info().
		Str("node_id", a.cfg.NodeID).
		Dur("interval", a.cfg.HeartbeatInterval).
		Msg("Heartbeat loop started")
}

// Stop ends the heartbeat loop and waits for it to exit.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
	})
	a.wg.Wait()
}

func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-a.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		a.beat(ctx)

		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (a *Agent) beat(ctx context.Context) {
	req := a.BuildHeartbeat(ctx)
	if err := a.sender.Publish(ctx, req); err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("node_id", a.cfg.NodeID).Msg("Heartbeat failed")
		}
		return
	}
	log.Debug().
		Str("node_id", a.cfg.NodeID).
		Int("models", len(req.Models)).
		Msg("Heartbeat sent")
}

// BuildHeartbeat assembles the current node report. Probe failures leave
// the matching fields empty rather than skipping the heartbeat.
func (a *Agent) BuildHeartbeat(ctx context.Context) models.HeartbeatRequest {
	req := models.HeartbeatRequest{
		NodeID:    a.cfg.NodeID,
		IPv4:      a.cfg.IPv4,
		IPv6:      a.cfg.IPv6,
		TunnelURL: a.cfg.TunnelURL,
		Port:      a.cfg.Port,
		Models:    []string{},
	}

	modelNames, err := a.ollama.ListModels(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not list Ollama models")
	} else {
		req.Models = modelNames
	}

	if req.IPv4 == "" && req.IPv6 == "" {
		req.IPv4, req.IPv6 = a.probe.Addresses(ctx)
	}

	if load, err := a.probe.Load(ctx); err != nil {
		log.Debug().Err(err).Msg("Could not read system load")
	} else {
		req.Load = load
	}

	req.Metadata = a.probe.Metadata(ctx)
	return req
}
