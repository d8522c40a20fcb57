// Package events emits lifecycle events to an external event sink.
//
// Delivery is observability, not correctness: every publish is
// fire-and-forget with a short timeout, and failures are logged at
// debug level and swallowed. Nothing in the request path ever waits on
// the sink.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentfleet/orchestrator/pkg/models"
)

// Publisher posts events to a single sink URL.
type Publisher struct {
	sinkURL string
	source  string
	client  *http.Client
	timeout time.Duration
}

// NewPublisher creates a publisher for the given sink. An empty URL
// disables publishing entirely.
func NewPublisher(sinkURL, source string, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Publisher{
		sinkURL: sinkURL,
		source:  source,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Enabled reports whether a sink is configured.
func (p *Publisher) Enabled() bool { return p.sinkURL != "" }

// Publish emits one event asynchronously. It returns immediately; the
// caller never observes a delivery failure.
func (p *Publisher) Publish(eventType string, data map[string]any) {
	if !p.Enabled() {
		return
	}

	evt := models.Event{
		EventType: eventType,
		Source:    p.source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		payload, err := json.Marshal(evt)
		if err != nil {
			log.Debug().Err(err).Str("event_type", eventType).Msg("Event encode failed")
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sinkURL, bytes.NewReader(payload))
		if err != nil {
			log.Debug().Err(err).Str("event_type", eventType).Msg("Event request build failed")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			log.Debug().Err(err).Str("event_type", eventType).Msg("Event delivery failed")
			return
		}
		resp.Body.Close()
	}()
}
