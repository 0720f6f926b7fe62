package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/muawin/muawin/pkg/logger"
	"github.com/muawin/muawin/pkg/protocol"
	"github.com/muawin/muawin/pkg/retry"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second
)

// Watch subscribes to the server's change events. The channel is closed
// when ctx ends or the credential is missing or rejected. Connection
// errors reconnect with exponential backoff.
func (c *Client) Watch(ctx context.Context) <-chan protocol.Event {
	events := make(chan protocol.Event, 100)
	go c.watchLoop(ctx, events)
	return events
}

func (c *Client) watchLoop(ctx context.Context, events chan<- protocol.Event) {
	defer close(events)

	backoff := retry.New(reconnectMin, reconnectMax)
	backoff.Jitter = 0.1
	for {
		if ctx.Err() != nil {
			return
		}

		connected, err := c.stream(ctx, events)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuthRequired) {
			logger.Error("event stream: %v", err)
			return
		}
		if connected {
			backoff.Reset()
		}

		delay := backoff.Next()
		logger.Warn("event stream error: %v (reconnecting in %s)", err, delay.Round(time.Millisecond))
		if retry.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// stream reads one connection until it drops. connected reports whether
// the server accepted the subscription.
func (c *Client) stream(ctx context.Context, events chan<- protocol.Event) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if err := c.applyAuth(req); err != nil {
		return false, err
	}

	resp, err := c.events.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, statusError("events", resp)
	}
	logger.Debug("event stream connected")

	scanner := bufio.NewScanner(resp.Body)
	var eventType, data string
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data != "" {
				var ev protocol.Event
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					logger.Debug("bad event payload: %v", err)
				} else {
					if ev.Type == "" {
						ev.Type = eventType
					}
					select {
					case events <- ev:
					default:
						logger.Debug("event dropped (channel full)")
					}
				}
			}
			eventType, data = "", ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("read: %w", err)
	}
	return true, fmt.Errorf("connection closed")
}
