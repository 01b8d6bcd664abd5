// ABOUTME: Live feed subscriptions over the gateway's Server-Sent Event streams
// ABOUTME: Implements feed.Transport so sessions can run against a remote gateway

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-chat/internal/feed"
	"github.com/2389/coven-chat/internal/gateway"
)

// maxEventSize bounds a single SSE line; initial snapshots can be large.
const maxEventSize = 8 << 20

// ErrFeedEnded is returned when the gateway closes a feed without an error,
// for example while shutting down.
var ErrFeedEnded = errors.New("feed ended by gateway")

// Subscribe opens a feed stream for q. The subscription ends when ctx is
// canceled, the consumer unsubscribes, or the gateway ends the stream.
func (c *Client) Subscribe(ctx context.Context, q feed.Query) (*feed.Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	path, err := feedPath(q)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(subCtx, http.MethodGet, path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening feed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, readError(resp)
	}

	sub := feed.NewSubscription(uuid.New().String(), q, 1, cancel)
	c.logger.Debug("feed opened", "sub_id", sub.ID(), "kind", q.Kind)
	go c.pump(subCtx, sub, resp.Body)
	return sub, nil
}

func feedPath(q feed.Query) (string, error) {
	switch q.Kind {
	case feed.KindConversations:
		return "/api/feed/conversations", nil
	case feed.KindMessages:
		return "/api/feed/conversations/" + url.PathEscape(q.ConversationID) + "/messages", nil
	case feed.KindPresence:
		v := url.Values{}
		for _, id := range q.UserIDs {
			v.Add("user", id)
		}
		return "/api/feed/presence?" + v.Encode(), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", feed.ErrInvalidQuery, q.Kind)
	}
}

// pump parses the event stream into the subscription until it ends.
func (c *Client) pump(ctx context.Context, sub *feed.Subscription, body io.ReadCloser) {
	var closeErr error
	defer func() {
		body.Close()
		sub.Close(closeErr)
		c.logger.Debug("feed closed", "sub_id", sub.ID(), "error", closeErr)
	}()

	closeErr = readEvents(body, func(event, data string) (bool, error) {
		switch event {
		case gateway.EventSnapshot:
			var snap feed.Snapshot
			if err := json.Unmarshal([]byte(data), &snap); err != nil {
				return false, fmt.Errorf("parsing snapshot: %w", err)
			}
			return sub.Deliver(snap), nil
		case gateway.EventEnd:
			var end gateway.FeedEnd
			if err := json.Unmarshal([]byte(data), &end); err != nil {
				return false, fmt.Errorf("parsing end event: %w", err)
			}
			switch {
			case end.Lagged:
				return false, feed.ErrLagged
			case end.Error != "":
				return false, errors.New(end.Error)
			default:
				return false, ErrFeedEnded
			}
		default:
			c.logger.Debug("ignoring feed event", "event", event)
			return true, nil
		}
	})

	// A canceled request is the consumer leaving, not a failure.
	if ctx.Err() != nil {
		closeErr = nil
	}
}

// readEvents scans SSE frames, calling onEvent for each until it returns
// false or an error. A stream that stops without an end event is an error.
func readEvents(r io.Reader, onEvent func(event, data string) (bool, error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	var event string
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case line == "":
			if event == "" && len(dataLines) == 0 {
				continue
			}
			more, err := onEvent(event, strings.Join(dataLines, "\n"))
			if err != nil || !more {
				return err
			}
			event, dataLines = "", nil
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading feed: %w", err)
	}
	return fmt.Errorf("reading feed: %w", io.ErrUnexpectedEOF)
}
