package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opfor-ai/gauntlet/message"
)

// FeedOptions configures the Redis connection behind a Feed.
type FeedOptions struct {
	// URL is the Redis connection string (e.g. "redis://localhost:6379").
	URL string

	// RunID namespaces the feed's keys and channels so concurrent runs
	// on one Redis instance do not interleave.
	RunID string

	// HistoryLimit caps the mirrored history list. Older entries are
	// trimmed. Default: 10000.
	HistoryLimit int64

	// ConnectTimeout is the maximum time to wait for connection
	// establishment. Default: 5s.
	ConnectTimeout time.Duration
}

// Feed mirrors accepted bus traffic into Redis for external dashboards:
// each message is published on a pub/sub channel for live consumers and
// appended to a capped list for late joiners. The feed is write-mostly
// and never authoritative; the in-process history is.
type Feed struct {
	client  *redis.Client
	runID   string
	limit   int64
	timeout time.Duration
}

// NewFeed connects to Redis and verifies the connection.
func NewFeed(opts FeedOptions) (*Feed, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.RunID == "" {
		return nil, fmt.Errorf("feed run id is required")
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10000
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Feed{
		client:  client,
		runID:   opts.RunID,
		limit:   opts.HistoryLimit,
		timeout: 3 * time.Second,
	}, nil
}

// Channel returns the pub/sub channel live consumers subscribe to.
func (f *Feed) Channel() string {
	return fmt.Sprintf("gauntlet:%s:messages", f.runID)
}

// historyKey is the capped list late-joining dashboards read.
func (f *Feed) historyKey() string {
	return fmt.Sprintf("gauntlet:%s:history", f.runID)
}

// PublishMessage mirrors one accepted message: published for live
// consumers and appended to the capped history list.
func (f *Feed) PublishMessage(msg message.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := f.client.Publish(ctx, f.Channel(), data).Err(); err != nil {
		return fmt.Errorf("failed to publish to feed: %w", err)
	}

	pipe := f.client.Pipeline()
	pipe.RPush(ctx, f.historyKey(), data)
	pipe.LTrim(ctx, f.historyKey(), -f.limit, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append to feed history: %w", err)
	}
	return nil
}

// History returns the mirrored message history, oldest first.
func (f *Feed) History(ctx context.Context) ([]message.Message, error) {
	raw, err := f.client.LRange(ctx, f.historyKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read feed history: %w", err)
	}

	out := make([]message.Message, 0, len(raw))
	for _, item := range raw {
		var msg message.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			// Skip entries a newer writer may have encoded differently.
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Subscribe delivers live feed messages until the context is cancelled.
// Undecodable payloads are skipped.
func (f *Feed) Subscribe(ctx context.Context) (<-chan message.Message, error) {
	pubsub := f.client.Subscribe(ctx, f.Channel())

	// Wait for subscription confirmation so callers never miss messages
	// published immediately after Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to feed: %w", err)
	}

	out := make(chan message.Message)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg message.Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection.
func (f *Feed) Close() error {
	return f.client.Close()
}
