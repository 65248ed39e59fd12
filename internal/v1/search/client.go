// Package search pushes one document per persisted message into the
// Meilisearch "messages" index. Indexing is best-effort: it is never on the
// broadcast critical path, and a down search backend only costs log lines.
package search

import (
	"context"
	"time"

	"github.com/meilisearch/meilisearch-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/miuchi/chat-server/internal/v1/logging"
	"github.com/miuchi/chat-server/internal/v1/metrics"
)

// IndexName is the Meilisearch index messages land in.
const IndexName = "messages"

// MessageDocument is the indexed shape of a chat message.
type MessageDocument struct {
	ID          string `json:"id"`
	RoomID      string `json:"room_id"`
	RoomName    string `json:"room_name"`
	AuthorID    string `json:"author_id"`
	AuthorName  string `json:"author_name"`
	Content     string `json:"content"`
	CreatedAt   int64  `json:"created_at"`
	MessageType string `json:"message_type"`
}

// Client wraps the Meilisearch service manager with a circuit breaker so a
// dead search backend fails fast instead of stacking per-message timeouts.
type Client struct {
	manager meilisearch.ServiceManager
	breaker *gobreaker.CircuitBreaker
}

// NewClient connects to the search backend. masterKey may be empty for an
// unsecured local instance.
func NewClient(host, masterKey string) *Client {
	var opts []meilisearch.Option
	if masterKey != "" {
		opts = append(opts, meilisearch.WithAPIKey(masterKey))
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "meilisearch",
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn(context.Background(), "search circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		manager: meilisearch.New(host, opts...),
		breaker: breaker,
	}
}

// IndexMessage adds one document to the messages index. Errors are counted
// and returned for logging; callers must not fail message delivery on them.
func (c *Client) IndexMessage(ctx context.Context, doc MessageDocument) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return c.manager.Index(IndexName).AddDocumentsWithContext(ctx, []MessageDocument{doc}, "id")
	})
	if err != nil {
		metrics.SearchIndexFailures.Inc()
		return err
	}
	return nil
}

// Healthy reports whether the search backend answers its health endpoint.
// Used by the readiness probe.
func (c *Client) Healthy(ctx context.Context) bool {
	_, err := c.manager.HealthWithContext(ctx)
	return err == nil
}
