package main

import (
	"context"
	"flag"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/miradorstack/mirador-events/internal/client"
	"github.com/miradorstack/mirador-events/internal/keys"
	"github.com/miradorstack/mirador-events/internal/utils"
)

var messages = []string{
	"cache miss ratio above threshold",
	"worker pool saturated",
	"upstream returned 502",
}

var queries = []struct{ sql, engine string }{
	{"SELECT * FROM orders WHERE customer_id = $1", "postgres"},
	{"UPDATE inventory SET reserved = reserved + 1 WHERE sku = $1", "postgres"},
}

func main() {
	var (
		remote   string
		key      string
		server   string
		interval time.Duration
		count    int
	)
	flag.StringVar(&remote, "remote", "http://localhost:9000/api/store/", "Comma separated collector store URLs")
	flag.StringVar(&key, "key", os.Getenv("MIRADOR_EVENTS_COLLECTOR_KEY"), "Shared signing key")
	flag.StringVar(&server, "server", "localdev", "Value of the server tag")
	flag.DurationVar(&interval, "interval", 500*time.Millisecond, "Delay between events")
	flag.IntVar(&count, "count", 0, "Number of events to send, 0 for unlimited")
	flag.Parse()

	logger := utils.NewLogger("info", false)
	c := client.New(nil, nil, client.Options{
		Remotes:    strings.Split(remote, ","),
		Key:        key,
		ServerName: server,
		Timeout:    2 * time.Second,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for sent := 0; count == 0 || sent < count; sent++ {
		ev := sample(sent)
		id, err := c.Capture(ctx, ev)
		if err != nil {
			logger.Warn("capture failed", slog.String("type", ev.Type), slog.Any("error", err))
		} else {
			logger.Info("event sent", slog.String("type", ev.Type), slog.String("event_id", id))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sample(n int) client.Event {
	level := []string{"info", "warning", "error"}[rand.Intn(3)]
	tags := []keys.Tag{{Key: "level", Value: level}, {Key: "logger", Value: "localdev"}}

	switch n % 3 {
	case 0:
		return client.Event{
			Type:   "Message",
			Params: map[string]any{"message": messages[rand.Intn(len(messages))]},
			Tags:   tags,
		}
	case 1:
		q := queries[rand.Intn(len(queries))]
		return client.Event{
			Type:      "Query",
			Params:    map[string]any{"query": q.sql, "engine": q.engine},
			Tags:      tags,
			TimeSpent: int64(5 + rand.Intn(120)),
		}
	default:
		return client.Event{
			Type: "Exception",
			Params: map[string]any{
				"exc_type":  "TimeoutError",
				"exc_value": "deadline exceeded calling inventory",
				"exc_frames": []any{
					map[string]any{"filename": "worker.go", "lineno": 40 + rand.Intn(5), "function": "reserve"},
				},
			},
			Tags: tags,
		}
	}
}
