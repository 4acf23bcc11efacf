// Command event-export dumps the archived webhook events for a date range
// as gzip-compressed NDJSON, for offline replay and bookkeeping audits.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"

	"github.com/weightmasters/storefront-api/internal/storage/postgres"
)

const dateLayout = "2006-01-02"

func main() {
	var (
		databaseURL string
		fromStr     string
		toStr       string
		outPath     string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&fromStr, "from", "", "start date (inclusive), YYYY-MM-DD")
	flag.StringVar(&toStr, "to", "", "end date (exclusive), YYYY-MM-DD; defaults to tomorrow")
	flag.StringVar(&outPath, "out", "events.ndjson.gz", "output file path")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if fromStr == "" {
		slog.Error("--from is required")
		os.Exit(1)
	}

	from, err := time.Parse(dateLayout, fromStr)
	if err != nil {
		slog.Error("invalid --from date", slog.String("error", err.Error()))
		os.Exit(1)
	}
	to := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	if toStr != "" {
		to, err = time.Parse(dateLayout, toStr)
		if err != nil {
			slog.Error("invalid --to date", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, from, to, outPath); err != nil {
		slog.Error("event export failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, databaseURL string, from, to time.Time, outPath string) error {
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	defer out.Close()

	bw := bufio.NewWriterSize(out, 1<<20)
	gz := pgzip.NewWriter(bw)

	store := postgres.NewEventStore(pool)
	count := 0
	var enc jx.Encoder
	err = store.Stream(ctx, from, to, func(ev *postgres.StoredEvent) error {
		enc.Reset()
		enc.Obj(func(e *jx.Encoder) {
			e.Field("id", func(e *jx.Encoder) { e.Str(ev.ID) })
			e.Field("type", func(e *jx.Encoder) { e.Str(ev.Type) })
			e.Field("sessionId", func(e *jx.Encoder) { e.Str(ev.SessionID) })
			e.Field("receivedAt", func(e *jx.Encoder) { e.Str(ev.ReceivedAt.UTC().Format(time.RFC3339Nano)) })
			e.Field("payload", func(e *jx.Encoder) { e.Raw(ev.Payload) })
		})
		if _, err := gz.Write(enc.Bytes()); err != nil {
			return errors.Wrap(err, "write event")
		}
		if _, err := gz.Write([]byte{'\n'}); err != nil {
			return errors.Wrap(err, "write newline")
		}
		count++
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "stream events")
	}

	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "close gzip stream")
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "flush output")
	}

	slog.Info("event export completed",
		slog.Int("events", count),
		slog.String("out", outPath),
		slog.String("from", from.Format(dateLayout)),
		slog.String("to", to.Format(dateLayout)),
	)
	return nil
}
