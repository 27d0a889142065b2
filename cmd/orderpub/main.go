package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/orderedsub/orderedsub/config"
	"github.com/orderedsub/orderedsub/internal/models"
	"github.com/orderedsub/orderedsub/internal/queue"
	"github.com/orderedsub/orderedsub/internal/tracing"
)

var (
	keys     = flag.Int("keys", 4, "Number of ordering keys to spread messages over (0 publishes without keys)")
	count    = flag.Int("count", 100, "Messages to publish per key")
	prefix   = flag.String("key-prefix", "key-", "Ordering key prefix")
	msgType  = flag.String("type", "demo", "Value of the type attribute")
	interval = flag.Duration("interval", 0, "Delay between publishes")
	quiet    = flag.Bool("quiet", false, "Only print the summary")
)

// payload is the body of demo messages; Seq lets a handler check ordering
type payload struct {
	Key       string    `json:"key"`
	Seq       int       `json:"seq"`
	Published time.Time `json:"published"`
}

func main() {
	flag.Parse()

	cfg := config.Load()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(&tracing.Config{
		ServiceName:  "orderpub",
		OTLPEndpoint: cfg.Tracing.Endpoint,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	defer shutdownTracer(context.Background())

	natsConfig := queue.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Stream = cfg.NATS.Stream
	natsConfig.Subject = cfg.NATS.Subject
	natsConfig.EnableDLQ = cfg.NATS.EnableDLQ
	natsConfig.Logger = logger

	broker, err := queue.NewNATSBroker(ctx, natsConfig)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	defer broker.Close()

	published, duplicates, failed := publishAll(ctx, broker)

	fmt.Println()
	color.New(color.FgCyan, color.Bold).Println("Summary:")
	color.Green("  published:  %d", published)
	if duplicates > 0 {
		color.Yellow("  duplicates: %d", duplicates)
	}
	if failed > 0 {
		color.Red("  failed:     %d", failed)
		os.Exit(1)
	}
}

func publishAll(ctx context.Context, broker *queue.NATSBroker) (published, duplicates, failed int) {
	tracer := tracing.GetTracer("orderpub")
	green := color.New(color.FgGreen)

	laneCount := *keys
	if laneCount <= 0 {
		laneCount = 1
	}

	// round-robin over keys so each key's sequence interleaves with the others
	for seq := 0; seq < *count; seq++ {
		for k := 0; k < laneCount; k++ {
			if ctx.Err() != nil {
				return
			}

			key := ""
			if *keys > 0 {
				key = *prefix + strconv.Itoa(k)
			}
			body, _ := json.Marshal(payload{Key: key, Seq: seq, Published: time.Now().UTC()})

			spanCtx, span := tracer.Start(ctx, "orderpub.publish")
			attrs := map[string]string{models.AttributeType: *msgType}
			tracing.Inject(spanCtx, attrs)

			receipt, err := broker.Publish(spanCtx, key, body, attrs)
			tracing.EndSpan(span, err)
			switch {
			case err != nil:
				failed++
				color.Red("  %-12s #%-5d %v", key, seq, err)
			case receipt.Duplicate:
				duplicates++
			default:
				published++
				if !*quiet {
					green.Printf("  %-12s #%-5d seq=%d id=%s\n", key, seq, receipt.Sequence, receipt.MessageID)
				}
			}

			if *interval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(*interval):
				}
			}
		}
	}
	return
}
