package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"astrograph/pkg/bridge"
	"astrograph/pkg/eventbus"
	"astrograph/pkg/ledger"
	"astrograph/pkg/sdk"
	"astrograph/pkg/staging"
	"astrograph/pkg/store"
)

type ledgerDB interface {
	ledger.DB
	Close()
}

// Testable variables for main()
var (
	osExit         = os.Exit
	openConsumerFn = func(cfg eventbus.Config) (eventbus.Consumer, error) {
		return eventbus.NewKafkaConsumer(cfg)
	}
	openLedgerDBFn = func(ctx context.Context) (ledgerDB, error) {
		return store.NewPostgresPool(ctx, store.PostgresConfigFromEnv())
	}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "ping":
		return ping(ctx, args[1:], out)
	case "tail":
		return tail(ctx, args[1:], out)
	case "ledger":
		return showLedger(ctx, args[1:], out)
	case "sweep":
		return sweep(args[1:], out)
	case "call":
		return call(ctx, args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "astroctl commands:")
	fmt.Fprintln(out, "  ping --bridge http://localhost:8000 [--timeout 5s]")
	fmt.Fprintln(out, "  tail --brokers kafka:9092 [--topic astrograph.gateway.events] [--group astroctl] [--types bridge.,upload.] [--max N]")
	fmt.Fprintln(out, "  ledger --request-id <id>")
	fmt.Fprintln(out, "  sweep --dir uploads [--older-than 1h]")
	fmt.Fprintln(out, "  call [--gateway http://localhost:5001] [--request-id id] <status|chat|query|graph|sparql|queries|run|upload> [arg]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func ping(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("ping")
	bridgeURL := fs.String("bridge", envOr("PYTHON_BRIDGE_URL", "http://localhost:8000"), "bridge base url")
	timeout := fs.Duration("timeout", 5*time.Second, "probe timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	client, err := bridge.New(*bridgeURL, bridge.WithTimeout(*timeout))
	if err != nil {
		return err
	}
	start := time.Now()
	if berr := client.Ping(ctx); berr != nil {
		return fmt.Errorf("bridge %s: %s (%s)", client.BaseURL(), berr.Message, berr.Kind)
	}
	fmt.Fprintf(out, "bridge %s ok in %s\n", client.BaseURL(), time.Since(start).Round(time.Millisecond))
	return nil
}

// tail prints gateway events from Kafka as JSON lines until ctx ends or max
// events matched.
func tail(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("tail")
	brokers := fs.String("brokers", envOr("EVENTS_KAFKA_BROKERS", ""), "comma separated kafka brokers")
	topic := fs.String("topic", envOr("EVENTS_KAFKA_TOPIC", "astrograph.gateway.events"), "event topic")
	group := fs.String("group", "astroctl", "consumer group")
	types := fs.String("types", "", "comma separated event type prefixes")
	maxEvents := fs.Int("max", 0, "stop after this many events (0 = unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	consumer, err := openConsumerFn(eventbus.Config{
		Brokers: eventbus.ParseBrokers(*brokers),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	prefixes := splitList(*types)
	enc := json.NewEncoder(out)
	seen := 0
	for *maxEvents <= 0 || seen < *maxEvents {
		evt, err := consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if !matchesPrefix(evt.Type, prefixes) {
			continue
		}
		if err := enc.Encode(evt); err != nil {
			return err
		}
		seen++
	}
	return nil
}

func matchesPrefix(eventType string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

func showLedger(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("ledger")
	requestID := fs.String("request-id", "", "request id to look up")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*requestID) == "" {
		return errors.New("--request-id required")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	db, err := openLedgerDBFn(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer db.Close()
	rec, err := (&ledger.Writer{DB: db}).Get(ctx, *requestID)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", *requestID, err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func sweep(args []string, out io.Writer) error {
	fs := newFlagSet("sweep")
	dir := fs.String("dir", envOr("UPLOAD_DIR", "uploads"), "staging directory")
	olderThan := fs.Duration("older-than", time.Hour, "minimum file age")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mgr := staging.New(*dir)
	removed, err := mgr.Sweep(*olderThan)
	if err != nil {
		return fmt.Errorf("sweep %s: %w", mgr.Dir(), err)
	}
	fmt.Fprintf(out, "removed %d files from %s\n", removed, mgr.Dir())
	return nil
}

// call runs one gateway operation through the sdk client and prints the
// relayed body. Non-2xx answers are printed too and returned as errors.
func call(ctx context.Context, args []string, out io.Writer) error {
	fs := newFlagSet("call")
	gateway := fs.String("gateway", envOr("GATEWAY_URL", "http://localhost:5001"), "gateway base url")
	timeout := fs.Duration("timeout", 60*time.Second, "request timeout")
	requestID := fs.String("request-id", "", "X-Request-ID to send")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("operation required")
	}
	op, arg := rest[0], ""
	if len(rest) > 1 {
		arg = rest[1]
	}
	client := sdk.NewClient(*gateway, *timeout)
	client.RequestID = *requestID

	var (
		body json.RawMessage
		err  error
	)
	switch op {
	case "status":
		var st sdk.Status
		if st, err = client.Status(ctx); err == nil {
			body, err = json.Marshal(st)
		}
	case "chat":
		body, err = client.Chat(ctx, map[string]string{"message": arg})
	case "query":
		body, err = client.Query(ctx, rawOrNil(arg))
	case "sparql":
		body, err = client.SPARQL(ctx, map[string]string{"query": arg})
	case "graph":
		body, err = client.Graph(ctx)
	case "queries":
		body, err = client.SPARQLQueries(ctx)
	case "run":
		body, err = client.RunSPARQLQuery(ctx, arg)
	case "upload":
		if arg == "" {
			return errors.New("upload needs a file path")
		}
		body, err = client.Upload(ctx, arg)
	default:
		return fmt.Errorf("unknown operation: %s", op)
	}
	var se *sdk.StatusError
	if errors.As(err, &se) {
		fmt.Fprintln(out, string(se.Body))
		return err
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(body))
	return nil
}

func rawOrNil(arg string) any {
	if strings.TrimSpace(arg) == "" {
		return nil
	}
	return json.RawMessage(arg)
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
