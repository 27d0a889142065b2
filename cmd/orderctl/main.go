package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/orderedsub/orderedsub/config"
	"github.com/orderedsub/orderedsub/internal/admin"
	"github.com/orderedsub/orderedsub/internal/auth"
	"github.com/orderedsub/orderedsub/internal/database"
	"github.com/orderedsub/orderedsub/internal/queue"
	"github.com/orderedsub/orderedsub/internal/sequencer"
)

const usage = `Usage: orderctl <command> [flags] [args]

Commands:
  keys [-paused]          List tracked ordering keys
  status <key>            Show one key
  resume <key>            Resume a paused key
  release <key>           Resume a key and stop waiting for its redelivery
  token [-role r]         Print an operator token signed with ADMIN_JWT_SECRET
  dlq [-limit n]          List dead-lettered messages
  republish <message-id>  Publish a dead-lettered message again
  migrate                 Create the dedup ledger schema
  prune [-older-than d]   Delete dedup ledger rows older than d
`

var logger = logrus.New()

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	logger.SetLevel(logrus.WarnLevel)

	cfg := config.Load()
	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "keys":
		err = listKeys(cfg, args)
	case "status":
		err = keyStatus(cfg, args)
	case "resume", "release":
		err = keyAction(cfg, cmd, args)
	case "token":
		err = printToken(cfg, args)
	case "dlq":
		err = listDLQ(cfg, args)
	case "republish":
		err = republish(cfg, args)
	case "migrate":
		err = migrate(cfg, args)
	case "prune":
		err = prune(cfg, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

// apiFlags are shared by the commands that talk to the admin API
type apiFlags struct {
	addr  *string
	token *string
}

func newAPIFlags(fs *flag.FlagSet, cfg *config.Config) apiFlags {
	return apiFlags{
		addr:  fs.String("addr", fmt.Sprintf("http://localhost:%d", cfg.Admin.Port), "Admin API base URL"),
		token: fs.String("token", os.Getenv("ORDERCTL_TOKEN"), "Bearer token (default: signed locally with ADMIN_JWT_SECRET)"),
	}
}

func (f apiFlags) do(cfg *config.Config, method, path string, out any) error {
	token := *f.token
	if token == "" {
		if cfg.Admin.JWTSecret == "" {
			return errors.New("no token: pass -token or set ADMIN_JWT_SECRET")
		}
		var err error
		token, _, err = auth.NewTokenManager(cfg.Admin.JWTSecret, 5*time.Minute).Generate(operatorName(), auth.RoleOperator)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, strings.TrimRight(*f.addr, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var e admin.ErrorResponse
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("server error (status %d): %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server error (status %d): %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

func listKeys(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("keys", flag.ExitOnError)
	api := newAPIFlags(fs, cfg)
	paused := fs.Bool("paused", false, "Only list paused keys")
	fs.Parse(args)

	path := "/api/v1/keys"
	if *paused {
		path += "?paused=true"
	}
	var resp admin.KeyListResponse
	if err := api.do(cfg, http.MethodGet, path, &resp); err != nil {
		return err
	}

	color.New(color.FgCyan, color.Bold).Printf("%d keys, %d paused, %d buffered messages\n", resp.Total, resp.Paused, resp.Buffered)
	for _, st := range resp.Keys {
		printStatus(st)
	}
	return nil
}

func keyStatus(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	api := newAPIFlags(fs, cfg)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: orderctl status <key>")
	}

	var st sequencer.KeyStatus
	if err := api.do(cfg, http.MethodGet, "/api/v1/keys/"+url.PathEscape(fs.Arg(0)), &st); err != nil {
		return err
	}
	printStatus(st)
	if st.LastError != "" {
		color.Red("    last error: %s", st.LastError)
	}
	return nil
}

func keyAction(cfg *config.Config, action string, args []string) error {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	api := newAPIFlags(fs, cfg)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: orderctl %s <key>", action)
	}

	var resp admin.KeyActionResponse
	path := "/api/v1/keys/" + url.PathEscape(fs.Arg(0)) + "/" + action
	if err := api.do(cfg, http.MethodPost, path, &resp); err != nil {
		return err
	}
	color.Green("%s %s by %s", resp.Action, resp.Key, resp.Operator)
	printStatus(resp.Status)
	return nil
}

func printStatus(st sequencer.KeyStatus) {
	state := color.GreenString("active")
	switch {
	case st.Paused:
		state = color.RedString("paused")
	case st.Awaiting != "":
		state = color.YellowString("awaiting")
	}
	fmt.Printf("  %-24s %s pending=%d failures=%d", st.Key, state, st.Pending, st.Failures)
	if st.Awaiting != "" {
		fmt.Printf(" awaiting=%s", st.Awaiting)
	}
	if !st.ResumeAt.IsZero() {
		fmt.Printf(" resume_at=%s", st.ResumeAt.Format(time.RFC3339))
	}
	fmt.Println()
}

func printToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	role := fs.String("role", auth.RoleOperator, "Token role (operator, viewer)")
	operator := fs.String("operator", operatorName(), "Operator name")
	fs.Parse(args)

	if cfg.Admin.JWTSecret == "" {
		return errors.New("ADMIN_JWT_SECRET is not set")
	}
	token, expiresAt, err := auth.NewTokenManager(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL).Generate(*operator, *role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}

func openBroker(ctx context.Context, cfg *config.Config) (*queue.NATSBroker, error) {
	natsConfig := queue.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Stream = cfg.NATS.Stream
	natsConfig.Subject = cfg.NATS.Subject
	natsConfig.EnableDLQ = cfg.NATS.EnableDLQ
	natsConfig.MaxReconnects = 0
	natsConfig.Logger = logger
	return queue.NewNATSBroker(ctx, natsConfig)
}

func listDLQ(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("dlq", flag.ExitOnError)
	limit := fs.Int("limit", 50, "Maximum messages to list")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	broker, err := openBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer broker.Close()

	messages, err := broker.ListDLQMessages(ctx, *limit)
	if err != nil {
		return err
	}
	color.New(color.FgCyan, color.Bold).Printf("%d dead-lettered messages\n", len(messages))
	for _, m := range messages {
		fmt.Printf("  %s key=%s deliveries=%d at=%s\n", m.MessageID, m.OrderingKey, m.Deliveries, m.Timestamp.Format(time.RFC3339))
		color.Yellow("    %s", m.Reason)
	}
	return nil
}

func republish(cfg *config.Config, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: orderctl republish <message-id>")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	broker, err := openBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer broker.Close()

	receipt, err := broker.RepublishFromDLQ(ctx, args[0])
	if err != nil {
		return err
	}
	color.Green("republished %s as %s (stream seq %d)", args[0], receipt.MessageID, receipt.Sequence)
	return nil
}

func openDatabase(cfg *config.Config) (*database.Connection, error) {
	dbConfig := database.DefaultConnectionConfig()
	dbConfig.Host = cfg.Database.Host
	dbConfig.Port = cfg.Database.Port
	dbConfig.User = cfg.Database.User
	dbConfig.Password = cfg.Database.Password
	dbConfig.Database = cfg.Database.Database
	dbConfig.SSLMode = cfg.Database.SSLMode
	dbConfig.MaxOpenConns = 2
	dbConfig.MaxIdleConns = 1
	return database.NewConnection(dbConfig)
}

func migrate(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	timeout := fs.Duration("timeout", 30*time.Second, "Operation timeout")
	fs.Parse(args)

	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := database.NewProcessedLedger(conn).EnsureSchema(ctx, database.NewMigrator(conn, logger)); err != nil {
		return err
	}
	color.Green("Dedup ledger schema is up to date")
	return nil
}

func prune(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("prune", flag.ExitOnError)
	olderThan := fs.Duration("older-than", cfg.Engine.DedupRetention, "Delete rows processed before now minus this")
	fs.Parse(args)

	conn, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	n, err := database.NewProcessedLedger(conn).Prune(ctx, *olderThan)
	if err != nil {
		return err
	}
	color.Green("Pruned %d ledger rows older than %s", n, *olderThan)
	return nil
}

func operatorName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "orderctl"
}
