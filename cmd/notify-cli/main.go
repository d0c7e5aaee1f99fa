// Package main provides a CLI for operating the push worker: enqueueing test
// notifications, inspecting and reprocessing dead letters, and generating
// admin API keys.
//
// Usage:
//
//	notify-cli send --template welcome --recipient device-token --user u-1 --params '{"name":"Ada"}'
//	notify-cli send --count 100 --rate 20 --template promo --recipient device-token --user u-1
//	notify-cli dlq list --limit 20
//	notify-cli dlq reprocess 1718000000000-0 1718000000001-0
//	notify-cli keygen
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sungwon/push-worker/internal/auth"
	"github.com/sungwon/push-worker/internal/config"
	"github.com/sungwon/push-worker/internal/logger"
	"github.com/sungwon/push-worker/internal/queue"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "dlq":
		err = runDLQ(ctx, os.Args[2:])
	case "keygen":
		err = runKeygen()
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: notify-cli <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  send       enqueue notifications onto the configured queue\n")
	fmt.Fprintf(os.Stderr, "  dlq        list or reprocess dead letters\n")
	fmt.Fprintf(os.Stderr, "  keygen     generate an admin API key and its bcrypt hash\n")
	fmt.Fprintf(os.Stderr, "\nRun 'notify-cli <command> -h' for command options.\n")
}

type sendConfig struct {
	configDir string
	template  string
	recipient string
	user      string
	params    string
	key       string
	traceID   string
	count     int
	rate      float64
}

func runSend(ctx context.Context, args []string) error {
	var cfg sendConfig

	fs := flag.NewFlagSet("send", flag.ExitOnError)
	fs.StringVar(&cfg.configDir, "config", "config", "Directory containing config.yaml")
	fs.StringVar(&cfg.template, "template", "", "Template code")
	fs.StringVar(&cfg.recipient, "recipient", "", "Push recipient (device token)")
	fs.StringVar(&cfg.user, "user", "", "User ID")
	fs.StringVar(&cfg.params, "params", "{}", "Template parameters as a JSON object")
	fs.StringVar(&cfg.key, "key", "", "Idempotency key (random per message when empty)")
	fs.StringVar(&cfg.traceID, "trace", "", "Trace ID (random per message when empty)")
	fs.IntVar(&cfg.count, "count", 1, "Number of notifications to enqueue")
	fs.Float64Var(&cfg.rate, "rate", 0, "Notifications per second, 0 for no limit")
	fs.Parse(args)

	if cfg.template == "" || cfg.recipient == "" || cfg.user == "" {
		fs.Usage()
		return fmt.Errorf("--template, --recipient and --user are required")
	}
	if cfg.count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}

	params, err := parseParams(cfg.params)
	if err != nil {
		return err
	}

	producer, cleanup, err := openProducer(ctx, cfg.configDir)
	if err != nil {
		return err
	}
	defer cleanup()

	interval := time.Duration(0)
	if cfg.count > 1 && cfg.rate > 0 {
		interval = time.Duration(float64(time.Second) / cfg.rate)
	}

	var sent, failed int
	for i := 0; i < cfg.count; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}

		seq := i + 1
		n := buildNotification(cfg, params, seq)
		payload, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("marshal notification: %w", err)
		}

		id, err := producer.Enqueue(ctx, payload)
		if err != nil {
			failed++
			fmt.Printf("  [%d/%d] FAIL %v\n", seq, cfg.count, err)
			continue
		}
		sent++
		fmt.Printf("  [%d/%d] OK   id=%s key=%s\n", seq, cfg.count, id, n.IdempotencyKey)
	}

	fmt.Printf("\nResults: %d enqueued, %d failed\n", sent, failed)
	if failed > 0 {
		return fmt.Errorf("%d notifications failed to enqueue", failed)
	}
	return nil
}

func runDLQ(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("dlq requires a subcommand: list or reprocess")
	}

	fs := flag.NewFlagSet("dlq "+args[0], flag.ExitOnError)
	configDir := fs.String("config", "config", "Directory containing config.yaml")
	limit := fs.Int("limit", 50, "Maximum dead letters to list")
	fs.Parse(args[1:])

	producer, cleanup, err := openProducer(ctx, *configDir)
	if err != nil {
		return err
	}
	defer cleanup()

	switch args[0] {
	case "list":
		letters, err := producer.List(ctx, *limit)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(letters)

	case "reprocess":
		ids := fs.Args()
		if len(ids) == 0 {
			return fmt.Errorf("dlq reprocess requires at least one message id")
		}
		n, err := producer.Reprocess(ctx, ids)
		fmt.Printf("Reprocessed %d of %d dead letters\n", n, len(ids))
		return err

	default:
		return fmt.Errorf("unknown dlq subcommand %q", args[0])
	}
}

func runKeygen() error {
	key, hash, err := auth.NewAdminKey()
	if err != nil {
		return err
	}

	fmt.Printf("API key:      %s\n", key)
	fmt.Printf("api_key_hash: %s\n", hash)
	fmt.Printf("\nSet admin.api_key_hash (or %s_ADMIN_API_KEY_HASH) to the hash and keep the key secret.\n", config.EnvPrefix)
	return nil
}

// openProducer loads the worker config and connects to its queue without
// consuming from it.
func openProducer(ctx context.Context, configDir string) (queue.Producer, func(), error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	log := logger.New("warn")

	var client redis.UniversalClient
	var redisClient *redis.Client
	if cfg.Queue.Type == "" || cfg.Queue.Type == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		client = redisClient
	}

	producer, err := queue.NewProducer(ctx, cfg.Queue, client, log)
	if err != nil {
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, nil, fmt.Errorf("connect to %s queue: %w", cfg.Queue.Type, err)
	}

	cleanup := func() {
		producer.Close()
		if redisClient != nil {
			redisClient.Close()
		}
	}
	return producer, cleanup, nil
}
