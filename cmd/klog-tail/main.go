// Command klog-tail ships lines read from stdin to a KLog log pool.
//
// Connection settings come from the KLOG_* environment variables and may be
// overridden by flags. Each line becomes one log: a JSON object line is
// shipped key by key with --json, anything else as a "message".
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hsdfat/go-klog/client"
	"github.com/hsdfat/go-klog/logger"
	"github.com/hsdfat/go-klog/record"
)

var version = "dev"

type flags struct {
	project      string
	pool         string
	endpoint     string
	jsonLines    bool
	sampleRate   float64
	rateLimit    float64
	drop         bool
	flushTimeout time.Duration
	logLevel     string
}

func main() {
	var f flags

	rootCmd := &cobra.Command{
		Use:          "klog-tail --project NAME --pool NAME",
		Short:        "Ship stdin lines to a KLog log pool",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cmd, f, cmd.InOrStdin())
		},
	}

	rootCmd.Flags().StringVar(&f.project, "project", "", "destination project name")
	rootCmd.Flags().StringVar(&f.pool, "pool", "", "destination log pool name")
	rootCmd.Flags().StringVar(&f.endpoint, "endpoint", "", "ingestion endpoint (default: $KLOG_ENDPOINT)")
	rootCmd.Flags().BoolVar(&f.jsonLines, "json", false, "ship JSON object lines as key/value logs")
	rootCmd.Flags().Float64Var(&f.sampleRate, "sample", 0, "fraction of lines to ship (default: $KLOG_DOWN_SAMPLE_RATE)")
	rootCmd.Flags().Float64Var(&f.rateLimit, "rate-limit", 0, "max deliveries per second (default: $KLOG_RATE_LIMIT)")
	rootCmd.Flags().BoolVar(&f.drop, "drop", false, "drop lines instead of blocking when the queue is full")
	rootCmd.Flags().DurationVar(&f.flushTimeout, "flush-timeout", 30*time.Second, "how long to wait for pending logs on exit")
	rootCmd.Flags().StringVar(&f.logLevel, "log-level", "info", "verbosity of klog-tail itself")
	_ = rootCmd.MarkFlagRequired("project")
	_ = rootCmd.MarkFlagRequired("pool")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cobra.Command, f flags, in io.Reader) error {
	cfg, err := client.LoadConfig(ctx)
	if err != nil {
		return err
	}
	if f.endpoint != "" {
		cfg.Endpoint = f.endpoint
	}
	if cmd.Flags().Changed("sample") {
		cfg.DownSampleRate = f.sampleRate
	}
	if cmd.Flags().Changed("rate-limit") {
		cfg.RateLimit = f.rateLimit
	}
	if f.drop {
		cfg.DropWhenQueueFull = true
	}

	level, err := logger.ParseLevel(f.logLevel)
	if err != nil {
		return err
	}
	zc := zap.NewProductionConfig()
	zc.Level.SetLevel(level)
	base, err := zc.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer base.Sync()
	log := base.Sugar()

	c, err := client.New(cfg, client.WithLogger(base))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), f.flushTimeout)
		defer cancel()
		if err := c.Close(closeCtx); err != nil {
			log.Warnw("pending logs not delivered", "error", err)
		}
		st := c.Stats()
		log.Infow("done",
			"pushed", st.Pushed,
			"sampled_out", st.SampledOut,
			"queue_dropped", st.QueueDropped,
			"rejected", st.Rejected,
			"delivered", st.Delivered,
			"dropped", st.Dropped,
			"healthy", st.Healthy,
			"last_error", st.LastError)
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), record.MaxValueSize)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Infow("interrupted, flushing")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			c.Push(f.project, f.pool, payload(line, f.jsonLines))
		}
	}
}

// payload decodes a JSON object line when asked to, keeping numbers as
// written. Any other line is shipped verbatim.
func payload(line []byte, jsonLines bool) any {
	if jsonLines {
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err == nil && obj != nil {
			return obj
		}
	}
	return string(line)
}
