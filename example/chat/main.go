package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	mcpx "github.com/rjcorwin/MCPx-protocol"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a TOML configuration file")
	gateway := flag.String("gateway", "", "gateway base URL, overrides the configuration")
	topic := flag.String("topic", "", "topic to join, overrides the configuration")
	token := flag.String("token", os.Getenv("MCPX_TOKEN"), "bearer token, defaults to $MCPX_TOKEN")
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus metrics on, e.g. :9090")
	flag.Parse()

	cfg := mcpx.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = mcpx.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}
	if *gateway != "" {
		cfg.Endpoint.Gateway = *gateway
	}
	if *topic != "" {
		cfg.Endpoint.Topic = *topic
	}
	if *token != "" {
		cfg.Endpoint.Token = *token
	}
	if cfg.Endpoint.Gateway == "" || cfg.Endpoint.Topic == "" {
		return errors.New("gateway and topic are required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	reg := prometheus.NewRegistry()
	metrics, err := mcpx.NewMetrics(reg)
	if err != nil {
		return err
	}

	transport, err := cfg.NewTransport(nil, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p := newPrinter(os.Stdout)
	opts := append(cfg.ClientOptions(),
		mcpx.WithClientLogger(logger),
		mcpx.WithMetrics(metrics),
		mcpx.WithConnectionWatcher(p),
		mcpx.WithWelcomeWatcher(p),
		mcpx.WithPresenceWatcher(p),
		mcpx.WithChatReceiver(p),
		mcpx.WithMessageReceiver(p.router()),
		mcpx.WithErrorReceiver(p),
	)
	cli := mcpx.NewClient(cfg.Endpoint, transport, opts...)

	if err := cli.Connect(ctx); err != nil {
		return err
	}
	defer cli.Disconnect()

	g, ctx := errgroup.WithContext(ctx)

	if *metricsAddr != "" {
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	lines := make(chan string)
	go func() {
		// Reading stdin cannot be interrupted, so this goroutine is left out of the group.
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	g.Go(func() error {
		defer stop()
		for {
			var line string
			var ok bool
			select {
			case <-ctx.Done():
				return nil
			case line, ok = <-lines:
			}
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, cli, p, line); quit {
				return nil
			}
		}
	})

	return g.Wait()
}

func handleLine(ctx context.Context, cli *mcpx.Client, p *printer, line string) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false
	case line == "/quit":
		return true
	case line == "/peers":
		p.peers(cli.Peers())
	case strings.HasPrefix(line, "/ping "):
		to := strings.TrimSpace(strings.TrimPrefix(line, "/ping "))
		start := time.Now()
		if _, err := cli.Request(ctx, mcpx.RequestParams{To: []string{to}, Method: "ping"}); err != nil {
			p.printf("ping %s failed: %v\n", to, err)
			return false
		}
		p.printf("pong from %s in %s\n", to, time.Since(start).Round(time.Millisecond))
	default:
		if err := cli.SendChat(ctx, line, mcpx.ChatFormatPlain); err != nil {
			p.printf("send failed: %v\n", err)
		}
	}
	return false
}
