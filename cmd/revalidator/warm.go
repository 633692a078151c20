package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"revalidator/internal/backend"
	"revalidator/internal/config"
	"revalidator/internal/logging"
	"revalidator/internal/metrics"
	"revalidator/internal/warming"
)

func warmCmd() *cobra.Command {
	var (
		mode    string
		asJSON  bool
		baseURL string
	)
	cmd := &cobra.Command{
		Use:   "warm",
		Short: "Run one warming pass against the configured base URL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if baseURL != "" {
				cfg.Warming.BaseURL = baseURL
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			sess, err := warmOnce(ctx, cfg, warming.Mode(mode))
			if err != nil {
				return err
			}
			if err := printSession(cmd.OutOrStdout(), sess, asJSON); err != nil {
				return err
			}
			if sess.Summary.Failed > 0 {
				return fmt.Errorf("%d of %d targets failed", sess.Summary.Failed, sess.Summary.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(warming.ModeCritical), "critical, smart, deployment or all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the session as JSON")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "override warming.baseURL")
	return cmd
}

// warmOnce warms outside the server. Tag targets reach other replicas only
// through redis; without it they are no-ops.
func warmOnce(ctx context.Context, cfg config.Config, mode warming.Mode) (warming.SessionResult, error) {
	logger := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	var inv backend.Backend = backend.Funcs{}
	if cfg.Redis.URL != "" {
		client, err := backend.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return warming.SessionResult{}, err
		}
		defer client.Close()
		inv = backend.NewRedisPublisher(client, cfg.Redis.Channel, instanceID())
	}

	engine, err := warming.NewEngine(cfg, inv, metrics.New(prometheus.NewRegistry()), logger)
	if err != nil {
		return warming.SessionResult{}, err
	}
	return engine.Run(ctx, mode)
}

func printSession(w io.Writer, sess warming.SessionResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	}
	for _, r := range sess.Results {
		mark := "ok  "
		if !r.Success {
			mark = "FAIL"
		}
		fmt.Fprintf(w, "%s %-8s %-40s %5dms %s\n", mark, r.Target.Priority, r.Target.Identifier, r.ResponseTimeMs, r.Error)
	}
	s := sess.Summary
	fmt.Fprintf(w, "session %s: %d/%d ok, %d cached, avg %.0fms, took %dms\n",
		sess.SessionID, s.Successful, s.Total, s.Cached, s.AverageResponseTimeMs, sess.TotalDurationMs)
	return nil
}
