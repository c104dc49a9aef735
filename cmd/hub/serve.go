package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"llmhub/pkg/admission"
	"llmhub/pkg/callers"
	"llmhub/pkg/cloud"
	"llmhub/pkg/config"
	"llmhub/pkg/db"
	"llmhub/pkg/dispatch"
	"llmhub/pkg/heartbeat"
	"llmhub/pkg/log"
	"llmhub/pkg/registry"
	"llmhub/pkg/requestlog"
	"llmhub/pkg/router"
	"llmhub/pkg/selector"
	"llmhub/pkg/server"
	"llmhub/pkg/usage"

	"github.com/spf13/cobra"
)

const (
	natsClientName = "llmhub"
	redisKeyPrefix = "llmhub:rate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	config.RegisterFlags(serveCmd.Flags())
}

// cleanup runs closers in order, logging failures.
type cleanup []func() error

func (c cleanup) run() {
	for _, closeFn := range c {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("Cleanup failed")
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	// Closers run in reverse order of acquisition
	var closers cleanup
	defer func() {
		if err != nil {
			closers.run()
		}
	}()
	push := func(fn func() error) { closers = append(cleanup{fn}, closers...) }

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	push(database.Close)

	callerStore, err := callers.NewStore(ctx, database)
	if err != nil {
		return err
	}
	if cfg.CallersFile != "" {
		if err = importCallers(ctx, callerStore, cfg.CallersFile); err != nil {
			return err
		}
	}

	usageStore, err := openUsage(ctx, cfg, database, push)
	if err != nil {
		return err
	}

	reg := registry.New(registry.SystemClock{}, registry.Thresholds{
		TTL:         cfg.HeartbeatTTL,
		Offline:     cfg.HeartbeatOffline,
		MaxFailures: cfg.NodeMaxFailures,
	})
	monitor := registry.NewHealthMonitor(reg, cfg.SweepInterval)
	monitor.Start()
	push(func() error {
		monitor.Stop()
		return nil
	})

	receiver := heartbeat.NewReceiver(reg, cfg.NodeSecret)
	if cfg.NodeSecret == "" {
		log.Warn().Msg("No node secret configured, accepting heartbeats from anyone")
	}
	if cfg.NATSURL != "" {
		conn, connErr := heartbeat.Connect(cfg.NATSURL, natsClientName)
		if connErr != nil {
			return connErr
		}
		push(func() error {
			conn.Close()
			return nil
		})

		sub, subErr := heartbeat.Subscribe(conn, cfg.NATSSubject, receiver)
		if subErr != nil {
			return subErr
		}
		push(sub.Close)
	}

	requests := requestlog.New(cfg.RequestLogCapacity)
	engine := dispatch.NewEngine(reg, requests, cfg.NodeRequestTimeout)
	cloudClient := cloud.New(cloud.Config{
		BaseURL:         cfg.Cloud.BaseURL,
		APIKey:          cfg.Cloud.APIKey,
		SiteURL:         cfg.Cloud.SiteURL,
		SiteName:        cfg.Cloud.SiteName,
		Timeout:         cfg.Cloud.Timeout,
		RetryMax:        cfg.Cloud.RetryMax,
		CostPer1KTokens: cfg.Cloud.CostPer1KTokens,
	})
	if !cloudClient.Configured() {
		log.Info().Msg("Cloud provider not configured, serving from local nodes only")
	}

	srv := server.New(server.Options{
		AdminKey:        cfg.AdminKey,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Version:         rootCmd.Version,
	}, server.Deps{
		Registry:   reg,
		Heartbeats: receiver,
		Admission:  admission.New(callerStore, usageStore, registry.SystemClock{}),
		Router:     router.New(selector.New(reg, cfg.AllowDegraded), engine, cloudClient, requests),
		RequestLog: requests,
		Pricing:    cloudClient,
		Closers:    closers,
	})

	return srv.Start(cfg.ListenAddr)
}

// openUsage combines the rate counter (Redis when configured, memory otherwise)
// with the SQLite usage ledger.
func openUsage(ctx context.Context, cfg *config.Config, database *sql.DB, push func(func() error)) (usage.Store, error) {
	ledger, err := usage.NewSQLiteLedger(ctx, database)
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL == "" {
		return usage.Combine(usage.NewMemoryStore(), ledger), nil
	}

	client, err := usage.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	push(client.Close)

	log.Info().Msg("Rate counters stored in Redis")
	return usage.Combine(usage.NewRedisCounter(client, redisKeyPrefix), ledger), nil
}

func importCallers(ctx context.Context, store *callers.Store, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open callers file: %w", err)
	}
	defer file.Close()

	imported, err := callers.Import(ctx, store, file)
	if err != nil {
		return err
	}

	for _, c := range imported {
		event := log.Info().Str("caller_id", c.ID).Str("name", c.Name)
		if c.APIKey != "" {
			// Shown once
			event = event.Str("api_key", c.APIKey)
		}
		event.Msg("Caller imported")
	}
	return nil
}
