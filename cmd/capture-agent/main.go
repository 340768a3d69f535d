package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/probelab/capture-agent/config"
	"github.com/probelab/capture-agent/internal/agent"
	"github.com/probelab/capture-agent/internal/capture"
	"github.com/probelab/capture-agent/internal/ingest"
	"github.com/probelab/capture-agent/internal/pipeline"
	"github.com/probelab/capture-agent/internal/server"
	"github.com/probelab/capture-agent/internal/storage"
	"github.com/probelab/capture-agent/internal/version"
	"github.com/probelab/capture-agent/internal/webhook"
)

func printHelp() {
	fmt.Print(`Capture Agent - capture host lifecycle controller

Usage: capture-agent [--version|-v] [--help|-h]

Serves the capture control protocol (POST /start, POST /stop, GET /status)
and, on stop, compresses and uploads the recorded pcaps, generates
time-bounded SAS URLs, and notifies the offsite webhook.

Configuration is read from the environment injected by the orchestrator:
  STORAGE_CONN_STR, STORAGE_ACCOUNT_NAME, OFFSITE_WEBHOOK_URL,
  RUNNER_SUBNET, RUNNER_SUBNET_V6, CAPTURE_IFACE, PCAP_DIR,
  PCAP_CONTAINER, SAS_EXPIRY_HOURS, LISTEN_ADDR, STOP_TIMEOUT_SECONDS,
  UPLOAD_FAILURE_POLICY, LAW_WORKSPACE_ID, LAW_SHARED_KEY,
  LOG_FILE, LOG_MAX_SIZE_MB, LOG_RETENTION_DAYS

Options:
  --version, -v   Print version and exit
  --help, -h      Show this help message and exit
`)
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--help", "-h":
			printHelp()
			return
		case "--version", "-v":
			fmt.Println(version.Version)
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Use lumberjack for log rotation when file logging is configured
	if cfg.Logging.File != "" {
		logWriter := &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxAge:     cfg.Logging.RetentionDays,
			MaxBackups: 3,
			Compress:   true,
		}
		log.SetOutput(io.MultiWriter(os.Stdout, logWriter))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.NewAzureStore(cfg.Storage.ConnectionString, cfg.Storage.Container)
	if err != nil {
		log.Fatalf("Failed to initialize blob store: %v", err)
	}
	if err := store.EnsureContainer(ctx); err != nil {
		// Uploads will fail loudly later if the container is truly gone.
		log.Printf("Failed to ensure container %s: %v", cfg.Storage.Container, err)
	}

	profiles := capture.Profiles(cfg.Capture.RunnerSubnet, cfg.Capture.RunnerSubnetV6)
	sup := capture.NewSupervisor(capture.SupervisorConfig{
		Interface:   cfg.Capture.Interface,
		OutputDir:   cfg.Capture.OutputDir,
		StopTimeout: time.Duration(cfg.Capture.StopTimeoutSeconds) * time.Second,
		Profiles:    profiles,
	})
	pipe := pipeline.New(cfg.Capture.OutputDir, store, time.Duration(cfg.Capture.SASExpiryHours)*time.Hour)
	notifier := webhook.NewNotifier(cfg.Webhook.URL, time.Duration(cfg.Webhook.TimeoutSeconds)*time.Second, cfg.Capture.SASExpiryHours)

	var shipper agent.EventShipper
	if cfg.Ingest.WorkspaceID != "" && cfg.Ingest.SharedKey != "" {
		client, err := ingest.NewClient(cfg.Ingest.WorkspaceID, cfg.Ingest.SharedKey, "CaptureAgentEvents")
		if err != nil {
			log.Printf("Failed to initialize ingest client, event shipping disabled: %v", err)
		} else {
			shipper = client
		}
	}

	a := agent.New(sup, pipe, notifier, shipper, cfg.Capture.FailurePolicy)

	defaultRunners := make([]string, 0, len(profiles))
	for name := range profiles {
		defaultRunners = append(defaultRunners, name)
	}
	sort.Strings(defaultRunners)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.New(a, defaultRunners),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	log.Printf("[capture-agent] v%s listening on %s iface=%s subnet=%s",
		version.Version, cfg.Server.ListenAddr, cfg.Capture.Interface, cfg.Capture.RunnerSubnet)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server exited with error: %v", err)
	}
}
