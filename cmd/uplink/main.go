package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"

	"uplink/auth"
	"uplink/chat"
	"uplink/connection"
	"uplink/domain"
	"uplink/internal"
	"uplink/observability"
	"uplink/runtime"
	"uplink/runtime/workers"
	"uplink/upload"
)

// Exit codes to provide meaningful status to the operating system.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// Thin wrapper: call run() and translate its outcome to an exit code,
	// so every defer (database close, disconnect) still executes.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "uplink terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	filePath := flag.String("file", "", "path of the file to upload")
	resumeID := flag.String("resume", "", "upload id to resume instead of starting fresh")
	conversationID := flag.String("conversation", "", "conversation to announce the uploaded file in")
	flag.Parse()

	// 1. Configuration & logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return exitConfig, fmt.Errorf("config validation: %w", err)
	}
	if config.DeviceID == "" {
		config.DeviceID = uuid.NewString()
	}

	logger := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Session store (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Wiring
	store := upload.NewSessionStore(db, logger)
	monitor := observability.NewMonitor(logger)

	conn := connection.NewManager(logger, connection.NewWebsocketDialer(), config.ServerWSURL, config.BufferSize)
	router := runtime.NewRouter(logger, conn.Events(), config.SinkTimeout)
	signer := auth.NewSigner([]byte(config.SigningSecret), config.DeviceID)
	transport := upload.NewHTTPTransport(logger, config.UploadAPIURL, signer)
	uploads := upload.NewManager(logger, conn, router, transport, store, monitor, config.ChunkConcurrency)

	if config.DebugPort > 0 {
		internal.StartDebugServer(logger, db, config.DebugPort, monitor.GetLatest)
	}

	supervisor := workers.NewSupervisor(logger)
	supervisor.Add(
		router,
		workers.NewJanitorWorker(store, uploads, logger, config.JanitorInterval),
		workers.NewTelemetryWorker(logger, monitor, uploads.BytesRemaining, config.MetricInterval),
	)
	go supervisor.Run(ctx)
	defer supervisor.Stop()

	// 4. Connect and wait for the handshake outcome
	principal := domain.Principal{UserID: config.UserID, DeviceID: config.DeviceID}
	if err := conn.Connect(ctx, principal); err != nil {
		return exitRuntime, err
	}
	defer conn.Disconnect()

	if err := waitConnected(ctx, conn); err != nil {
		return exitRuntime, err
	}
	fmt.Println(color.New(color.FgGreen).Render(">>> Connected, channel ready"))

	if *filePath == "" && *resumeID == "" {
		logger.Info("No file to upload, staying connected (Ctrl+C to quit)")
		<-ctx.Done()
		return exitOK, nil
	}

	// 5. Drive the upload to completion
	payload, err := os.ReadFile(*filePath)
	if err != nil {
		return exitConfig, fmt.Errorf("cannot read %s: %w", *filePath, err)
	}
	fileName := filepath.Base(*filePath)

	var watch *upload.Watch
	if *resumeID != "" {
		watch, err = uploads.Resume(ctx, upload.ResumeRequest{
			UploadID:  *resumeID,
			Payload:   payload,
			ChunkSize: config.ChunkSize,
			UserID:    config.UserID,
			Kind:      upload.KindTopic,
			FileName:  fileName,
		})
	} else {
		watch, err = uploads.Begin(ctx, upload.BeginRequest{
			Payload:   payload,
			FileName:  fileName,
			ChunkSize: config.ChunkSize,
			UserID:    config.UserID,
			Kind:      upload.KindTopic,
		})
	}
	if err != nil {
		return exitRuntime, err
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Interrupted, upload can be resumed later")
			return exitOK, nil
		case p := <-watch.Progress:
			fmt.Printf("\r%s %5.1f%% (%d/%d chunks)",
				color.New(color.FgCyan).Render("uploading"),
				p.ProgressPercentage, p.UploadedChunks, p.TotalChunks)
		case res := <-watch.Done:
			fmt.Println()
			printResult(res)
			if *conversationID != "" {
				announce(logger, conn, router, config, *conversationID, fileName, res.FileID)
			}
			return exitOK, nil
		case failure := <-watch.Failed:
			fmt.Println()
			return exitRuntime, fmt.Errorf("upload %s failed on chunk %d (%s): %v",
				failure.UploadID, failure.ChunkIndex, failure.Code, failure.Err)
		}
	}
}

// waitConnected blocks until the manager reaches connected, or reports the
// handshake error when it gives up.
func waitConnected(ctx context.Context, conn *connection.Manager) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change := <-conn.States():
			switch change.To {
			case domain.Connected:
				return nil
			case domain.Errored:
				return fmt.Errorf("connection failed: %w", change.Err)
			}
		}
	}
}

// announce posts a file message into the conversation once the upload has
// its definitive file id.
func announce(logger *slog.Logger, conn *connection.Manager, router *runtime.Router,
	config internal.Config, conversationID, fileName, fileID string) {

	client := chat.NewClient(logger, conn, router, config.BufferSize)
	if err := client.JoinConversation(conversationID); err != nil {
		logger.Warn("Cannot join conversation", "conversation", conversationID, "error", err)
		return
	}
	defer func() { _ = client.LeaveConversation(conversationID) }()

	if err := client.SendMessage(conversationID, "file", fileName, fileID); err != nil {
		logger.Warn("Failed to announce upload", "conversation", conversationID, "error", err)
		return
	}
	fmt.Println(color.New(color.FgGreen).Render(">>> Announced in conversation " + conversationID))
}

func printResult(res upload.Result) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Upload ID", "File ID", "File URL"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.Append([]string{res.UploadID, res.FileID, res.FileURL})
	table.Render()
}
