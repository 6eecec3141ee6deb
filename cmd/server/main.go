package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chatwidget "github.com/MegaGrindStone/chatbot-widget"
	"github.com/MegaGrindStone/chatbot-widget/internal/handlers"
	"github.com/MegaGrindStone/chatbot-widget/internal/services"
)

func main() {
	cfgPath, err := configPath()
	if err != nil {
		log.Fatal(err)
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	level, err := cfg.slogLevel()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	var archive handlers.Archive
	if cfg.ArchivePath != "" {
		boltArchive, err := services.NewBoltArchive(cfg.ArchivePath, logger)
		if err != nil {
			logger.Error("Failed to open archive", slog.String("path", cfg.ArchivePath), slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer boltArchive.Close()
		archive = boltArchive
	}

	client := &http.Client{}
	m, err := handlers.NewMain(cfg.Widget, client, archive, services.NewMarkdown(cfg.MarkdownStyle), logger)
	if err != nil {
		logger.Error("Failed to create handlers", slog.String("err", err.Error()))
		os.Exit(1)
	}

	// Serve static files
	staticFS, err := fs.Sub(chatwidget.StaticFS, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/sessions", m.HandleSessions)
	mux.HandleFunc("/messages", m.HandleMessages)
	mux.HandleFunc("/sse", m.HandleSSE)
	mux.HandleFunc("/archive", m.HandleArchive)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("port", cfg.Port),
			slog.String("config", cfgPath),
			slog.String("endpoint", cfg.Widget.WithDefaults().EndpointURL))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", fmt.Sprint(sig)))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
}
