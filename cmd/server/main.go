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
	"path/filepath"
	"syscall"
	"time"

	"github.com/MegaGrindStone/vulnchat"
	"github.com/MegaGrindStone/vulnchat/internal/chat"
	"github.com/MegaGrindStone/vulnchat/internal/handlers"
	"github.com/MegaGrindStone/vulnchat/internal/pacing"
	"github.com/MegaGrindStone/vulnchat/internal/services"
	"github.com/MegaGrindStone/vulnchat/internal/session"
	"github.com/joho/godotenv"
)

func main() {
	// The .env file is optional.
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "vulnchat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfg, err := loadConfig(filepath.Join(cfgPath, "config.yaml"), cfgPath)
	if err != nil {
		log.Fatal(err)
	}
	level, err := cfg.level()
	if err != nil {
		log.Fatal(err)
	}
	chatCfg, err := cfg.chatConfig()
	if err != nil {
		log.Fatal(err)
	}
	twCfg, twEnabled, err := cfg.typewriterConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	boltDB, err := services.NewBoltDB(cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}

	pub, err := handlers.NewPublisher(logger)
	if err != nil {
		log.Fatal(err)
	}

	var observer chat.Observer = pub
	var pacer handlers.Pacer
	var typewriter *pacing.Typewriter
	if twEnabled {
		typewriter = pacing.NewTypewriter(pub, twCfg, logger)
		observer = typewriter
		pacer = typewriter
	}

	transport := services.NewChatStream(cfg.APIBase, cfg.StreamPath, nil, logger)
	sess := chat.NewSession(transport, session.NewStore(), observer, chatCfg, logger)

	m, err := handlers.NewMain(sess, boltDB, pub, pacer, logger)
	if err != nil {
		log.Fatal(err)
	}

	// Serve static files
	staticFS, err := fs.Sub(vulnchat.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/clear", m.HandleClearChat)
	mux.HandleFunc("/chats/close", m.HandleCloseChat)
	mux.HandleFunc("GET /vulnerabilities", m.HandleVulnerabilities)
	mux.HandleFunc("/vulnerabilities/{id}/analyze", m.HandleAnalyzeVulnerability)
	mux.Handle("/sse/messages", pub)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		// Typed messages are flushed before the chat is closed, so its final snapshots go straight
		// to the browsers.
		if typewriter != nil {
			typewriter.Close()
		}
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
		if err := boltDB.Close(); err != nil {
			logger.Error("Failed to close database", slog.String("err", err.Error()))
		}
	})

	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("backend", transport.URL()))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

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
