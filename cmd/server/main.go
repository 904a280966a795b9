package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"chathub/internal/chat"
	"chathub/internal/config"
	"chathub/internal/database"
	"chathub/internal/handler"
	"chathub/internal/identity"
	"chathub/internal/relay"
	"chathub/internal/store"
)

type messageStore interface {
	chat.MessageStore
	Close() error
}

func openStore(ctx context.Context, cfg config.Config) (messageStore, error) {
	if cfg.DBDriver == config.DriverPostgres {
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	db, err := database.Init(cfg)
	if err != nil {
		return nil, err
	}
	return store.NewSQL(db), nil
}

func main() {
	// .envファイルを読み込み
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  .env file not found, using default values: %v", err)
	}

	// 環境変数を読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// データベース接続を初期化
	messages, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}
	defer messages.Close()

	verifier := identity.NewVerifier(cfg.JWTKey)
	if verifier == nil {
		log.Printf("⚠️  JWT_KEY is not set; connections start without identity")
	}

	hub := chat.NewHub(messages, chat.Options{AllowAnonymousJoin: cfg.AllowAnonymousJoin})
	defer hub.Close()

	// 複数ノード構成ではRedis経由でイベントを中継
	nodeID := cfg.NodeID
	if cfg.RedisURL != "" {
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		r, err := relay.NewRedis(ctx, cfg.RedisURL, cfg.RelayChannel)
		if err != nil {
			log.Fatalf("❌ Failed to connect relay: %v", err)
		}
		defer r.Close()
		if err := hub.Dispatcher().AttachRelay(ctx, r, nodeID); err != nil {
			log.Fatalf("❌ Failed to subscribe relay: %v", err)
		}
	}

	// ハンドラー初期化
	h := handler.New(hub, messages, verifier, cfg)
	router := h.SetupRouter()

	// CORS対応
	corsOptions := cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
		AllowCredentials: true,
	}
	if cfg.AllowsAllOrigins() {
		corsOptions.AllowedOrigins = nil
		corsOptions.AllowOriginFunc = func(string) bool { return true }
	}
	httpHandler := cors.New(corsOptions).Handler(router)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           httpHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Println("========================================")
	fmt.Println("  Chathub Realtime Server")
	fmt.Println("========================================")
	fmt.Printf("  Environment: %s\n", cfg.Env)
	fmt.Printf("  Server: http://localhost:%s\n", cfg.ServerPort)
	fmt.Printf("  WebSocket: ws://localhost:%s/ws\n", cfg.ServerPort)
	switch cfg.DBDriver {
	case config.DriverMySQL:
		if cfg.DBName != "" {
			fmt.Printf("  Database: mysql %s@%s:%s/%s\n", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
		}
	case config.DriverSQLite:
		fmt.Printf("  Database: sqlite %s\n", cfg.DBPath)
	case config.DriverPostgres:
		fmt.Println("  Database: postgres")
	}
	if cfg.RedisURL != "" {
		fmt.Printf("  Relay: %s (node %s)\n", cfg.RelayChannel, nodeID)
	}
	fmt.Printf("  Allowed Origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("========================================")

	go func() {
		log.Println("🚀 Server started successfully")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ HTTP shutdown: %v", err)
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Printf("❌ WebSocket shutdown: %v", err)
	}
	log.Println("👋 Server stopped")
}
