package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradelink/internal/api"
	"tradelink/internal/config"
	"tradelink/internal/reconciler"
	"tradelink/internal/repository"
	"tradelink/internal/service"
	"tradelink/internal/websocket"

	_ "github.com/lib/pq"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация базы данных
	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	log.Printf("Connected to database: %s", cfg.Database.DSNWithoutPassword())

	// Инициализация репозиториев
	connRepo := repository.NewConnectionRepository(db)
	orderRepo := repository.NewOrderRepository(db)

	// Инициализация сервисов
	brokerService := service.NewBrokerService(connRepo, cfg.Security.EncryptionKey())
	authService := service.NewAuthService(connRepo, brokerService, cfg.Server.PublicBaseURL)
	orderService := service.NewOrderService(connRepo, orderRepo, brokerService, authService, service.PassthroughResolver{})

	// Reconciler: отслеживание размещённых ордеров до терминального статуса
	engine := reconciler.NewEngine(
		connRepo,
		orderRepo,
		brokerService,
		authService,
		cfg.Reconciler.PollInterval,
		cfg.Reconciler.TrackCeiling,
	)
	orderService.SetTracker(engine)

	// WebSocket hub
	hub := websocket.NewHub()
	go hub.Run()
	authService.SetBroadcaster(hub)
	orderService.SetBroadcaster(hub)
	engine.SetBroadcaster(hub)

	// Ордера, оставшиеся in-flight после рестарта, возвращаются под отслеживание
	if err := engine.RecoverFromStore(); err != nil {
		log.Printf("[reconciler] recovery failed: %v", err)
	}

	// Периодическая проверка истекающих сессий
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go runExpirySweep(sweepCtx, authService, cfg.Reconciler.ExpirySweepFreq)

	// Настройка зависимостей для API
	deps := &api.Dependencies{
		AuthService:  authService,
		OrderService: orderService,
		Hub:          hub,
	}

	// Настройка HTTP роутера
	router := api.SetupRoutes(deps)

	// HTTP сервер
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Запуск сервера в отдельной горутине
	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if cfg.Server.UseHTTPS {
			if err := server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Server failed: %v", err)
			}
		} else {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Server failed: %v", err)
			}
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	stopSweep()
	engine.Shutdown()
	hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

// runExpirySweep периодически проверяет подключения с истекающим токеном
func runExpirySweep(ctx context.Context, authService *service.AuthService, freq time.Duration) {
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			authService.RunExpirySweep(ctx)
		}
	}
}

// initDatabase создает подключение к базе данных
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Проверка подключения
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
