package api

import (
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradelink/internal/api/handlers"
	"tradelink/internal/api/middleware"
	"tradelink/internal/service"
	"tradelink/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	AuthService  service.AuthServiceInterface
	OrderService service.OrderServiceInterface
	Hub          *websocket.Hub
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /webhook/{userId}/{webhookId}
//
//	└── POST - входящий торговый сигнал
//
// /api/v1/
//
//	├── /connections/
//	│   ├── GET    ?user_id=N - список подключений
//	│   ├── POST   / - создать подключение
//	│   ├── GET    /{id} - получить подключение
//	│   ├── DELETE /{id} - удалить подключение
//	│   ├── GET    /{id}/orders - ордера подключения
//	│   ├── POST   /{id}/login - запустить логин
//	│   ├── POST   /{id}/reconnect - повторный логин
//	│   └── POST   /{id}/disconnect - отключить
//	├── /callbacks/
//	│   └── GET /{broker} - OAuth redirect callback
//	└── /orders/
//	    ├── GET ?user_id=N - ордера пользователя
//	    └── GET /{id} - один ордер
//
// /ws/stream - WebSocket поток ордеров и состояний
// /health - liveness probe
// /metrics - Prometheus
// /debug/pprof - профили runtime'а за Basic Auth
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	var connectionHandler *handlers.ConnectionHandler
	var oauthHandler *handlers.OAuthHandler
	if deps != nil && deps.AuthService != nil {
		connectionHandler = handlers.NewConnectionHandler(deps.AuthService)
		oauthHandler = handlers.NewOAuthHandler(deps.AuthService)
	}

	var webhookHandler *handlers.WebhookHandler
	var orderHandler *handlers.OrderHandler
	if deps != nil && deps.OrderService != nil {
		webhookHandler = handlers.NewWebhookHandler(deps.OrderService)
		orderHandler = handlers.NewOrderHandler(deps.OrderService)
	}

	// Webhook endpoint живёт вне /api/v1: его URL пользователи вставляют
	// во внешние системы, версия API их не касается
	if webhookHandler != nil {
		router.HandleFunc("/webhook/{userId}/{webhookId}", webhookHandler.HandleSignal).Methods("POST")
	}

	api := router.PathPrefix("/api/v1").Subrouter()

	if connectionHandler != nil {
		api.HandleFunc("/connections", connectionHandler.GetConnections).Methods("GET")
		api.HandleFunc("/connections", connectionHandler.CreateConnection).Methods("POST")
		api.HandleFunc("/connections/{id}", connectionHandler.GetConnection).Methods("GET")
		api.HandleFunc("/connections/{id}", connectionHandler.DeleteConnection).Methods("DELETE")
		api.HandleFunc("/connections/{id}/login", connectionHandler.StartLogin).Methods("POST")
		api.HandleFunc("/connections/{id}/reconnect", connectionHandler.Reconnect).Methods("POST")
		api.HandleFunc("/connections/{id}/disconnect", connectionHandler.Disconnect).Methods("POST")
	}

	if oauthHandler != nil {
		api.HandleFunc("/callbacks/{broker}", oauthHandler.HandleCallback).Methods("GET")
	}

	if orderHandler != nil {
		api.HandleFunc("/orders", orderHandler.GetOrders).Methods("GET")
		api.HandleFunc("/orders/{id}", orderHandler.GetOrder).Methods("GET")
		api.HandleFunc("/connections/{id}/orders", orderHandler.GetConnectionOrders).Methods("GET")
	}

	if deps != nil && deps.Hub != nil {
		hub := deps.Hub
		router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, w, r)
		})
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// pprof за Basic Auth (DEBUG_USERNAME/DEBUG_PASSWORD)
	debug := router.PathPrefix("/debug").Subrouter()
	debug.Use(middleware.DebugAuth)
	debug.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	debug.HandleFunc("/pprof/profile", pprof.Profile)
	debug.HandleFunc("/pprof/symbol", pprof.Symbol)
	debug.HandleFunc("/pprof/trace", pprof.Trace)
	debug.PathPrefix("/pprof/").HandlerFunc(pprof.Index)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
