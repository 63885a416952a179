package websocket

import (
	"bytes"
	"log"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"tradelink/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Пул JSON-буферов: Broadcast вызывается на каждый тик reconciler'а,
// аллокации на каждую сериализацию не нужны
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// Hub управляет активными WebSocket соединениями
//
// Назначение:
// Real-time поток событий для UI: статусы ордеров и состояния подключений
// без polling'а со стороны клиента.
//
// Типы сообщений:
// - orderUpdate: ордер создан/размещён/сменил статус
// - connectionUpdate: подключение сменило состояние (EXPIRED и т.п.)
// - notification: прочие события
//
// Использование:
// 1. hub := NewHub()
// 2. go hub.Run()
// 3. hub.BroadcastOrderUpdate(order) из order service и reconciler'а
type Hub struct {
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}

	mu sync.RWMutex
}

// NewHub создает новый Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
	}
}

// Run запускает главный цикл Hub
// Должен запускаться в отдельной горутине: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case <-h.shutdown:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Printf("[ws] client connected, total=%d", h.ClientCount())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Printf("[ws] client disconnected, total=%d", h.ClientCount())

		case message := <-h.broadcast:
			// Копируем список под коротким RLock, шлём без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Клиент не вычитывает - снимаем
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
				log.Printf("[ws] dropped %d slow clients", len(toRemove))
			}
		}
	}
}

// Broadcast сериализует и отправляет сообщение всем клиентам
func (h *Hub) Broadcast(message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		log.Printf("[ws] broadcast marshal failed: %v", err)
		jsonBufferPool.Put(buf)
		return
	}

	// Encode добавляет trailing newline
	data := buf.Bytes()
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)
	jsonBufferPool.Put(buf)

	h.broadcast <- msgCopy
}

// BroadcastOrderUpdate отправляет изменение ордера
// Вызывается из order service (размещение) и reconciler'а (опрос)
func (h *Hub) BroadcastOrderUpdate(order *models.Order) {
	h.Broadcast(&OrderUpdateMessage{
		Type:  "orderUpdate",
		Order: order,
	})
}

// BroadcastConnectionUpdate отправляет смену состояния подключения
// UI по EXPIRED показывает кнопку re-login
func (h *Hub) BroadcastConnectionUpdate(connectionID int, state, detail string) {
	h.Broadcast(&ConnectionUpdateMessage{
		Type:         "connectionUpdate",
		ConnectionID: connectionID,
		State:        state,
		Detail:       detail,
	})
}

// BroadcastNotification отправляет произвольное событие
func (h *Hub) BroadcastNotification(data interface{}) {
	h.Broadcast(&NotificationMessage{
		Type: "notification",
		Data: data,
	})
}

// Stop останавливает цикл Run и закрывает все клиентские каналы
func (h *Hub) Stop() {
	close(h.shutdown)
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
