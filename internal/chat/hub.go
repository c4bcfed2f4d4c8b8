package chat

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// delivery is one event payload addressed to a set of users.
type delivery struct {
	recipients []string
	payload    []byte
}

// Hub fans events out to the websocket clients connected to this instance.
// Run owns the clients map; everything else talks to it through channels.
type Hub struct {
	clients    map[string]map[*Client]bool // userID -> connections
	broadcast  chan delivery               // From Redis (or Publish) -> Clients
	Register   chan *Client
	Unregister chan *Client
	done       chan struct{} // closed when Run returns
	redis      *redis.Client
	channel    string
	logger     zerolog.Logger
}

// NewHub builds a hub. redisClient may be nil for a single instance; events then only
// arrive through Publish.
func NewHub(redisClient *redis.Client, channel string, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan delivery, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
		redis:      redisClient,
		channel:    channel,
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, conns := range h.clients {
				for client := range conns {
					close(client.Send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			return

		case client := <-h.Register:
			if h.clients[client.UserID] == nil {
				h.clients[client.UserID] = make(map[*Client]bool)
			}
			h.clients[client.UserID][client] = true

		case client := <-h.Unregister:
			h.remove(client)

		case d := <-h.broadcast:
			for _, userID := range d.recipients {
				for client := range h.clients[userID] {
					select {
					case client.Send <- d.payload:
					default:
						// Slow consumer: drop it rather than stall every other user
						h.remove(client)
					}
				}
			}
		}
	}
}

// register reports false once the hub has stopped.
func (h *Hub) register(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregister(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) remove(client *Client) {
	conns, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := conns[client]; ok {
		delete(conns, client)
		close(client.Send)
	}
	if len(conns) == 0 {
		delete(h.clients, client.UserID)
	}
}

// Publish delivers an event to local clients without going through Redis.
func (h *Hub) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return h.enqueue(ctx, event.Recipients, payload)
}

func (h *Hub) enqueue(ctx context.Context, recipients []string, payload []byte) error {
	select {
	case h.broadcast <- delivery{recipients: recipients, payload: payload}:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeToRedis listens for events published by any instance.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.Subscribe(ctx, h.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var head struct {
				Recipients []string `json:"recipients"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &head); err != nil {
				h.logger.Warn().Err(err).Msg("dropping malformed event")
				continue
			}
			if err := h.enqueue(ctx, head.Recipients, []byte(msg.Payload)); err != nil {
				return
			}
		}
	}
}

// RedisPublisher publishes events to a Redis channel that every hub subscribes to.
type RedisPublisher struct {
	redis   *redis.Client
	channel string
}

func NewRedisPublisher(redisClient *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{redis: redisClient, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.redis.Publish(ctx, p.channel, payload).Err()
}
