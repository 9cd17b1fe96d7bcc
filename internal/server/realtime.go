package server

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beresta/messenger/internal/apperr"
	"github.com/beresta/messenger/internal/messaging"
)

const (
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "beresta-messenger"

	defaultHeartbeatInterval = 25 * time.Second
)

type RealtimeMessage struct {
	Recipient string
	EventType string
	Payload   any
	Timestamp time.Time
}

// RealtimeDispatcher fans events out to per-user buffered streams. A full
// buffer drops the event for that subscriber only.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Publish implements messaging.EventPublisher.
func (d *RealtimeDispatcher) Publish(event messaging.Event) {
	timestamp := d.clock().UTC()
	for _, recipient := range event.Recipients {
		d.deliver(RealtimeMessage{
			Recipient: messaging.NormalizeEmail(recipient),
			EventType: event.Type,
			Payload:   event.Payload,
			Timestamp: timestamp,
		})
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, email string) (<-chan RealtimeMessage, func()) {
	email = messaging.NormalizeEmail(email)
	if email == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(email, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(email, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Subscribers reports the number of open streams for email.
func (d *RealtimeDispatcher) Subscribers(email string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[messaging.NormalizeEmail(email)])
}

func (d *RealtimeDispatcher) deliver(message RealtimeMessage) {
	if message.Recipient == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Recipient]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(email string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[email]; !ok {
		d.subscribers[email] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[email][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(email string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[email]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, email)
		}
	}
	d.mu.Unlock()
}

type realtimeEnvelope struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// handleEventStream serves a server-sent event stream for one user until the
// client disconnects.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	email := messaging.NormalizeEmail(c.Param("email"))
	if email == "" || !strings.Contains(email, "@") {
		respondError(c, h.logger, apperr.Invalid(msgEmailRequired))
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, email)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	h.logger.Debug("realtime stream opened", zap.String("email", email))
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("realtime stream closed", zap.String("email", email))
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(message.EventType, realtimeEnvelope{
				Source:    realtimeSourceBackend,
				Timestamp: message.Timestamp,
				Data:      message.Payload,
			})
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEnvelope{
				Source:    realtimeSourceBackend,
				Timestamp: tick.UTC(),
			})
			c.Writer.Flush()
		}
	}
}
