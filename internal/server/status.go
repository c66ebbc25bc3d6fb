package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/laurels/internal/competition"
	"github.com/gin-gonic/gin"
)

const (
	statusEventName       = "status"
	heartbeatEventName    = "heartbeat"
	statusStreamSource    = "laurels-api"
	statusSubscriberQueue = 16
)

type statusMessage struct {
	EventID       string `json:"event_id"`
	ResultsStatus string `json:"results_status"`
	Timestamp     string `json:"timestamp"`
}

// StatusDispatcher fans committed lifecycle transitions out to per-event subscribers.
// Slow subscribers drop messages rather than block the pipeline.
type StatusDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*statusSubscriber
	nextID      int64
	bufferSize  int
}

type statusSubscriber struct {
	id     int64
	stream chan competition.StatusChange
}

func NewStatusDispatcher() *StatusDispatcher {
	return &StatusDispatcher{
		subscribers: make(map[string]map[int64]*statusSubscriber),
		bufferSize:  statusSubscriberQueue,
	}
}

// Subscribe registers interest in one event until ctx ends or cleanup is called.
func (d *StatusDispatcher) Subscribe(ctx context.Context, eventID string) (<-chan competition.StatusChange, func()) {
	if eventID == "" {
		ch := make(chan competition.StatusChange)
		close(ch)
		return ch, func() {}
	}
	subscriber := &statusSubscriber{
		id:     d.nextSequence(),
		stream: make(chan competition.StatusChange, d.bufferSize),
	}
	d.registerSubscriber(eventID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(eventID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// StatusChanged delivers a transition to every subscriber of its event.
func (d *StatusDispatcher) StatusChanged(change competition.StatusChange) {
	if change.EventID == "" || change.Status == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[change.EventID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*statusSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

func (d *StatusDispatcher) subscriberCount(eventID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[eventID])
}

func (d *StatusDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *StatusDispatcher) registerSubscriber(eventID string, subscriber *statusSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[eventID]; !ok {
		d.subscribers[eventID] = make(map[int64]*statusSubscriber)
	}
	d.subscribers[eventID][subscriber.id] = subscriber
}

func (d *StatusDispatcher) unregisterSubscriber(eventID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[eventID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, eventID)
		}
	}
	d.mu.Unlock()
}

// handleStatusStream sends the current status, then every transition, as server-sent
// events. The stream ends once the event is published.
func (h *httpHandler) handleStatusStream(c *gin.Context) {
	eventID, ok := h.eventIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	event, err := h.competition.GetEvent(ctx, eventID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	stream, cleanup := h.status.Subscribe(ctx, eventID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(statusEventName, statusMessage{
		EventID:       event.EventID,
		ResultsStatus: string(event.ResultsStatus),
		Timestamp:     time.Unix(event.UpdatedAtSeconds, 0).UTC().Format(time.RFC3339),
	})
	c.Writer.Flush()
	if event.ResultsStatus == competition.StatusPublished {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case change, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(statusEventName, statusMessage{
				EventID:       change.EventID,
				ResultsStatus: string(change.Status),
				Timestamp:     change.Timestamp.UTC().Format(time.RFC3339),
			})
			return change.Status != competition.StatusPublished
		case tick := <-ticker.C:
			c.SSEvent(heartbeatEventName, gin.H{"source": statusStreamSource, "timestamp": tick.UTC().Format(time.RFC3339)})
			return true
		}
	})
}
