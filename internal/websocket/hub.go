package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/storyreel/api/internal/model"
)

// subscriber is one websocket connection watching one generation job
type subscriber struct {
	jobID string
	send  chan []byte
}

// Hub fans generation job events out to per-job subscribers. The worker
// is the only producer; events are queued on a buffered channel so a
// broadcast never blocks a generation step, and a subscriber too slow to
// drain its own buffer is dropped rather than allowed to stall the rest.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[*subscriber]bool
	events      chan jobFrame
}

type jobFrame struct {
	jobID string
	data  []byte
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[*subscriber]bool),
		events:      make(chan jobFrame, 256),
	}
}

// Run drains the event queue. Call it once, in its own goroutine.
func (h *Hub) Run() {
	for frame := range h.events {
		h.deliver(frame)
	}
}

func (h *Hub) deliver(frame jobFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers[frame.jobID] {
		select {
		case sub.send <- frame.data:
		default:
			log.Printf("[Hub] dropping slow subscriber of job %s", frame.jobID)
			close(sub.send)
			delete(h.subscribers[frame.jobID], sub)
		}
	}
}

func (h *Hub) subscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[sub.jobID] == nil {
		h.subscribers[sub.jobID] = make(map[*subscriber]bool)
	}
	h.subscribers[sub.jobID][sub] = true
	log.Printf("[Hub] subscriber joined job %s", sub.jobID)
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subscribers[sub.jobID]
	if !ok || !subs[sub] {
		return
	}
	delete(subs, sub)
	close(sub.send)
	if len(subs) == 0 {
		delete(h.subscribers, sub.jobID)
	}
	log.Printf("[Hub] subscriber left job %s", sub.jobID)
}

func (h *Hub) publish(jobID string, event model.JobEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Hub] failed to marshal %s event for job %s: %v", event.Type, jobID, err)
		return
	}
	h.events <- jobFrame{jobID: jobID, data: data}
}

// BroadcastProgress pushes a progress frame to everyone watching the job
func (h *Hub) BroadcastProgress(jobID string, kind model.ArtifactKind, progress int, status model.JobStatus, step string) {
	h.publish(jobID, model.JobEvent{
		Type:        model.EventProgress,
		JobID:       jobID,
		Kind:        kind,
		Progress:    progress,
		Status:      status,
		CurrentStep: step,
	})
}

// BroadcastComplete pushes the finished generation result
func (h *Hub) BroadcastComplete(jobID string, result *model.GenerationResult) {
	event := model.JobEvent{
		Type:     model.EventComplete,
		JobID:    jobID,
		Progress: 100,
		Status:   model.JobStatusSucceeded,
		Result:   result,
	}
	if result != nil {
		event.Kind = result.Kind
	}
	h.publish(jobID, event)
}

// BroadcastError pushes a terminal failure frame
func (h *Hub) BroadcastError(jobID, code, message string) {
	h.publish(jobID, model.JobEvent{
		Type:   model.EventError,
		JobID:  jobID,
		Status: model.JobStatusFailed,
		Error:  &model.JobError{Code: code, Message: message},
	})
}

// HandleConnection serves one subscriber until the peer goes away.
// Subscribing is the only client action; inbound frames are drained and
// ignored.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string) {
	sub := &subscriber{
		jobID: jobID,
		send:  make(chan []byte, 64),
	}

	h.subscribe(sub)
	defer h.unsubscribe(sub)

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case data, ok := <-sub.send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}

			case <-ticker.C:
				// Keep-alive so idle long jobs do not lose their watchers
				// to proxy timeouts.
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[Hub] job %s subscriber read error: %v", jobID, err)
			}
			break
		}
	}
}
