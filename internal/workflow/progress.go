package workflow

import (
	"sync"
	"time"

	"conveyor/internal/queue"
)

// Event is a point-in-time snapshot of a task's pipeline progress. Exactly
// one event per task carries Terminal set.
type Event struct {
	TaskID    int64
	TaskUUID  string
	Status    queue.Status
	Stage     string
	Percent   float64
	Message   string
	Terminal  bool
	Timestamp time.Time
}

// Sink fans progress events out to subscribers. Publish never blocks; a
// subscriber that falls behind loses events rather than stalling the
// pipeline.
type Sink struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	next        int
}

// NewSink constructs an empty sink.
func NewSink() *Sink {
	return &Sink{subscribers: make(map[int]chan Event)}
}

// Subscribe registers a consumer with the given channel buffer. The returned
// cancel function removes the subscription and closes the channel.
func (s *Sink) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subscribers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber that has buffer room.
func (s *Sink) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

func eventFromItem(item *queue.Item, terminal bool) Event {
	return Event{
		TaskID:    item.ID,
		TaskUUID:  item.TaskUUID,
		Status:    item.Status,
		Stage:     item.ProgressStage,
		Percent:   item.ProgressPercent,
		Message:   item.ProgressMessage,
		Terminal:  terminal,
		Timestamp: time.Now().UTC(),
	}
}
