package service

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

type EventType string

const (
	EventQueueUpdated      EventType = "queue_updated"
	EventCeremonyFormed    EventType = "ceremony_formed"
	EventCeremonyConcluded EventType = "ceremony_concluded"
	EventCeremonyCancelled EventType = "ceremony_cancelled"
)

// Event notifies connected clients of a state change.
type Event struct {
	Type            EventType `json:"type"`
	CeremonyID      string    `json:"ceremony_id,omitempty"`
	Transaction     string    `json:"transaction,omitempty"` // hex encoded blob to sign
	TransactionHash string    `json:"transaction_hash,omitempty"`
	ConfirmationID  string    `json:"confirmation_id,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Participants    []string  `json:"participants,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// EventSink receives events on the processor goroutine.
type EventSink interface {
	Broadcast(Event)
}

// EventProcessor decouples event delivery from the request path. Publishing
// never blocks; events that do not fit in the buffer are dropped.
type EventProcessor struct {
	sink         EventSink
	eventCh      chan Event
	processingWg sync.WaitGroup
	shutdownCh   chan struct{}
	stopOnce     sync.Once
	dropped      *atomic.Uint64
	metrics      *MetricsCollector
	log          zerolog.Logger
}

func NewEventProcessor(sink EventSink, bufferSize int, metrics *MetricsCollector, log zerolog.Logger) *EventProcessor {
	return &EventProcessor{
		sink:       sink,
		eventCh:    make(chan Event, bufferSize),
		shutdownCh: make(chan struct{}),
		dropped:    atomic.NewUint64(0),
		metrics:    metrics,
		log:        log.With().Str("component", "events").Logger(),
	}
}

// Start begins delivering published events to the sink.
func (ep *EventProcessor) Start() {
	ep.processingWg.Add(1)
	go ep.deliveryWorker()
}

// Stop delivers what is already buffered and waits for the worker to exit.
func (ep *EventProcessor) Stop() {
	ep.stopOnce.Do(func() {
		close(ep.shutdownCh)
	})
	ep.processingWg.Wait()
}

// Publish enqueues e for delivery. A nil processor discards events.
func (ep *EventProcessor) Publish(e Event) {
	if ep == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	select {
	case ep.eventCh <- e:
	default:
		ep.dropped.Inc()
		if ep.metrics != nil {
			ep.metrics.RecordDroppedEvent()
		}
		ep.log.Warn().Str("event", string(e.Type)).Msg("event buffer is full, event dropped")
	}
}

// Dropped returns the number of events discarded so far.
func (ep *EventProcessor) Dropped() uint64 {
	return ep.dropped.Load()
}

func (ep *EventProcessor) deliveryWorker() {
	defer ep.processingWg.Done()

	for {
		select {
		case <-ep.shutdownCh:
			for {
				select {
				case e := <-ep.eventCh:
					ep.sink.Broadcast(e)
				default:
					return
				}
			}
		case e := <-ep.eventCh:
			ep.sink.Broadcast(e)
		}
	}
}
