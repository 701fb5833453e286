// Package modelstream holds the event plumbing shared by the speech model
// providers: ordered delivery through an iterator, sequence numbering and
// local turn cancellation.
package modelstream

import (
	"errors"
	"iter"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
)

// ErrClosed is returned when using a stream after Close
var ErrClosed = errors.New("model stream closed")

const defaultBuffer = 64

type eventOrError struct {
	event entities.ModelEvent
	err   error
	// epoch counts the cancellations seen when the event was emitted
	epoch uint64
}

// Pump delivers provider events to a single consumer. Providers call Emit,
// Fail and Finish from one receive goroutine.
//
// Cancelling a turn is local: the pump acknowledges it with a turn-cancelled
// event delivered ahead of anything still buffered, drops the buffered output
// of the cancelled turn and swallows the rest of that turn until the model
// ends it or starts a new one. CancelTurn never waits on the consumer.
type Pump struct {
	logger *zap.Logger

	eventsCh  chan eventOrError
	acksCh    chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once

	// mu is never held while blocked on eventsCh
	mu          sync.Mutex
	finished    bool
	inTurn      bool
	suppressing bool
	turnID      string
	epoch       uint64
	acks        []eventOrError

	// owned by the consumer
	seq       uint64
	seenEpoch uint64
}

// NewPump creates a pump with the given buffer size in events
func NewPump(logger *zap.Logger, buffer int) *Pump {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Pump{
		logger:   logger,
		eventsCh: make(chan eventOrError, buffer),
		acksCh:   make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
	}
}

// Emit delivers an event, applying turn bookkeeping. It blocks while the
// buffer is full and returns false once the pump is closed or finished.
func (p *Pump) Emit(event entities.ModelEvent) bool {
	items, ok := p.admit(event)
	if !ok {
		return false
	}
	for _, item := range items {
		if !p.send(item) {
			return false
		}
	}
	return true
}

// admit applies turn bookkeeping and returns the items to deliver
func (p *Pump) admit(event entities.ModelEvent) ([]eventOrError, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return nil, false
	}

	var items []eventOrError
	switch event.Kind {
	case entities.ModelEventTurnStarted:
		p.beginTurn(event.TurnID)
		event.TurnID = p.turnID

	case entities.ModelEventAudioOutput:
		if p.suppressing {
			return nil, true
		}
		if !p.inTurn {
			// Some providers never announce a turn; the first audio opens one.
			p.beginTurn("")
			items = append(items, eventOrError{
				event: entities.ModelEvent{Kind: entities.ModelEventTurnStarted, TurnID: p.turnID},
				epoch: p.epoch,
			})
		}
		event.TurnID = p.turnID

	case entities.ModelEventTranscriptionDelta:
		if p.suppressing && event.Transcript != nil && event.Transcript.Role == entities.RoleAssistant {
			return nil, true
		}
		event.TurnID = p.turnID

	case entities.ModelEventTurnComplete, entities.ModelEventTurnCancelled:
		wasSuppressing := p.suppressing
		event.TurnID = p.turnID
		p.inTurn = false
		p.suppressing = false
		if wasSuppressing {
			p.logger.Debug("Swallowed end of cancelled turn", zap.String("kind", string(event.Kind)))
			return nil, true
		}
	}

	return append(items, eventOrError{event: event, epoch: p.epoch}), true
}

// CancelTurn acknowledges a cancellation request from the caller side
func (p *Pump) CancelTurn() error {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.inTurn {
		p.suppressing = true
	}
	p.epoch++
	p.acks = append(p.acks, eventOrError{
		event: entities.ModelEvent{Kind: entities.ModelEventTurnCancelled, TurnID: p.turnID},
		epoch: p.epoch,
	})
	p.mu.Unlock()

	select {
	case p.acksCh <- struct{}{}:
	default:
	}
	return nil
}

// Fail delivers a terminal error. Iteration stops after it.
func (p *Pump) Fail(err error) {
	p.mu.Lock()
	finished := p.finished
	p.mu.Unlock()

	if finished {
		return
	}
	p.send(eventOrError{err: err})
}

// Finish ends the event sequence. Called once by the provider receive loop.
func (p *Pump) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.finished {
		return
	}
	p.finished = true
	close(p.eventsCh)
}

// Events returns an iterator over delivered events
func (p *Pump) Events() iter.Seq2[entities.ModelEvent, error] {
	return func(yield func(entities.ModelEvent, error) bool) {
		for {
			if !p.yieldAcks(yield) {
				return
			}

			select {
			case <-p.closeCh:
				return
			case <-p.acksCh:
			case item, ok := <-p.eventsCh:
				if !ok {
					p.yieldAcks(yield)
					return
				}
				// Acks requested before this item was emitted go first.
				if !p.yieldAcks(yield) {
					return
				}
				if item.err != nil {
					yield(item.event, item.err)
					return
				}
				if p.stale(item) {
					continue
				}
				if !p.deliver(item, yield) {
					return
				}
			}
		}
	}
}

// yieldAcks delivers pending cancellation acknowledgements
func (p *Pump) yieldAcks(yield func(entities.ModelEvent, error) bool) bool {
	p.mu.Lock()
	acks := p.acks
	p.acks = nil
	p.mu.Unlock()

	for _, ack := range acks {
		p.seenEpoch = ack.epoch
		if !p.deliver(ack, yield) {
			return false
		}
	}
	return true
}

// stale reports whether a buffered item belongs to a turn cancelled after it
// was emitted
func (p *Pump) stale(item eventOrError) bool {
	if item.epoch >= p.seenEpoch {
		return false
	}
	switch item.event.Kind {
	case entities.ModelEventTurnStarted, entities.ModelEventAudioOutput, entities.ModelEventTurnCancelled:
		return true
	case entities.ModelEventTranscriptionDelta:
		return item.event.Transcript != nil && item.event.Transcript.Role == entities.RoleAssistant
	}
	return false
}

func (p *Pump) deliver(item eventOrError, yield func(entities.ModelEvent, error) bool) bool {
	p.seq++
	item.event.Seq = p.seq
	return yield(item.event, nil)
}

// Close stops delivery and unblocks any pending Emit. Idempotent.
func (p *Pump) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
	})
}

// Closed returns a channel closed by Close
func (p *Pump) Closed() <-chan struct{} {
	return p.closeCh
}

// IsClosed reports whether Close has been called
func (p *Pump) IsClosed() bool {
	select {
	case <-p.closeCh:
		return true
	default:
		return false
	}
}

func (p *Pump) beginTurn(turnID string) {
	if turnID == "" {
		turnID = uuid.NewString()
	}
	p.turnID = turnID
	p.inTurn = true
	p.suppressing = false
}

// send blocks until the consumer has room or the pump is closed
func (p *Pump) send(item eventOrError) bool {
	select {
	case <-p.closeCh:
		return false
	case p.eventsCh <- item:
		return true
	}
}
