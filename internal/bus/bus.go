// Package bus implements tinycrab's message bus: a single-consumer inbound
// FIFO plus a fan-out outbound pub/sub keyed by channel name.
//
// Modeled on the events/bus package this project started from, but narrowed
// to a single-consumer inbound queue plus synchronous fan-out instead of a
// general NATS-style wildcard subject matcher.
package bus

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/tinycrab/tinycrab/internal/logging"
)

// Message is the unit of exchange on both the inbound and outbound sides of
// the bus.
type Message struct {
	Channel string
	ChatID  string
	Content string
	Meta    map[string]any
}

// OutboundHandler receives outbound messages published on a channel.
type OutboundHandler func(Message)

// Bus is the in-process message bus.
type Bus struct {
	logger *logging.Logger

	inMu      sync.Mutex
	inQueue   *list.List // of Message
	inWaiters *list.List // of chan Message

	outMu   sync.RWMutex
	outSubs map[string][]OutboundHandler
}

// New creates an empty Bus.
func New(log *logging.Logger) *Bus {
	if log == nil {
		log = logging.Default()
	}
	return &Bus{
		logger:    log.WithFields(zap.String("component", "bus")),
		inQueue:   list.New(),
		inWaiters: list.New(),
		outSubs:   make(map[string][]OutboundHandler),
	}
}

// PublishInbound delivers m to the head waiter if one is registered, or
// enqueues m for a future ConsumeInbound call. Exactly one consumer ever
// receives a given message.
func (b *Bus) PublishInbound(m Message) {
	b.inMu.Lock()
	if front := b.inWaiters.Front(); front != nil {
		b.inWaiters.Remove(front)
		ch := front.Value.(chan Message)
		ch <- m // buffered (cap 1): never blocks, and lands before the lock is released
		b.inMu.Unlock()
		return
	}
	b.inQueue.PushBack(m)
	b.inMu.Unlock()
}

// ConsumeInbound returns the next queued message, or blocks until one
// arrives or ctx is cancelled. Ordering is FIFO among enqueued messages and
// FIFO among waiters.
func (b *Bus) ConsumeInbound(ctx context.Context) (Message, error) {
	b.inMu.Lock()
	if front := b.inQueue.Front(); front != nil {
		b.inQueue.Remove(front)
		m := front.Value.(Message)
		b.inMu.Unlock()
		return m, nil
	}

	ch := make(chan Message, 1)
	elem := b.inWaiters.PushBack(ch)
	b.inMu.Unlock()

	select {
	case m := <-ch:
		return m, nil
	case <-ctx.Done():
		b.inMu.Lock()
		// Remove our waiter if it hasn't been handed a message yet; if it
		// has (race with PublishInbound), drain the buffered value so it
		// isn't silently lost — re-enqueue it for the next consumer.
		b.inWaiters.Remove(elem)
		b.inMu.Unlock()
		select {
		case m := <-ch:
			b.inMu.Lock()
			b.inQueue.PushFront(m)
			b.inMu.Unlock()
		default:
		}
		return Message{}, ctx.Err()
	}
}

// PublishOutbound delivers m synchronously to every subscriber of
// m.Channel, in registration order. Messages with no subscribers are
// silently dropped — there is no buffering for late subscribers.
func (b *Bus) PublishOutbound(m Message) {
	b.outMu.RLock()
	subs := append([]OutboundHandler(nil), b.outSubs[m.Channel]...)
	b.outMu.RUnlock()

	for _, cb := range subs {
		cb(m)
	}
}

// Subscribe registers cb to receive every outbound message published on
// channel, appended after any existing subscribers.
func (b *Bus) Subscribe(channel string, cb OutboundHandler) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	b.outSubs[channel] = append(b.outSubs[channel], cb)
	b.logger.Debug("subscribed to outbound channel", zap.String("channel", channel))
}
