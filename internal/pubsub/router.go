// Package pubsub multiplexes store-level channel subscriptions to in-process
// consumers: server callbacks and client connections.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jason-s-yu/trivia/internal/cache"
	"github.com/jason-s-yu/trivia/internal/session"
	"github.com/sirupsen/logrus"
)

// ErrRouterStopped is returned by subscribe calls after Stop.
var ErrRouterStopped = errors.New("pubsub router stopped")

// Broker is the store-level pub/sub the router sits on.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (cache.Subscription, error)
}

// CallbackFunc receives every payload published on a channel.
type CallbackFunc func(ctx context.Context, channel string, payload []byte) error

// CallbackID identifies a registered callback so it can be removed later.
type CallbackID uint64

// Options tunes listener behaviour.
type Options struct {
	// PollInterval bounds each blocking receive so cancellation is noticed promptly.
	PollInterval time.Duration
	// RetryBackoff is the first delay after a receive error; it doubles up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// DefaultChannel is used by PublishEvent when no prefix matches.
	DefaultChannel string
	// SendTimeout bounds a single delivery to a connection.
	SendTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.RetryBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	if o.DefaultChannel == "" {
		o.DefaultChannel = "events"
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 3 * time.Second
	}
	return o
}

type callback struct {
	id CallbackID
	fn CallbackFunc
}

// channelState is the local view of one channel. released is set exactly
// once, when the last consumer leaves and the store subscription is closed.
type channelState struct {
	name      string
	callbacks []callback
	conns     map[string]session.Transport
	sub       cache.Subscription
	cancel    context.CancelFunc
	released  bool
	// ready is closed once the store subscription is open or has failed.
	ready chan struct{}
}

func (c *channelState) empty() bool {
	return len(c.callbacks) == 0 && len(c.conns) == 0
}

// Router holds at most one store subscription per channel and fans inbound
// messages out to the local consumers registered on it.
type Router struct {
	broker Broker
	logger *logrus.Logger
	opts   Options

	mu       sync.Mutex
	channels map[string]*channelState
	conns    map[string]map[string]struct{} // connID -> channel names
	nextID   CallbackID
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter builds a router on top of broker.
func NewRouter(broker Broker, logger *logrus.Logger, opts Options) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		broker:   broker,
		logger:   logger,
		opts:     opts.withDefaults(),
		channels: make(map[string]*channelState),
		conns:    make(map[string]map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SubscribeCallback registers fn on channel, opening the store subscription
// if this is the channel's first local consumer.
func (r *Router) SubscribeCallback(ctx context.Context, channel string, fn CallbackFunc) (CallbackID, error) {
	var id CallbackID
	err := r.subscribe(ctx, channel, func(ch *channelState) {
		r.nextID++
		id = r.nextID
		ch.callbacks = append(ch.callbacks, callback{id: id, fn: fn})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// UnsubscribeCallback removes the given callbacks from channel, or every
// callback when no ids are passed. Unknown ids are ignored.
func (r *Router) UnsubscribeCallback(channel string, ids ...CallbackID) {
	r.mu.Lock()
	ch, ok := r.channels[channel]
	if !ok {
		r.mu.Unlock()
		return
	}
	if len(ids) == 0 {
		ch.callbacks = nil
	} else {
		drop := make(map[CallbackID]struct{}, len(ids))
		for _, id := range ids {
			drop[id] = struct{}{}
		}
		kept := ch.callbacks[:0]
		for _, cb := range ch.callbacks {
			if _, gone := drop[cb.id]; !gone {
				kept = append(kept, cb)
			}
		}
		ch.callbacks = kept
	}
	sub := r.releaseIfEmptyLocked(ch)
	r.mu.Unlock()

	r.closeSubscription(channel, sub)
}

// SubscribeConnection delivers channel messages to connID's transport.
// Re-subscribing replaces the transport.
func (r *Router) SubscribeConnection(ctx context.Context, connID, channel string, t session.Transport) error {
	return r.subscribe(ctx, channel, func(ch *channelState) {
		ch.conns[connID] = t
		if r.conns[connID] == nil {
			r.conns[connID] = make(map[string]struct{})
		}
		r.conns[connID][channel] = struct{}{}
	})
}

// UnsubscribeConnection stops delivering channel to connID.
func (r *Router) UnsubscribeConnection(connID, channel string) {
	r.mu.Lock()
	ch, ok := r.channels[channel]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(ch.conns, connID)
	if set, ok := r.conns[connID]; ok {
		delete(set, channel)
		if len(set) == 0 {
			delete(r.conns, connID)
		}
	}
	sub := r.releaseIfEmptyLocked(ch)
	r.mu.Unlock()

	r.closeSubscription(channel, sub)
}

// DetachConnection removes connID from every channel. Safe to call repeatedly.
func (r *Router) DetachConnection(connID string) {
	r.detach(connID, nil)
}

// detach removes connID from its channels. With a non-nil t only the
// channels still delivering to t are touched, so a stale transport never
// detaches the connection that replaced it.
func (r *Router) detach(connID string, t session.Transport) {
	r.mu.Lock()
	names := r.conns[connID]
	released := make(map[string]cache.Subscription)
	removed := 0
	for name := range names {
		ch, ok := r.channels[name]
		if !ok {
			delete(names, name)
			continue
		}
		if t != nil && ch.conns[connID] != t {
			continue
		}
		delete(ch.conns, connID)
		delete(names, name)
		removed++
		if sub := r.releaseIfEmptyLocked(ch); sub != nil {
			released[name] = sub
		}
	}
	if len(names) == 0 {
		delete(r.conns, connID)
	}
	r.mu.Unlock()

	for name, sub := range released {
		r.closeSubscription(name, sub)
	}
	if removed > 0 {
		r.logger.WithFields(logrus.Fields{"conn": connID, "channels": removed}).Debug("pubsub: connection detached")
	}
}

// Publish sends payload on channel through the store. Byte slices and
// strings go out as-is, anything else is JSON encoded.
func (r *Router) Publish(ctx context.Context, channel string, payload any) error {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	default:
		var err error
		if data, err = json.Marshal(p); err != nil {
			return fmt.Errorf("marshal payload for %s: %w", channel, err)
		}
	}
	return r.broker.Publish(ctx, channel, data)
}

// PublishEvent wraps data in the event envelope and publishes it. An empty
// channel is chosen from the event type's prefix.
func (r *Router) PublishEvent(ctx context.Context, eventType string, data any, channel string) error {
	if channel == "" {
		channel = ChannelForEvent(eventType, r.opts.DefaultChannel)
	}
	ev, err := NewEvent(eventType, data)
	if err != nil {
		return fmt.Errorf("build event %s: %w", eventType, err)
	}
	return r.Publish(ctx, channel, ev)
}

// Channels lists the channels that currently hold a store subscription.
func (r *Router) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.channels))
	for name, ch := range r.channels {
		if ch.sub != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ConnectionChannels lists the channels connID is subscribed to.
func (r *Router) ConnectionChannels(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.conns[connID]))
	for name := range r.conns[connID] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop closes every subscription and waits for the listeners to exit.
func (r *Router) Stop() {
	r.mu.Lock()
	r.stopped = true
	subs := make(map[string]cache.Subscription, len(r.channels))
	for name, ch := range r.channels {
		ch.released = true
		if ch.cancel != nil {
			ch.cancel()
		}
		if ch.sub != nil {
			subs[name] = ch.sub
		}
	}
	r.channels = make(map[string]*channelState)
	r.conns = make(map[string]map[string]struct{})
	r.mu.Unlock()

	r.cancel()
	for name, sub := range subs {
		r.closeSubscription(name, sub)
	}
	r.wg.Wait()
}

// subscribe runs add under r.mu once the channel's store subscription is
// open. The store round trip runs without r.mu. Concurrent callers for one
// channel wait on the first instead of opening a second subscription.
func (r *Router) subscribe(ctx context.Context, name string, add func(ch *channelState)) error {
	for {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return ErrRouterStopped
		}
		if ch, ok := r.channels[name]; ok {
			if ch.sub != nil {
				add(ch)
				r.mu.Unlock()
				return nil
			}
			ready := ch.ready
			r.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		ch := &channelState{
			name:  name,
			conns: make(map[string]session.Transport),
			ready: make(chan struct{}),
		}
		r.channels[name] = ch
		r.mu.Unlock()

		sub, err := r.broker.Subscribe(ctx, name)

		r.mu.Lock()
		owned := r.channels[name] == ch
		if err != nil || r.stopped || !owned {
			if owned {
				delete(r.channels, name)
			}
			close(ch.ready)
			stopped := r.stopped
			r.mu.Unlock()
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", name, err)
			}
			r.closeSubscription(name, sub)
			if stopped {
				return ErrRouterStopped
			}
			continue
		}

		listenCtx, cancel := context.WithCancel(r.ctx)
		ch.sub = sub
		ch.cancel = cancel
		close(ch.ready)
		add(ch)
		r.wg.Add(1)
		go r.listen(listenCtx, ch)
		r.mu.Unlock()

		r.logger.WithField("channel", name).Debug("pubsub: subscribed")
		return nil
	}
}

// releaseIfEmptyLocked tears the channel down when nobody is left on it and
// returns the subscription the caller must close after unlocking.
func (r *Router) releaseIfEmptyLocked(ch *channelState) cache.Subscription {
	if ch.released || ch.sub == nil || !ch.empty() {
		return nil
	}
	ch.released = true
	ch.cancel()
	delete(r.channels, ch.name)
	return ch.sub
}

func (r *Router) closeSubscription(channel string, sub cache.Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		r.logger.WithError(err).WithField("channel", channel).Warn("pubsub: closing subscription failed")
		return
	}
	r.logger.WithField("channel", channel).Debug("pubsub: unsubscribed")
}

func (r *Router) active(ch *channelState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !ch.released && !ch.empty()
}

func (r *Router) listen(ctx context.Context, ch *channelState) {
	defer r.wg.Done()

	backoff := r.opts.RetryBackoff
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := ch.sub.Receive(ctx, r.opts.PollInterval)
		if err != nil {
			if ctx.Err() != nil || !r.active(ch) {
				return
			}
			r.logger.WithError(err).WithFields(logrus.Fields{
				"channel": ch.name,
				"backoff": backoff,
			}).Warn("pubsub: receive failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > r.opts.MaxBackoff {
				backoff = r.opts.MaxBackoff
			}
			continue
		}
		backoff = r.opts.RetryBackoff
		if payload == nil {
			continue
		}
		r.dispatch(ctx, ch, payload)
	}
}

func (r *Router) dispatch(ctx context.Context, ch *channelState, payload []byte) {
	r.mu.Lock()
	callbacks := append([]callback(nil), ch.callbacks...)
	conns := make(map[string]session.Transport, len(ch.conns))
	for id, t := range ch.conns {
		conns[id] = t
	}
	r.mu.Unlock()

	for _, cb := range callbacks {
		r.invoke(ctx, ch.name, cb, payload)
	}

	for connID, t := range conns {
		if t == nil || t.Closed() {
			r.detachAsync(connID, t)
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
		err := t.Send(sendCtx, payload)
		cancel()
		if err != nil {
			r.logger.WithError(err).WithFields(logrus.Fields{
				"channel": ch.name,
				"conn":    connID,
			}).Warn("pubsub: delivery failed, detaching connection")
			r.detachAsync(connID, t)
		}
	}
}

// invoke runs one callback in isolation so a failure cannot block the rest.
func (r *Router) invoke(ctx context.Context, channel string, cb callback, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithFields(logrus.Fields{
				"channel":  channel,
				"callback": cb.id,
				"panic":    rec,
			}).Error("pubsub: callback panicked")
		}
	}()
	if err := cb.fn(ctx, channel, payload); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"channel":  channel,
			"callback": cb.id,
		}).Warn("pubsub: callback failed")
	}
}

func (r *Router) detachAsync(connID string, t session.Transport) {
	go r.detach(connID, t)
}
