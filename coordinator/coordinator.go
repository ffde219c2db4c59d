// Package coordinator owns the lifecycle of the per-platform chat bridges
// and fans their normalized messages out to subscriber sinks.
//
// One Coordinator instance exists per process. It is constructed explicitly
// in main and injected into the HTTP layer so tests can build fresh
// instances. Bridges feed a bounded intake channel drained by a single
// goroutine, which preserves per-bridge message order and gives the process
// a backpressure point when a bridge produces faster than fan-out drains.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/irasychan/streamdash/chat"
	"github.com/irasychan/streamdash/telemetry"
)

const (
	defaultBufferSize = 100
	defaultIntakeSize = 256
)

// Options tunes a Coordinator. The zero value matches the reference
// behavior of the dashboard this service replaces.
type Options struct {
	// BufferSize caps the replay buffer (default 100).
	BufferSize int
	// IntakeSize caps the bridge intake queue (default 256).
	IntakeSize int
	// DetachAfterFailures removes a sink after this many consecutive send
	// failures. 0 keeps the reference behavior: failures are logged and the
	// sink is retried on the next broadcast.
	DetachAfterFailures int
	// Factory builds platform bridges; defaults to NewBridge. Tests swap in
	// fakes here.
	Factory BridgeFactory
	// OnTokenRefresh receives refreshed OAuth token material emitted by
	// bridges (currently the YouTube poller) so it can be persisted outside
	// the coordinator. Optional.
	OnTokenRefresh func(platform chat.Platform, upd TokenUpdate)
}

type subscriber struct {
	sink     chat.Sink
	failures int
}

// Coordinator deduplicates, buffers, and fans out chat messages from all
// bridges to all subscribers, and owns the hidden-message set.
type Coordinator struct {
	opts   Options
	intake chan chat.ChatMessage
	done   chan struct{}

	// connectMu serializes Connect per platform; bridge factories dial
	// outside c.mu and two racing connects must not both install bridges.
	connectMu map[chat.Platform]*sync.Mutex

	mu      sync.Mutex
	bridges map[chat.Platform]Bridge
	buffer  []chat.ChatMessage
	seen    map[string]struct{}
	hidden  map[string]struct{}
	subs    []*subscriber // fan-out happens in registration order
	subByID map[string]*subscriber

	closeOnce sync.Once
}

// New builds a Coordinator and starts its intake loop.
func New(opts Options) *Coordinator {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.IntakeSize <= 0 {
		opts.IntakeSize = defaultIntakeSize
	}
	if opts.Factory == nil {
		opts.Factory = NewBridge
	}
	c := &Coordinator{
		opts:      opts,
		intake:    make(chan chat.ChatMessage, opts.IntakeSize),
		done:      make(chan struct{}),
		connectMu: make(map[chat.Platform]*sync.Mutex),
		bridges:   make(map[chat.Platform]Bridge),
		seen:      make(map[string]struct{}),
		hidden:    make(map[string]struct{}),
		subByID:   make(map[string]*subscriber),
	}
	for _, p := range chat.Platforms() {
		c.connectMu[p] = &sync.Mutex{}
	}
	go c.run()
	return c
}

func (c *Coordinator) run() {
	for {
		select {
		case msg := <-c.intake:
			c.Broadcast(msg)
		case <-c.done:
			return
		}
	}
}

// Ingest queues a bridge-produced message for broadcast. It blocks when the
// intake queue is full and drops the message once the coordinator is closed.
func (c *Coordinator) Ingest(msg chat.ChatMessage) {
	select {
	case c.intake <- msg:
	case <-c.done:
	}
}

// Connect tears down any existing bridge for the platform and starts a new
// one wired into the intake queue. Startup failure is returned to the
// caller; an unknown platform is a caller bug and fails immediately.
func (c *Coordinator) Connect(ctx context.Context, platform chat.Platform, params ConnectParams) error {
	if !platform.Valid() {
		return fmt.Errorf("connect: unknown platform %q", platform)
	}

	// The factory dials outside c.mu, so racing connects for one platform
	// could otherwise both build bridges and leak whichever loses the map
	// write. One connect per platform at a time.
	lock := c.connectMu[platform]
	lock.Lock()
	defer lock.Unlock()

	// Replace, never leak: drop the old bridge before starting the new one.
	c.mu.Lock()
	old := c.bridges[platform]
	delete(c.bridges, platform)
	c.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}

	bridge, err := c.opts.Factory(ctx, platform, params, c)
	if err != nil {
		return fmt.Errorf("connect %s: %w", platform, err)
	}

	c.mu.Lock()
	select {
	case <-c.done:
		// Closed while dialing; the new bridge must not outlive us.
		c.mu.Unlock()
		bridge.Disconnect()
		return fmt.Errorf("connect %s: coordinator closed", platform)
	default:
	}
	c.bridges[platform] = bridge
	c.mu.Unlock()
	slog.Info("bridge connected", slog.String("platform", string(platform)))
	return nil
}

// Disconnect stops and clears the platform's bridge. Idempotent.
func (c *Coordinator) Disconnect(platform chat.Platform) {
	c.mu.Lock()
	bridge := c.bridges[platform]
	delete(c.bridges, platform)
	c.mu.Unlock()
	if bridge != nil {
		bridge.Disconnect()
		slog.Info("bridge disconnected", slog.String("platform", string(platform)))
	}
}

// DisconnectAll stops every bridge; used at process shutdown.
func (c *Coordinator) DisconnectAll() {
	for _, p := range chat.Platforms() {
		c.Disconnect(p)
	}
}

// Close stops the intake loop and all bridges. Further Ingest calls are
// dropped.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.DisconnectAll()
}

// Broadcast delivers one message to every subscriber: dedup by id, append
// to the replay buffer (evicting and untracking the oldest past the cap),
// then send to each sink in registration order. A failing sink never aborts
// the remaining sends.
func (c *Coordinator) Broadcast(msg chat.ChatMessage) {
	if err := msg.Validate(); err != nil {
		slog.Warn("dropping invalid message", slog.Any("err", err))
		telemetry.CountDropped(string(msg.Platform))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[msg.ID]; dup {
		if telemetry.DedupSkipped != nil {
			telemetry.DedupSkipped.Inc()
		}
		return
	}
	c.seen[msg.ID] = struct{}{}
	c.buffer = append(c.buffer, msg)
	if len(c.buffer) > c.opts.BufferSize {
		evicted := c.buffer[0]
		c.buffer = c.buffer[1:]
		delete(c.seen, evicted.ID)
	}
	telemetry.SetBufferDepth(len(c.buffer))
	if telemetry.Broadcasts != nil {
		telemetry.Broadcasts.Inc()
	}

	c.sendLocked(msg)
}

// sendLocked fans one event out to every subscriber. Callers hold c.mu.
func (c *Coordinator) sendLocked(ev chat.Event) {
	var detach []string
	for _, sub := range c.subs {
		if err := sub.sink.Send(ev); err != nil {
			sub.failures++
			if telemetry.SinkSendFailures != nil {
				telemetry.SinkSendFailures.Inc()
			}
			slog.Error("sink send failed", slog.String("subscriber", sub.sink.ID()), slog.Int("consecutive", sub.failures), slog.Any("err", err))
			if c.opts.DetachAfterFailures > 0 && sub.failures >= c.opts.DetachAfterFailures {
				detach = append(detach, sub.sink.ID())
			}
			continue
		}
		sub.failures = 0
	}
	for _, id := range detach {
		slog.Warn("detaching subscriber after repeated send failures", slog.String("subscriber", id))
		c.detachLocked(id)
	}
}

// AttachSubscriber registers a sink and immediately replays the current
// buffer to it, oldest first, so a newly attached viewer sees recent
// history before any new message.
func (c *Coordinator) AttachSubscriber(sink chat.Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subByID[sink.ID()]; exists {
		return
	}
	sub := &subscriber{sink: sink}
	c.subs = append(c.subs, sub)
	c.subByID[sink.ID()] = sub
	telemetry.SetSubscribers(len(c.subs))

	for _, msg := range c.buffer {
		if err := sink.Send(msg); err != nil {
			slog.Error("replay send failed", slog.String("subscriber", sink.ID()), slog.Any("err", err))
		}
	}
}

// DetachSubscriber removes a sink. Safe to call multiple times.
func (c *Coordinator) DetachSubscriber(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachLocked(id)
}

func (c *Coordinator) detachLocked(id string) {
	if _, ok := c.subByID[id]; !ok {
		return
	}
	delete(c.subByID, id)
	for i, sub := range c.subs {
		if sub.sink.ID() == id {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	telemetry.SetSubscribers(len(c.subs))
}

// SubscriberCount returns the number of attached sinks.
func (c *Coordinator) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Hide marks a message hidden. Only the transition broadcasts a control
// event; hiding an already-hidden id is a no-op.
func (c *Coordinator) Hide(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.hidden[messageID]; ok {
		return
	}
	c.hidden[messageID] = struct{}{}
	c.controlLocked(chat.ControlEvent{Type: chat.ControlHide, MessageID: messageID})
}

// Unhide clears a hidden mark. The hidden set outlives buffer eviction, so
// unhiding a message that has scrolled out of history still broadcasts.
func (c *Coordinator) Unhide(messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.hidden[messageID]; !ok {
		return
	}
	delete(c.hidden, messageID)
	c.controlLocked(chat.ControlEvent{Type: chat.ControlUnhide, MessageID: messageID})
}

// IsHidden reports whether a message id is currently hidden.
func (c *Coordinator) IsHidden(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.hidden[messageID]
	return ok
}

// HiddenMessageIDs returns the hidden ids in stable order.
func (c *Coordinator) HiddenMessageIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.hidden))
	for id := range c.hidden {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClearDebugMessages drops every buffered debug-marked message, untracks
// its id, and tells connected viewers to discard locally rendered copies.
func (c *Coordinator) ClearDebugMessages() {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.buffer[:0]
	removed := 0
	for _, msg := range c.buffer {
		if msg.IsDebug() {
			delete(c.seen, msg.ID)
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	c.buffer = kept
	telemetry.SetBufferDepth(len(c.buffer))
	if removed > 0 {
		slog.Info("flushed debug messages", slog.Int("count", removed))
	}
	c.controlLocked(chat.ControlEvent{Type: chat.ControlFlushDebug})
}

// controlLocked fans a control event out, bypassing dedup and the replay
// buffer. Callers hold c.mu.
func (c *Coordinator) controlLocked(ev chat.ControlEvent) {
	if telemetry.ControlEvents != nil {
		telemetry.ControlEvents.Inc()
	}
	c.sendLocked(ev)
}

// Buffer returns a copy of the replay buffer in arrival order.
func (c *Coordinator) Buffer() []chat.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.ChatMessage, len(c.buffer))
	copy(out, c.buffer)
	return out
}

// HasSeen reports whether a message id is tracked by the dedup set. The set
// mirrors buffer membership: ids leave it when their message is evicted.
func (c *Coordinator) HasSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[id]
	return ok
}

// Status computes one ConnectionStatus per platform from live bridge state.
func (c *Coordinator) Status() []chat.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.ConnectionStatus, 0, len(chat.Platforms()))
	for _, p := range chat.Platforms() {
		if bridge, ok := c.bridges[p]; ok {
			out = append(out, bridge.Status())
			continue
		}
		out = append(out, chat.ConnectionStatus{Platform: p})
	}
	return out
}

func (c *Coordinator) tokenRefreshed(platform chat.Platform, upd TokenUpdate) {
	if c.opts.OnTokenRefresh != nil {
		c.opts.OnTokenRefresh(platform, upd)
	}
}
