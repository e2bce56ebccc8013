package pbx

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DedupWindow is how long playback and hangup ids are remembered for
// duplicate suppression. The PBX re-emits both event kinds under load.
const DedupWindow = 30 * time.Second

// Reconnect policy for the event stream.
const (
	maxReconnectAttempts = 5
	reconnectInterval    = 5 * time.Second
)

// Demux subscribes to the ARI event websocket and re-emits typed events
// to a Handler, tagged with channel id, with duplicate suppression for
// playback-finished and hangup events. Handler calls for one channel run
// in arrival order on a per-channel drainer goroutine, so a handler
// blocking on one channel (an action-script fetch, say) never delays
// events for the others.
type Demux struct {
	url     string
	handler Handler
	dialer  *websocket.Dialer
	logger  *slog.Logger

	retryInterval time.Duration
	maxAttempts   int

	mu            sync.Mutex
	stasisSeen    map[string]bool
	playbacksSeen map[string]bool
	completed     map[string]bool
	queues        map[string]*channelQueue

	pending sync.WaitGroup
}

// channelQueue is one channel's FIFO of handler calls with its drain state.
type channelQueue struct {
	calls    []func()
	draining bool
}

// NewDemux creates a demultiplexer for the given ARI events websocket URL.
func NewDemux(url string, handler Handler, logger *slog.Logger) *Demux {
	return &Demux{
		url:           url,
		handler:       handler,
		dialer:        &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger:        logger.With("subsystem", "pbx_demux"),
		retryInterval: reconnectInterval,
		maxAttempts:   maxReconnectAttempts,
		stasisSeen:    make(map[string]bool),
		playbacksSeen: make(map[string]bool),
		completed:     make(map[string]bool),
		queues:        make(map[string]*channelQueue),
	}
}

// Run connects to the event stream and dispatches events until ctx is
// cancelled or the reconnect budget is exhausted. On exhaustion the
// handler's HandleServerFailed fires once and Run returns.
func (d *Demux) Run(ctx context.Context) {
	attempts := 0
	for {
		conn, _, err := d.dialer.DialContext(ctx, d.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempts++
			d.logger.Warn("pbx event stream connect failed",
				"attempt", attempts,
				"max_attempts", d.maxAttempts,
				"error", err,
			)
			if attempts >= d.maxAttempts {
				d.handler.HandleServerFailed(err)
				return
			}
			select {
			case <-time.After(d.retryInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		attempts = 0
		d.logger.Info("pbx event stream connected", "url", d.url)
		d.readLoop(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		d.logger.Warn("pbx event stream disconnected, reconnecting")
	}
}

// readLoop pumps messages off one websocket connection until it breaks
// or ctx is cancelled.
func (d *Demux) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		d.dispatch(data)
	}
}

// dispatch decodes one event, applies duplicate suppression in arrival
// order, and queues the handler call on the event's channel. Garbled
// events are logged and dropped; they must not take the stream down.
func (d *Demux) dispatch(data []byte) {
	var ev rawEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		d.logger.Warn("dropping undecodable pbx event", "error", err)
		return
	}

	switch ev.Type {
	case eventStasisStart:
		if ev.Channel == nil {
			return
		}
		if !d.markStasis(ev.Channel.ID) {
			return
		}
		ch := ev.Channel.ID
		d.enqueue(ch, func() { d.handler.HandleStasisStart(ch) })

	case eventDTMFReceived:
		if ev.Channel == nil || ev.Digit == "" {
			return
		}
		ch, digit := ev.Channel.ID, ev.Digit
		d.enqueue(ch, func() { d.handler.HandleDTMF(ch, digit) })

	case eventPlaybackFinished:
		if ev.Playback == nil {
			return
		}
		if !d.markPlayback(ev.Playback.ID) {
			d.logger.Debug("dropping duplicate playback_finished", "playback_id", ev.Playback.ID)
			return
		}
		ch, pb := channelFromTarget(ev.Playback.TargetURI), ev.Playback.ID
		d.enqueue(ch, func() { d.handler.HandlePlaybackFinished(ch, pb) })

	case eventChannelStateChange:
		if ev.Channel == nil || ev.Channel.State != "Ringing" {
			return
		}
		ch := ev.Channel.ID
		d.enqueue(ch, func() { d.handler.HandleRinging(ch) })

	case eventChannelHangup, eventChannelDestroyed:
		if ev.Channel == nil {
			return
		}
		if !d.markCompleted(ev.Channel.ID) {
			d.logger.Debug("dropping duplicate hangup", "channel_id", ev.Channel.ID)
			return
		}
		ch, cause := ev.Channel.ID, ev.Cause
		d.enqueue(ch, func() { d.handler.HandleHangup(ch, cause) })

	default:
		// Other ARI event types are noise for this application.
	}
}

// enqueue appends a handler call to the channel's queue and starts a
// drainer when none is running.
func (d *Demux) enqueue(channelID string, fn func()) {
	d.pending.Add(1)
	d.mu.Lock()
	cq, ok := d.queues[channelID]
	if !ok {
		cq = &channelQueue{}
		d.queues[channelID] = cq
	}
	cq.calls = append(cq.calls, fn)
	if !cq.draining {
		cq.draining = true
		go d.drainChannel(channelID, cq)
	}
	d.mu.Unlock()
}

// drainChannel runs queued handler calls for one channel until its queue
// empties, then retires the queue.
func (d *Demux) drainChannel(channelID string, cq *channelQueue) {
	for {
		d.mu.Lock()
		if len(cq.calls) == 0 {
			cq.draining = false
			delete(d.queues, channelID)
			d.mu.Unlock()
			return
		}
		head := cq.calls[0]
		cq.calls = cq.calls[1:]
		d.mu.Unlock()

		head()
		d.pending.Done()
	}
}

// channelFromTarget extracts the channel id from a playback target URI,
// stripping the "channel:" scheme when present.
func channelFromTarget(target string) string {
	const prefix = "channel:"
	if len(target) >= len(prefix) && target[:len(prefix)] == prefix {
		return target[len(prefix):]
	}
	return target
}

// markStasis records the first stasis entry for a channel. Returns false
// on repeats.
func (d *Demux) markStasis(channelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stasisSeen[channelID] {
		return false
	}
	d.stasisSeen[channelID] = true
	return true
}

// markPlayback records a playback id for DedupWindow. Returns false on
// repeats within the window.
func (d *Demux) markPlayback(playbackID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playbacksSeen[playbackID] {
		return false
	}
	d.playbacksSeen[playbackID] = true
	time.AfterFunc(DedupWindow, func() {
		d.mu.Lock()
		delete(d.playbacksSeen, playbackID)
		d.mu.Unlock()
	})
	return true
}

// markCompleted records a hung-up channel for DedupWindow. Returns false
// on repeats within the window. The stasis marker is dropped with it so
// the channel id could be reused later.
func (d *Demux) markCompleted(channelID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.completed[channelID] {
		return false
	}
	d.completed[channelID] = true
	time.AfterFunc(DedupWindow, func() {
		d.mu.Lock()
		delete(d.completed, channelID)
		delete(d.stasisSeen, channelID)
		d.mu.Unlock()
	})
	return true
}
