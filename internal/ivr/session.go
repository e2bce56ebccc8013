package ivr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/callflux/callflux/internal/pbx"
)

// DefaultGatherTimeout applies when a gather carries no timeout attribute.
const DefaultGatherTimeout = 5

// gatherState tracks an in-progress DTMF collection. The timer is armed
// only once audio has finished playing, so the timeout window never
// overlaps the prompt.
type gatherState struct {
	running       bool
	collected     string
	numDigits     int
	finishOnKey   string
	nextActionURL string
	timeoutS      int
	timer         *time.Timer
}

// pendingLoad is a deferred script load consumed on the next
// playback-finished event.
type pendingLoad struct {
	url    string
	params url.Values
}

// Session is the IVR state machine for one active channel. All event
// entry points (DTMF, playback finished, timer fires, external steering)
// serialize on the session mutex, so events are processed one at a time
// in arrival order. destroyed is latched: once set, every timer is
// cancelled and no further PBX call is issued.
type Session struct {
	channelID string
	pbx       pbx.Client
	fetcher   ScriptFetcher
	registry  *Registry
	logger    *slog.Logger

	mu                sync.Mutex
	remaining         []Action
	gather            gatherState
	playing           bool
	playbackID        string
	postPlaybackTimer *time.Timer
	currentTimeout    int
	pendingNext       *pendingLoad
	destroyed         bool
}

// NewSession creates a session for the channel and registers it.
func NewSession(channelID string, client pbx.Client, fetcher ScriptFetcher, registry *Registry, logger *slog.Logger) *Session {
	s := &Session{
		channelID: channelID,
		pbx:       client,
		fetcher:   fetcher,
		registry:  registry,
		logger:    logger.With("subsystem", "channel_session", "channel_id", channelID),
	}
	registry.Register(s)
	return s
}

// ChannelID returns the channel this session drives.
func (s *Session) ChannelID() string {
	return s.channelID
}

// Destroyed reports whether the session has been torn down.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Start loads the entry action script and begins executing it. Called
// once the channel has been answered.
func (s *Session) Start(actionURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	s.loadAndRun(actionURL, nil)
}

// SetAction hot-swaps the action script under the running session: the
// external steering path used by the OTP validation endpoint. If audio is
// still playing the swap is parked and consumed on playback_finished, so
// the new script never starts a second playback over the current one.
func (s *Session) SetAction(actionURL string, params url.Values) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if s.playing {
		s.pendingNext = &pendingLoad{url: actionURL, params: params}
		return
	}
	s.clearPostPlaybackTimer()
	s.loadAndRun(actionURL, params)
}

// HandleDTMF processes one keypad digit.
func (s *Session) HandleDTMF(digit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}

	// Barge-in: any keypress interrupts the current prompt.
	if s.playing {
		if err := s.pbx.StopPlayback(context.Background(), s.playbackID); err != nil && !errors.Is(err, pbx.ErrNotFound) {
			s.logger.Warn("stop playback failed", "playback_id", s.playbackID, "error", err)
		}
		s.playing = false
		s.playbackID = ""
		s.clearPostPlaybackTimer()
	}

	if !s.gather.running {
		s.logger.Debug("dropping digit outside gather", "digit", digit)
		return
	}

	if s.gather.finishOnKey != "" && digit == s.gather.finishOnKey {
		// Terminator: deliver what was collected, without the terminator.
		digits := s.gather.collected
		next := s.gather.nextActionURL
		s.freezeGather()
		s.loadAndRun(next, url.Values{"Digits": {digits}})
		return
	}

	s.gather.collected += digit
	if s.gather.finishOnKey == "" && len(s.gather.collected) >= s.gather.numDigits {
		digits := s.gather.collected
		next := s.gather.nextActionURL
		s.freezeGather()
		s.loadAndRun(next, url.Values{"Digits": {digits}})
	}
}

// HandlePlaybackFinished processes the end of a playback. A non-empty id
// that does not match the playback currently in flight is a late event
// for an already superseded prompt and is ignored.
func (s *Session) HandlePlaybackFinished(playbackID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if playbackID != "" && s.playbackID != "" && playbackID != s.playbackID {
		s.logger.Debug("ignoring late playback_finished", "playback_id", playbackID)
		return
	}

	s.playing = false
	s.playbackID = ""
	s.clearPostPlaybackTimer()

	if s.pendingNext != nil {
		p := *s.pendingNext
		s.pendingNext = nil
		s.loadAndRun(p.url, p.params)
		return
	}

	if s.gather.running {
		// The gather has been waiting for the audio to finish; its
		// timeout window starts now.
		s.armGatherTimer()
		return
	}

	if len(s.remaining) == 0 {
		// Nothing left to do: linger for the current timeout, then end.
		// A zero timeout still goes through the timer so firing is
		// uniformly deferred to the next tick.
		s.armPostPlaybackTimer(s.currentTimeout)
		return
	}

	s.runNext()
}

// Destroy tears the session down. Idempotent; also issued internally on
// script hangup, gather timeout and load errors.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked("requested")
}

// loadAndRun fetches a script and executes it; a load failure destroys
// the session.
func (s *Session) loadAndRun(actionURL string, params url.Values) {
	if err := s.loadActions(actionURL, params); err != nil {
		s.logger.Error("loading actions failed", "url", actionURL, "error", err)
		s.destroyLocked("load error")
		return
	}
	s.runNext()
}

// loadActions fetches and parses the action script, replacing the
// remaining action list. Any in-progress gather is frozen first: the new
// script supersedes it.
func (s *Session) loadActions(actionURL string, params url.Values) error {
	s.freezeGather()

	merged := url.Values{}
	for k, vs := range params {
		merged[k] = vs
	}
	if !strings.Contains(actionURL, "uuid=") && merged.Get("uuid") == "" {
		merged.Set("uuid", s.channelID)
	}

	s.logger.Debug("loading actions",
		"url", actionURL,
		"status", actionStatusFromURL(actionURL),
	)

	actions, err := s.fetcher.FetchActions(context.Background(), actionURL, merged)
	if err != nil {
		return err
	}
	s.remaining = actions
	return nil
}

// runNext executes actions until one blocks (gather) or the list empties.
func (s *Session) runNext() {
	for {
		if s.destroyed || len(s.remaining) == 0 {
			return
		}
		head := s.remaining[0]
		s.remaining = s.remaining[1:]

		switch act := head.(type) {
		case Play:
			s.startPlay(act)
			// The gather that typically follows a play is set up
			// synchronously, so keep going.
			continue
		case Gather:
			s.setupGather(act)
			return
		case Redirect:
			s.clearPostPlaybackTimer()
			if err := s.loadActions(act.URL, nil); err != nil {
				s.logger.Error("redirect load failed", "url", act.URL, "error", err)
				s.destroyLocked("load error")
				return
			}
			continue
		case Hangup:
			s.destroyLocked("script hangup")
			return
		}
	}
}

// startPlay begins playback under a fresh playback id. A play failure
// is not fatal: the next action still runs.
func (s *Session) startPlay(act Play) {
	playbackID := fmt.Sprintf("%s_%d_%d", s.channelID, time.Now().UnixMilli(), rand.IntN(1000000))
	if err := s.pbx.Play(context.Background(), s.channelID, playbackID, act.Media); err != nil {
		s.logger.Warn("play failed, continuing with next action", "media", act.Media, "error", err)
		return
	}
	s.playing = true
	s.playbackID = playbackID
	s.currentTimeout = act.Timeout
	if act.Timeout > 0 {
		s.armPostPlaybackTimer(act.Timeout)
	}
}

// setupGather arms DTMF collection. The timeout timer is deferred until
// audio finishes when a prompt is still playing.
func (s *Session) setupGather(act Gather) {
	s.stopGatherTimer()

	numDigits := act.NumDigits
	if numDigits <= 0 {
		numDigits = 1
	}
	timeout := act.Timeout
	if timeout <= 0 {
		timeout = DefaultGatherTimeout
	}

	s.gather = gatherState{
		running:       true,
		numDigits:     numDigits,
		finishOnKey:   act.FinishOnKey,
		nextActionURL: act.Action,
		timeoutS:      timeout,
	}

	if !s.playing {
		s.armGatherTimer()
	}
}

// freezeGather stops collection and its timer without delivering digits.
func (s *Session) freezeGather() {
	s.gather.running = false
	s.stopGatherTimer()
}

func (s *Session) stopGatherTimer() {
	if s.gather.timer != nil {
		s.gather.timer.Stop()
		s.gather.timer = nil
	}
}

// armGatherTimer starts the gather timeout window. On fire the gather is
// latched off and the session destroyed.
func (s *Session) armGatherTimer() {
	s.stopGatherTimer()
	var t *time.Timer
	t = time.AfterFunc(time.Duration(s.gather.timeoutS)*time.Second, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.destroyed || s.gather.timer != t || !s.gather.running {
			return
		}
		s.gather.running = false
		s.logger.Info("gather timed out")
		s.destroyLocked("gather timeout")
	})
	s.gather.timer = t
}

func (s *Session) clearPostPlaybackTimer() {
	if s.postPlaybackTimer != nil {
		s.postPlaybackTimer.Stop()
		s.postPlaybackTimer = nil
	}
}

// armPostPlaybackTimer schedules session teardown after the given number
// of seconds unless something else advances the call first.
func (s *Session) armPostPlaybackTimer(seconds int) {
	s.clearPostPlaybackTimer()
	var t *time.Timer
	t = time.AfterFunc(time.Duration(seconds)*time.Second, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.destroyed || s.postPlaybackTimer != t {
			return
		}
		s.postPlaybackTimer = nil
		s.destroyLocked("post-playback timeout")
	})
	s.postPlaybackTimer = t
}

// destroyLocked latches the destroyed flag, cancels every timer and
// issues a best-effort hangup. A 404 from the PBX means the channel is
// already gone, which is fine.
func (s *Session) destroyLocked(reason string) {
	if s.destroyed {
		return
	}
	s.destroyed = true
	s.freezeGather()
	s.clearPostPlaybackTimer()
	s.playing = false
	s.playbackID = ""
	s.pendingNext = nil

	if err := s.pbx.Hangup(context.Background(), s.channelID); err != nil && !errors.Is(err, pbx.ErrNotFound) {
		s.logger.Warn("hangup on destroy failed", "error", err)
	}

	s.registry.Deregister(s)
	s.logger.Info("session destroyed", "reason", reason)
}

// actionStatusFromURL snoops the action status from the URL path for
// diagnostics: the last path segment (completed, invalid, gather, answer).
func actionStatusFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := strings.TrimRight(u.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
