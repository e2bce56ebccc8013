package dial

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callflux/callflux/internal/call"
	"github.com/callflux/callflux/internal/ivr"
	"github.com/callflux/callflux/internal/pbx"
	"github.com/callflux/callflux/internal/push"
	"github.com/callflux/callflux/internal/trunk"
)

// hangupCauses maps PBX hangup cause codes to their wire strings.
var hangupCauses = map[int]string{
	16: "normal",
	17: "busy",
	18: "no-answer",
	19: "no-answer",
	21: "rejected",
	34: "congestion",
}

// HangupCauseString translates a PBX cause code for the push payload.
func HangupCauseString(cause int) string {
	if s, ok := hangupCauses[cause]; ok {
		return s
	}
	return "unknown"
}

// Manager owns the call lifecycle: origination through the per-trunk
// queue, channel-session creation, PBX event handling and status pushes.
// The channel id chosen at origination doubles as the call id everywhere.
type Manager struct {
	pbx      pbx.Client
	queue    *Queue
	trunks   *trunk.Store
	calls    *call.Store
	push     *push.Registry
	channels *ivr.Registry
	fetcher  ivr.ScriptFetcher
	baseURL  string
	logger   *slog.Logger

	mu         sync.Mutex
	answeredAt map[string]time.Time
}

// NewManager creates the call lifecycle manager. baseURL is the root the
// PBX-facing action endpoints are served under.
func NewManager(client pbx.Client, queue *Queue, trunks *trunk.Store, calls *call.Store, registry *push.Registry, channels *ivr.Registry, fetcher ivr.ScriptFetcher, baseURL string, logger *slog.Logger) *Manager {
	return &Manager{
		pbx:        client,
		queue:      queue,
		trunks:     trunks,
		calls:      calls,
		push:       registry,
		channels:   channels,
		fetcher:    fetcher,
		baseURL:    baseURL,
		logger:     logger.With("subsystem", "call_manager"),
		answeredAt: make(map[string]time.Time),
	}
}

// Create originates a call to phone over the assigned trunk. It renews
// the assignment TTL, picks a random from-number from the trunk snapshot
// and queues the origination on the trunk's FIFO. On success the call is
// recorded and a channel session is registered for the stasis entry.
//
// The assignment slot stays consumed until its TTL even when origination
// fails; the tenant keeps its reservation for a retry.
func (m *Manager) Create(ctx context.Context, phone, campaignName, assignmentID string) (string, error) {
	a, err := m.trunks.Lookup(assignmentID)
	if err != nil {
		return "", fmt.Errorf("looking up assignment: %w", err)
	}
	if err := m.trunks.KeepAlive(assignmentID); err != nil {
		return "", fmt.Errorf("renewing assignment: %w", err)
	}

	from := a.Trunk.RandomNumber()
	if from == "" {
		return "", fmt.Errorf("trunk %s has no phone numbers", a.TrunkID)
	}

	callID := uuid.NewString()
	req := pbx.OriginateRequest{
		Endpoint:  "PJSIP/" + phone + "@" + a.TrunkID,
		CallerID:  from,
		ChannelID: callID,
		Variables: map[string]string{"CAMPAIGN": campaignName},
	}

	err = m.queue.Enqueue(a.TrunkID, func() error {
		return m.pbx.Originate(ctx, req)
	})
	if err != nil {
		m.logger.Error("origination failed",
			"call_id", callID,
			"trunk_id", a.TrunkID,
			"error", err,
		)
		return "", err
	}

	m.calls.Save(callID, "created", campaignName)
	ivr.NewSession(callID, m.pbx, m.fetcher, m.channels, m.logger)

	m.logger.Info("call created",
		"call_id", callID,
		"campaign", campaignName,
		"trunk_id", a.TrunkID,
		"from", from,
	)
	return callID, nil
}

// Destroy hangs up a running call on request.
func (m *Manager) Destroy(callID string) error {
	if sess := m.channels.Get(callID); sess != nil {
		sess.Destroy()
		return nil
	}
	if err := m.pbx.Hangup(context.Background(), callID); err != nil {
		return fmt.Errorf("hanging up %s: %w", callID, err)
	}
	return nil
}

// ActiveSessions returns the number of live channel sessions.
func (m *Manager) ActiveSessions() int {
	return m.channels.Count()
}

// HandleStasisStart answers the channel and starts its IVR dialogue.
func (m *Manager) HandleStasisStart(channelID string) {
	if err := m.pbx.Answer(context.Background(), channelID); err != nil {
		m.logger.Error("answer failed", "channel_id", channelID, "error", err)
		if sess := m.channels.Get(channelID); sess != nil {
			sess.Destroy()
		}
		return
	}

	m.mu.Lock()
	m.answeredAt[channelID] = time.Now()
	m.mu.Unlock()

	m.calls.Update(channelID, call.Partial{State: call.Str("answered")})
	m.push.Send(channelID, push.Message{"status": "answered"})

	sess := m.channels.Get(channelID)
	if sess == nil {
		m.logger.Warn("stasis entry without session", "channel_id", channelID)
		return
	}
	sess.Start(m.baseURL + "/action/answer")
}

// HandleDTMF forwards a digit to the channel's session.
func (m *Manager) HandleDTMF(channelID, digit string) {
	if sess := m.channels.Get(channelID); sess != nil {
		sess.HandleDTMF(digit)
	}
}

// HandlePlaybackFinished forwards playback completion to the session.
func (m *Manager) HandlePlaybackFinished(channelID, playbackID string) {
	if sess := m.channels.Get(channelID); sess != nil {
		sess.HandlePlaybackFinished(playbackID)
	}
}

// HandleRinging pushes the ringing status to the subscriber.
func (m *Manager) HandleRinging(channelID string) {
	m.push.Send(channelID, push.Message{"status": "ringing"})
}

// HandleHangup finalizes the call: terminal push with duration and
// cause, session teardown, call record removal.
func (m *Manager) HandleHangup(channelID string, cause int) {
	m.mu.Lock()
	answered, wasAnswered := m.answeredAt[channelID]
	delete(m.answeredAt, channelID)
	m.mu.Unlock()

	duration := 0
	if wasAnswered {
		duration = int(time.Since(answered).Seconds())
	}

	m.push.MarkTerminal(channelID, push.Message{
		"status":       "completed",
		"callDuration": duration,
		"hangupCause":  HangupCauseString(cause),
	})

	if sess := m.channels.Get(channelID); sess != nil {
		sess.Destroy()
	}
	m.calls.Delete(channelID)

	m.logger.Info("call ended",
		"call_id", channelID,
		"cause", HangupCauseString(cause),
		"duration_s", duration,
	)
}

// HandleServerFailed is called when the PBX event stream could not be
// re-established. Running calls can no longer be driven; operators see
// it in the logs and the process is expected to be restarted.
func (m *Manager) HandleServerFailed(err error) {
	m.logger.Error("pbx event stream lost", "error", err)
}

var _ pbx.Handler = (*Manager)(nil)
