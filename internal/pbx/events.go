package pbx

// ARI event type names handled by the demultiplexer.
const (
	eventStasisStart        = "StasisStart"
	eventDTMFReceived       = "ChannelDtmfReceived"
	eventPlaybackFinished   = "PlaybackFinished"
	eventChannelStateChange = "ChannelStateChange"
	eventChannelHangup      = "ChannelHangupRequest"
	eventChannelDestroyed   = "ChannelDestroyed"
)

// rawEvent is the wire envelope of one ARI event. Only the fields the
// demux routes on are decoded.
type rawEvent struct {
	Type     string        `json:"type"`
	Channel  *channelInfo  `json:"channel,omitempty"`
	Playback *playbackInfo `json:"playback,omitempty"`
	Digit    string        `json:"digit,omitempty"`
	Cause    int           `json:"cause,omitempty"`
}

type channelInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

type playbackInfo struct {
	ID        string `json:"id"`
	TargetURI string `json:"target_uri"`
}

// Handler receives typed, per-channel events from the demultiplexer.
// All methods are invoked from the demux read loop, one event at a time.
type Handler interface {
	// HandleStasisStart fires once per channel when it enters the
	// stasis application.
	HandleStasisStart(channelID string)

	// HandleDTMF delivers one keypad digit.
	HandleDTMF(channelID, digit string)

	// HandlePlaybackFinished fires at most once per playback id.
	HandlePlaybackFinished(channelID, playbackID string)

	// HandleRinging fires when the channel state changes to Ringing.
	HandleRinging(channelID string)

	// HandleHangup fires at most once per channel, with the PBX cause code.
	HandleHangup(channelID string, cause int)

	// HandleServerFailed fires when the event stream is lost and all
	// reconnect attempts are exhausted.
	HandleServerFailed(err error)
}
