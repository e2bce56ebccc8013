// Package pbx talks to the FreePBX ARI interface: a REST client for
// channel control and a websocket demultiplexer for the event stream.
package pbx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned for ARI 404s. Hangup and stop-playback races
// make these routine; callers treat them as already-gone.
var ErrNotFound = errors.New("pbx: not found")

// OriginateRequest describes one outbound call.
type OriginateRequest struct {
	Endpoint  string            // e.g. "PJSIP/15551234567@custom_A"
	CallerID  string            // from-number presented to the callee
	ChannelID string            // client-chosen channel id (doubles as call id)
	Variables map[string]string // channel variables set at origination
}

// Client is the ARI control surface the orchestrator uses. The channel
// session and the call manager depend on this interface; RESTClient is
// the production implementation.
type Client interface {
	Originate(ctx context.Context, req OriginateRequest) error
	Answer(ctx context.Context, channelID string) error
	Play(ctx context.Context, channelID, playbackID, media string) error
	StopPlayback(ctx context.Context, playbackID string) error
	Hangup(ctx context.Context, channelID string) error
}

// RESTClient is the HTTP implementation of Client against the ARI REST API.
type RESTClient struct {
	baseURL  string
	username string
	password string
	app      string
	client   *http.Client
	logger   *slog.Logger
}

// NewRESTClient creates an ARI REST client. baseURL is the ARI root,
// e.g. "http://10.0.0.5:8088/ari".
func NewRESTClient(baseURL, username, password, app string, logger *slog.Logger) *RESTClient {
	return &RESTClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		app:      app,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger.With("subsystem", "ari_client"),
	}
}

// do issues one ARI request. The response body is drained and discarded;
// the orchestrator only cares about status codes.
func (c *RESTClient) do(ctx context.Context, method, path string, params url.Values) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("pbx: creating request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("pbx: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	case resp.StatusCode >= 300:
		return fmt.Errorf("pbx: %s %s returned status %d", method, path, resp.StatusCode)
	}
	return nil
}

// Originate starts an outbound call into the stasis application.
func (c *RESTClient) Originate(ctx context.Context, req OriginateRequest) error {
	params := url.Values{}
	params.Set("endpoint", req.Endpoint)
	params.Set("app", c.app)
	params.Set("callerId", req.CallerID)
	params.Set("channelId", req.ChannelID)
	params.Set("timeout", "45")
	for k, v := range req.Variables {
		params.Set("variables["+k+"]", v)
	}

	c.logger.Info("originating call",
		"channel_id", req.ChannelID,
		"endpoint", req.Endpoint,
		"caller_id", req.CallerID,
	)
	return c.do(ctx, http.MethodPost, "/channels", params)
}

// Answer answers a ringing channel.
func (c *RESTClient) Answer(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/answer", nil)
}

// Play starts media playback on the channel under the given playback id.
// The media path is prefixed with the "sound:" scheme.
func (c *RESTClient) Play(ctx context.Context, channelID, playbackID, media string) error {
	params := url.Values{}
	params.Set("media", "sound:"+media)
	params.Set("playbackId", playbackID)
	return c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/play", params)
}

// StopPlayback stops an in-flight playback (barge-in).
func (c *RESTClient) StopPlayback(ctx context.Context, playbackID string) error {
	return c.do(ctx, http.MethodDelete, "/playbacks/"+url.PathEscape(playbackID), nil)
}

// Hangup tears the channel down.
func (c *RESTClient) Hangup(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channelID), nil)
}

var _ Client = (*RESTClient)(nil)
