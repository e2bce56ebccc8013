package ivr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ScriptFetcher loads and parses an action script. The production
// implementation fetches over HTTP; session tests substitute a fake.
type ScriptFetcher interface {
	FetchActions(ctx context.Context, rawURL string, params url.Values) ([]Action, error)
}

// HTTPScriptFetcher fetches action scripts with a GET, folding extra
// parameters into the URL's query string.
type HTTPScriptFetcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPScriptFetcher creates a fetcher with a 10 s request timeout.
func NewHTTPScriptFetcher(logger *slog.Logger) *HTTPScriptFetcher {
	return &HTTPScriptFetcher{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("subsystem", "script_fetcher"),
	}
}

// FetchActions GETs the script and parses it. params are merged into any
// query string already on the URL; existing keys are overwritten.
func (f *HTTPScriptFetcher) FetchActions(ctx context.Context, rawURL string, params url.Values) ([]Action, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing action url: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating action request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching actions: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading action response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("action server returned status %d", resp.StatusCode)
	}

	actions, err := ParseScript(body)
	if err != nil {
		return nil, fmt.Errorf("parsing action script from %s: %w", u.Path, err)
	}
	return actions, nil
}

var _ ScriptFetcher = (*HTTPScriptFetcher)(nil)
