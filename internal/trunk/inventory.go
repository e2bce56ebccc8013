package trunk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultRefreshInterval is how often the inventory is re-fetched.
const DefaultRefreshInterval = 30 * time.Second

// inventoryResponse is the wire format of the trunk-management server.
// sip_phone may be a comma-separated list of numbers.
type inventoryResponse struct {
	Success bool                        `json:"success"`
	Trunks  map[string][]inventoryTrunk `json:"trunks"`
}

type inventoryTrunk struct {
	SipID       string `json:"sip_id"`
	SipPhone    string `json:"sip_phone"`
	SipVerified bool   `json:"sip_verified"`
}

// InventoryFetcher periodically pulls the trunk inventory from the
// trunk-management server and pushes it into the store wholesale.
type InventoryFetcher struct {
	url      string
	store    *Store
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
}

// NewInventoryFetcher creates a fetcher for the given inventory endpoint.
func NewInventoryFetcher(url string, store *Store, logger *slog.Logger) *InventoryFetcher {
	return &InventoryFetcher{
		url:      url,
		store:    store,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: DefaultRefreshInterval,
		logger:   logger.With("subsystem", "trunk_inventory"),
	}
}

// Run fetches once immediately, then on every tick until ctx is cancelled.
func (f *InventoryFetcher) Run(ctx context.Context) {
	if err := f.FetchOnce(ctx); err != nil {
		f.logger.Error("initial trunk inventory fetch failed", "error", err)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.FetchOnce(ctx); err != nil {
				f.logger.Error("trunk inventory fetch failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// FetchOnce performs a single inventory fetch and store update.
func (f *InventoryFetcher) FetchOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return fmt.Errorf("creating inventory request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching inventory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inventory server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading inventory response: %w", err)
	}

	var inv inventoryResponse
	if err := json.Unmarshal(body, &inv); err != nil {
		return fmt.Errorf("decoding inventory response: %w", err)
	}
	if !inv.Success {
		return fmt.Errorf("inventory server reported failure")
	}

	byUser := make(map[string][]Trunk, len(inv.Trunks))
	for token, entries := range inv.Trunks {
		trunks := make([]Trunk, 0, len(entries))
		for _, e := range entries {
			trunks = append(trunks, Trunk{
				ID:           e.SipID,
				PhoneNumbers: ParsePhoneNumbers(e.SipPhone),
				Verified:     e.SipVerified,
			})
		}
		byUser[token] = trunks
	}

	f.store.UpdateInventory(byUser)
	return nil
}
