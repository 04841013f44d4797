package settle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/vidgate/vidgate/internal/envelope"
)

// TabSnapshot is an informational view of a credit tab's state at the
// provider: what has been paid, what is guaranteed, and any collateral
// movements. Diagnostic only; never gates settlement.
type TabSnapshot struct {
	TabID            string            `json:"tabId"`
	Status           string            `json:"status"`
	SettlementStatus string            `json:"settlementStatus"`
	Paid             string            `json:"paid"`
	Guarantees       []Guarantee       `json:"guarantees"`
	CollateralEvents []CollateralEvent `json:"collateralEvents"`
}

// Guarantee is one guaranteed payment on a tab.
type Guarantee struct {
	ReqID        string `json:"reqId"`
	Amount       string `json:"amount"`
	FromAddress  string `json:"fromAddress"`
	ToAddress    string `json:"toAddress"`
	AssetAddress string `json:"assetAddress"`
	Timestamp    int64  `json:"timestamp"`
}

// CollateralEvent is one collateral movement recorded against a tab.
type CollateralEvent struct {
	ID           string `json:"id"`
	EventType    string `json:"eventType"`
	Amount       string `json:"amount"`
	AssetAddress string `json:"assetAddress"`
	CreatedAt    string `json:"createdAt"`
}

// Inspector fetches tab snapshots from the credit provider.
type Inspector interface {
	TabSnapshot(ctx context.Context, tabID string) (*TabSnapshot, error)
}

// snapshotTab logs the payment claims and, when an inspector is wired,
// the provider's view of the tab. Purely informational: every failure is
// logged and swallowed, and the caller's outcome is already decided.
func (o *Orchestrator) snapshotTab(env *envelope.Envelope) {
	tabID, hasTab := env.ClaimAny("tabId", "tab_id")
	user, _ := env.ClaimAny("userAddress", "user_address")
	recipient, _ := env.ClaimAny("recipientAddress", "recipient_address")
	asset, _ := env.ClaimAny("assetAddress", "asset_address")
	amount, _ := env.Claim("amount")

	o.logger.Info("payment claims from header",
		"tab_id", tabID,
		"user", user,
		"recipient", recipient,
		"amount", amount,
		"asset", asset,
	)

	if o.inspector == nil {
		return
	}
	if !hasTab {
		o.logger.Warn("payment header missing tab id; skipping tab snapshot")
		return
	}

	// Detached from the request: the snapshot runs to completion on its
	// own and never delays or fails the settlement response.
	go func() {
		snap, err := o.inspector.TabSnapshot(context.Background(), tabID)
		if err != nil {
			o.logger.Warn("failed to fetch tab snapshot", "tab_id", tabID, "error", err)
			return
		}
		o.logger.Info("tab snapshot",
			"tab_id", snap.TabID,
			"status", snap.Status,
			"settlement_status", snap.SettlementStatus,
			"paid", snap.Paid,
			"guarantees", len(snap.Guarantees),
			"collateral_events", len(snap.CollateralEvents),
		)
		for _, g := range snap.Guarantees {
			o.logger.Info("tab guarantee",
				"tab_id", snap.TabID,
				"req_id", g.ReqID,
				"amount", g.Amount,
				"from", g.FromAddress,
				"to", g.ToAddress,
				"asset", g.AssetAddress,
			)
		}
	}()
}

// HTTPInspector fetches tab snapshots over HTTP from a provider base URL.
type HTTPInspector struct {
	tabsURL    *url.URL
	httpClient *http.Client
}

// NewHTTPInspector derives the provider's tabs endpoint from its base URL.
func NewHTTPInspector(baseURL string) (*HTTPInspector, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("settle: parse provider URL: %w", err)
	}
	tabsURL, err := base.Parse("./tabs/")
	if err != nil {
		return nil, fmt.Errorf("settle: construct tabs URL: %w", err)
	}
	return &HTTPInspector{tabsURL: tabsURL, httpClient: &http.Client{}}, nil
}

func (i *HTTPInspector) TabSnapshot(ctx context.Context, tabID string) (*TabSnapshot, error) {
	u, err := i.tabsURL.Parse(url.PathEscape(tabID))
	if err != nil {
		return nil, fmt.Errorf("settle: construct tab snapshot URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := i.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("settle: tab snapshot returned %d: %s", resp.StatusCode, body)
	}
	var snap TabSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("settle: decode tab snapshot: %w", err)
	}
	return &snap, nil
}
