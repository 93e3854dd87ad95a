/**
 * @description
 * Kalshi REST trading adapter: implements oms.Exchange against
 * /trade-api/v2/portfolio/{orders,positions,fills,balance}, signing every
 * request with the same RSA-PSS KALSHI-ACCESS-* scheme the WebSocket
 * connector uses for its handshake.
 *
 * @dependencies
 * - github.com/ssmd-go/ssmd/internal/connector/kalshi: Credentials.SignRequest
 * - standard net/http, encoding/json
 */

package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssmd-go/ssmd/internal/connector/kalshi"
	"github.com/ssmd-go/ssmd/internal/oms"
	"github.com/ssmd-go/ssmd/internal/oms/state"
	"github.com/ssmd-go/ssmd/internal/oms/types"
)

const (
	kalshiRequestTimeout = 10 * time.Second
	kalshiMinRequestGap  = 200 * time.Millisecond

	// KalshiProdRESTURL is the production trading REST base URL.
	KalshiProdRESTURL = "https://api.elections.kalshi.com"
	// KalshiDemoRESTURL is the sandbox trading REST base URL.
	KalshiDemoRESTURL = "https://demo-api.kalshi.co"
)

// Kalshi is a REST trading client for Kalshi's portfolio API, satisfying
// oms.Exchange. One instance is shared by every pump/recovery call for a
// given session; throttle serializes requests to stay under Kalshi's
// per-key rate limit rather than racing concurrent callers into a 429.
type Kalshi struct {
	http    *http.Client
	creds   kalshi.Credentials
	baseURL string

	mu   sync.Mutex
	last time.Time
}

// NewKalshi builds a client against baseURL (KalshiProdRESTURL or
// KalshiDemoRESTURL).
func NewKalshi(creds kalshi.Credentials, baseURL string) *Kalshi {
	return &Kalshi{
		http:    &http.Client{Timeout: kalshiRequestTimeout},
		creds:   creds,
		baseURL: baseURL,
	}
}

func (k *Kalshi) throttle() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if elapsed := time.Since(k.last); elapsed < kalshiMinRequestGap {
		time.Sleep(kalshiMinRequestGap - elapsed)
	}
	k.last = time.Now()
}

func (k *Kalshi) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	k.throttle()

	timestampMs, sig, err := k.creds.SignRequest(method, path)
	if err != nil {
		return nil, &oms.ExchangeError{Kind: oms.ExchangeErrAuth, Reason: err.Error()}
	}

	var reader io.Reader
	if body != nil {
		data, mErr := json.Marshal(body)
		if mErr != nil {
			return nil, &oms.ExchangeError{Kind: oms.ExchangeErrUnexpected, Reason: mErr.Error()}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, reader)
	if err != nil {
		return nil, &oms.ExchangeError{Kind: oms.ExchangeErrUnexpected, Reason: err.Error()}
	}
	req.Header.Set("KALSHI-ACCESS-KEY", k.creds.KeyID)
	req.Header.Set("KALSHI-ACCESS-SIGNATURE", sig)
	req.Header.Set("KALSHI-ACCESS-TIMESTAMP", strconv.FormatInt(timestampMs, 10))
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &oms.ExchangeError{Kind: oms.ExchangeErrTimeout}
		}
		return nil, &oms.ExchangeError{Kind: oms.ExchangeErrConnection, Reason: err.Error()}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfterMs := int64(1000)
		if h := resp.Header.Get("Retry-After"); h != "" {
			if secs, pErr := strconv.ParseInt(h, 10, 64); pErr == nil {
				retryAfterMs = secs * 1000
			}
		}
		resp.Body.Close()
		return nil, &oms.ExchangeError{Kind: oms.ExchangeErrRateLimited, RetryAfterMs: retryAfterMs}
	}
	return resp, nil
}

type kalshiOrderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Side          string `json:"side"`
	Action        string `json:"action"`
	OrderType     string `json:"order_type"`
	Count         int32  `json:"count"`
	YesPrice      int32  `json:"yes_price"`
	TimeInForce   string `json:"time_in_force"`
}

type kalshiOrder struct {
	OrderID          string  `json:"order_id"`
	ClientOrderID    *string `json:"client_order_id"`
	Ticker           string  `json:"ticker"`
	Status           string  `json:"status"`
	Side             string  `json:"side"`
	Action           string  `json:"action"`
	YesPrice         int32   `json:"yes_price"`
	CountFP          float64 `json:"count_fp"`
	RemainingCountFP float64 `json:"remaining_count_fp"`
}

func (o kalshiOrder) filled() int32    { return int32(o.CountFP - o.RemainingCountFP) }
func (o kalshiOrder) remaining() int32 { return int32(o.RemainingCountFP) }

type kalshiOrderResponse struct {
	Order kalshiOrder `json:"order"`
}

type kalshiOrdersResponse struct {
	Orders []kalshiOrder `json:"orders"`
}

type kalshiBatchCancelResponse struct {
	OrdersCancelled int32 `json:"orders_cancelled"`
}

type kalshiMarketPosition struct {
	Ticker         string `json:"ticker"`
	Position       int64  `json:"position"`
	MarketExposure int32  `json:"market_exposure"`
}

type kalshiPositionsResponse struct {
	MarketPositions []kalshiMarketPosition `json:"market_positions"`
}

type kalshiFill struct {
	TradeID     string `json:"trade_id"`
	OrderID     string `json:"order_id"`
	Ticker      string `json:"ticker"`
	Side        string `json:"side"`
	Action      string `json:"action"`
	YesPrice    int32  `json:"yes_price"`
	Count       int32  `json:"count"`
	IsTaker     bool   `json:"is_taker"`
	CreatedTime string `json:"created_time"`
}

type kalshiFillsResponse struct {
	Fills []kalshiFill `json:"fills"`
}

// SubmitOrder places a limit order. Kalshi always prices in yes_price
// terms even for a No-side order; the caller's price_cents is passed
// straight through, matching how the queue stores it.
func (k *Kalshi) SubmitOrder(ctx context.Context, request types.OrderRequest) (string, error) {
	body := kalshiOrderRequest{
		Ticker:        request.Ticker,
		ClientOrderID: request.ClientOrderID.String(),
		Side:          string(request.Side),
		Action:        string(request.Action),
		OrderType:     "limit",
		Count:         request.Quantity,
		YesPrice:      request.PriceCents,
		TimeInForce:   string(request.TimeInForce),
	}

	resp, err := k.do(ctx, http.MethodPost, "/trade-api/v2/portfolio/orders", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return "", &oms.ExchangeError{Kind: oms.ExchangeErrRejected, Reason: readBody(resp)}
	}

	var parsed kalshiOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &oms.ExchangeError{Kind: oms.ExchangeErrUnexpected, Reason: err.Error()}
	}
	return parsed.Order.OrderID, nil
}

func (k *Kalshi) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	resp, err := k.do(ctx, http.MethodDelete, "/trade-api/v2/portfolio/orders/"+exchangeOrderID, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return &oms.ExchangeError{Kind: oms.ExchangeErrNotFound}
	default:
		return &oms.ExchangeError{Kind: oms.ExchangeErrRejected, Reason: readBody(resp)}
	}
}

// AmendOrder cancel-replaces: Kalshi has no in-place amend endpoint, so an
// amend is a cancel followed by a fresh submit at the new price/quantity,
// matching the reference adapter's cancel-then-resubmit sequence.
func (k *Kalshi) AmendOrder(ctx context.Context, request oms.AmendRequest) (oms.AmendResult, error) {
	if err := k.CancelOrder(ctx, request.ExchangeOrderID); err != nil && !isExchangeErrorKind(err, oms.ExchangeErrNotFound) {
		return oms.AmendResult{}, err
	}

	newOrderID, err := k.SubmitOrder(ctx, types.OrderRequest{
		ClientOrderID: uuid.New(),
		Ticker:        request.Ticker,
		Side:          request.Side,
		Action:        request.Action,
		Quantity:      request.NewQuantity,
		PriceCents:    request.NewPriceCents,
		TimeInForce:   types.TimeInForceGTC,
	})
	if err != nil {
		return oms.AmendResult{}, err
	}

	return oms.AmendResult{
		ExchangeOrderID: newOrderID,
		NewPriceCents:   request.NewPriceCents,
		NewQuantity:     request.NewQuantity,
	}, nil
}

// DecreaseOrder reduces quantity the same way AmendOrder changes price:
// cancel the resting order and resubmit at the lower quantity, since
// Kalshi has no partial-cancel endpoint.
func (k *Kalshi) DecreaseOrder(ctx context.Context, exchangeOrderID string, reduceBy int32) error {
	status, err := k.orderByExchangeID(ctx, exchangeOrderID)
	if err != nil {
		return err
	}

	newQty := status.remaining() - reduceBy
	if newQty <= 0 {
		return k.CancelOrder(ctx, exchangeOrderID)
	}

	if err := k.CancelOrder(ctx, exchangeOrderID); err != nil && !isExchangeErrorKind(err, oms.ExchangeErrNotFound) {
		return err
	}

	_, err = k.SubmitOrder(ctx, types.OrderRequest{
		ClientOrderID: uuid.New(),
		Ticker:        status.Ticker,
		Side:          types.Side(status.Side),
		Action:        types.Action(status.Action),
		Quantity:      newQty,
		PriceCents:    status.YesPrice,
		TimeInForce:   types.TimeInForceGTC,
	})
	return err
}

func (k *Kalshi) orderByExchangeID(ctx context.Context, exchangeOrderID string) (kalshiOrder, error) {
	resp, err := k.do(ctx, http.MethodGet, "/trade-api/v2/portfolio/orders/"+exchangeOrderID, nil)
	if err != nil {
		return kalshiOrder{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return kalshiOrder{}, &oms.ExchangeError{Kind: oms.ExchangeErrNotFound}
	}
	if resp.StatusCode/100 != 2 {
		return kalshiOrder{}, &oms.ExchangeError{Kind: oms.ExchangeErrUnexpected, Reason: readBody(resp)}
	}

	var parsed kalshiOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return kalshiOrder{}, &oms.ExchangeError{Kind: oms.ExchangeErrUnexpected, Reason: err.Error()}
	}
	return parsed.Order, nil
}

func (k *Kalshi) GetOrderStatus(ctx context.Context, clientOrderID uuid.UUID) (oms.ExchangeOrderStatus, error) {
	resp, err := k.do(ctx, http.MethodGet, "/trade-api/v2/portfolio/orders?client_order_id="+clientOrderID.String(), nil)
	if err != nil {
		return oms.ExchangeOrderStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return oms.ExchangeOrderStatus{}, &oms.ExchangeError{Kind: oms.ExchangeErrUnexpected, Reason: readBody(resp)}
	}

	var parsed kalshiOrdersResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return oms.ExchangeOrderStatus{}, &oms.ExchangeError{Kind: oms.ExchangeErrUnexpected, Reason: err.Error()}
	}

	want := clientOrderID.String()
	for _, o := range parsed.Orders {
		if o.ClientOrderID != nil && *o.ClientOrderID == want {
			return oms.ExchangeOrderStatus{
				ExchangeOrderID: o.OrderID,
				Status:          mapOrderState(o.Status),
				FilledQuantity:  o.filled(),
			}, nil
		}
	}
	return oms.ExchangeOrderStatus{}, &oms.ExchangeError{Kind: oms.ExchangeErrNotFound}
}

func (k *Kalshi) GetFills(ctx context.Context, since *time.Time) ([]oms.ExchangeFill, error) {
	path := "/trade-api/v2/portfolio/fills"
	if since != nil {
		path += "?min_ts=" + strconv.FormatInt(since.Unix(), 10)
	}

	resp, err := k.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &oms.ExchangeError{Kind: oms.ExchangeErrUnexpected, Reason: readBody(resp)}
	}

	var parsed kalshiFillsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &oms.ExchangeError{Kind: oms.ExchangeErrUnexpected, Reason: err.Error()}
	}

	out := make([]oms.ExchangeFill, 0, len(parsed.Fills))
	for _, f := range parsed.Fills {
		filledAt, pErr := time.Parse(time.RFC3339, f.CreatedTime)
		if pErr != nil {
			filledAt = time.Now().UTC()
		}
		out = append(out, oms.ExchangeFill{
			ExchangeOrderID: f.OrderID,
			TradeID:         f.TradeID,
			Ticker:          f.Ticker,
			Side:            types.Side(f.Side),
			Action:          types.Action(f.Action),
			PriceCents:      f.YesPrice,
			Quantity:        f.Count,
			IsTaker:         f.IsTaker,
			FilledAt:        filledAt,
		})
	}
	return out, nil
}

func (k *Kalshi) GetPositions(ctx context.Context) ([]oms.Position, error) {
	resp, err := k.do(ctx, http.MethodGet, "/trade-api/v2/portfolio/positions", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &oms.ExchangeError{Kind: oms.ExchangeErrUnexpected, Reason: readBody(resp)}
	}

	var parsed kalshiPositionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &oms.ExchangeError{Kind: oms.ExchangeErrUnexpected, Reason: err.Error()}
	}

	out := make([]oms.Position, 0, len(parsed.MarketPositions))
	for _, p := range parsed.MarketPositions {
		side := types.SideYes
		qty := p.Position
		if qty < 0 {
			side = types.SideNo
			qty = -qty
		}
		out = append(out, oms.Position{Ticker: p.Ticker, Side: side, Quantity: int32(qty)})
	}
	return out, nil
}

func mapOrderState(s string) state.ExchangeOrderState {
	switch s {
	case "resting":
		return state.ExchangeResting
	case "executed":
		return state.ExchangeExecuted
	case "canceled", "cancelled":
		return state.ExchangeCancelled
	default:
		return state.ExchangeNotFound
	}
}

func isExchangeErrorKind(err error, kind oms.ExchangeErrorKind) bool {
	ee, ok := err.(*oms.ExchangeError)
	return ok && ee.Kind == kind
}

func readBody(resp *http.Response) string {
	data, _ := io.ReadAll(resp.Body)
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(data))
}
