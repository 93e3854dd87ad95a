package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/ssmd-go/ssmd/internal/oms"
	"github.com/ssmd-go/ssmd/internal/oms/state"
	"github.com/ssmd-go/ssmd/internal/oms/types"
)

func testPolymarketClient(t *testing.T, handler http.HandlerFunc) (*Polymarket, *httptest.Server) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	server := httptest.NewServer(handler)
	creds := PolymarketCredentials{
		SigningKey: key,
		MakerAddr:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		APIKey:     "test-api-key",
		APISecret:  "dGVzdC1zZWNyZXQ=",
		Passphrase: "test-passphrase",
	}
	return NewPolymarket(creds, server.URL), server
}

func testPolymarketOrderRequest() types.OrderRequest {
	return types.OrderRequest{
		ClientOrderID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		Ticker:        "123456789",
		Side:          types.SideYes,
		Action:        types.ActionBuy,
		Quantity:      10,
		PriceCents:    50,
		TimeInForce:   types.TimeInForceGTC,
	}
}

func TestPolymarketSubmitOrderSuccess(t *testing.T) {
	client, server := testPolymarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("POLY_ADDRESS"); got == "" {
			t.Fatalf("missing POLY_ADDRESS header")
		}
		if got := r.Header.Get("POLY_SIGNATURE"); got == "" {
			t.Fatalf("missing POLY_SIGNATURE header")
		}
		if r.URL.Path != "/order" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		var req polymarketOrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if req.Order.Signature == "" {
			t.Fatalf("expected a non-empty order signature")
		}
		_ = json.NewEncoder(w).Encode(polymarketOrderResponse{Success: true, OrderID: "exch-order-123", Status: "LIVE"})
	})
	defer server.Close()

	id, err := client.SubmitOrder(context.Background(), testPolymarketOrderRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "exch-order-123" {
		t.Fatalf("got id %q", id)
	}
}

func TestPolymarketSubmitOrderRejected(t *testing.T) {
	client, server := testPolymarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(polymarketOrderResponse{Success: false, Error: "insufficient balance"})
	})
	defer server.Close()

	_, err := client.SubmitOrder(context.Background(), testPolymarketOrderRequest())
	if !isExchangeErrorKind(err, oms.ExchangeErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
}

func TestPolymarketSubmitOrderRateLimited(t *testing.T) {
	client, server := testPolymarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer server.Close()

	_, err := client.SubmitOrder(context.Background(), testPolymarketOrderRequest())
	ee, ok := err.(*oms.ExchangeError)
	if !ok || ee.Kind != oms.ExchangeErrRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if ee.RetryAfterMs != 1000 {
		t.Fatalf("retry_after_ms = %d", ee.RetryAfterMs)
	}
}

func TestPolymarketCancelOrderSuccess(t *testing.T) {
	client, server := testPolymarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	})
	defer server.Close()

	if err := client.CancelOrder(context.Background(), "exch-123"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestPolymarketCancelOrderNotFound(t *testing.T) {
	client, server := testPolymarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer server.Close()

	err := client.CancelOrder(context.Background(), "exch-999")
	if !isExchangeErrorKind(err, oms.ExchangeErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPolymarketAmendOrderCancelsAndResubmits(t *testing.T) {
	var sawCancel, sawSubmit bool
	client, server := testPolymarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete && r.URL.Path == "/order":
			sawCancel = true
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/order":
			sawSubmit = true
			_ = json.NewEncoder(w).Encode(polymarketOrderResponse{Success: true, OrderID: "exch-order-456", Status: "LIVE"})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})
	defer server.Close()

	result, err := client.AmendOrder(context.Background(), oms.AmendRequest{
		ExchangeOrderID: "exch-123",
		Ticker:          "123456789",
		Side:            types.SideYes,
		Action:          types.ActionBuy,
		NewPriceCents:   55,
		NewQuantity:     8,
	})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if !sawCancel || !sawSubmit {
		t.Fatalf("expected both a cancel and a resubmit, got cancel=%v submit=%v", sawCancel, sawSubmit)
	}
	if result.ExchangeOrderID != "exch-order-456" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPolymarketAmendOrderTreatsCancelNotFoundAsOK(t *testing.T) {
	client, server := testPolymarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(polymarketOrderResponse{Success: true, OrderID: "exch-order-789", Status: "LIVE"})
		}
	})
	defer server.Close()

	_, err := client.AmendOrder(context.Background(), oms.AmendRequest{
		ExchangeOrderID: "exch-already-gone",
		Ticker:          "123456789",
		Side:            types.SideYes,
		Action:          types.ActionBuy,
		NewPriceCents:   55,
		NewQuantity:     8,
	})
	if err != nil {
		t.Fatalf("expected amend to tolerate an already-cancelled order, got %v", err)
	}
}

func TestPolymarketGetOrderStatusByClientID(t *testing.T) {
	cid := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	client, server := testPolymarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]polymarketOpenOrder{{
			ID:             "exch-order-123",
			AssociateTrade: cid.String(),
			Status:         "LIVE",
			SizeMatched:    "3",
			OriginalSize:   "10",
		}})
	})
	defer server.Close()

	status, err := client.GetOrderStatus(context.Background(), cid)
	if err != nil {
		t.Fatalf("get order status: %v", err)
	}
	if status.ExchangeOrderID != "exch-order-123" {
		t.Fatalf("exchange_order_id = %q", status.ExchangeOrderID)
	}
	if status.Status != state.ExchangeResting {
		t.Fatalf("status = %v", status.Status)
	}
	if status.FilledQuantity != 3 {
		t.Fatalf("filled_quantity = %d", status.FilledQuantity)
	}
}

func TestPolymarketGetFills(t *testing.T) {
	client, server := testPolymarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]polymarketTrade{{
			ID:       "trade-001",
			OrderID:  "exch-order-123",
			AssetID:  "123456789",
			Side:     "buy",
			Price:    "0.50",
			Size:     "5",
			TakerMkr: "taker",
			MatchAt:  "1780000000",
		}})
	})
	defer server.Close()

	fills, err := client.GetFills(context.Background(), nil)
	if err != nil {
		t.Fatalf("get fills: %v", err)
	}
	if len(fills) != 1 || fills[0].TradeID != "trade-001" || fills[0].Quantity != 5 {
		t.Fatalf("unexpected fills: %+v", fills)
	}
	if !fills[0].IsTaker {
		t.Fatalf("expected taker fill")
	}
}

func TestPolymarketGetPositions(t *testing.T) {
	client, server := testPolymarketClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]polymarketPosition{{AssetID: "123456789", Size: "12"}})
	})
	defer server.Close()

	positions, err := client.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Ticker != "123456789" || positions[0].Quantity != 12 {
		t.Fatalf("unexpected positions: %+v", positions)
	}
}
