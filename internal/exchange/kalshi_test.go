package exchange

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/ssmd-go/ssmd/internal/connector/kalshi"
	"github.com/ssmd-go/ssmd/internal/oms"
	"github.com/ssmd-go/ssmd/internal/oms/state"
	"github.com/ssmd-go/ssmd/internal/oms/types"
)

func testKalshiClient(t *testing.T, handler http.HandlerFunc) (*Kalshi, *httptest.Server) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	server := httptest.NewServer(handler)
	creds := kalshi.Credentials{KeyID: "test-api-key", PrivateKey: key}
	return NewKalshi(creds, server.URL), server
}

func testOrderRequest() types.OrderRequest {
	return types.OrderRequest{
		ClientOrderID: uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
		Ticker:        "KXBTCD-26FEB-T100000",
		Side:          types.SideYes,
		Action:        types.ActionBuy,
		Quantity:      10,
		PriceCents:    50,
		TimeInForce:   types.TimeInForceGTC,
	}
}

func TestKalshiSubmitOrderSuccess(t *testing.T) {
	client, server := testKalshiClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("KALSHI-ACCESS-KEY"); got != "test-api-key" {
			t.Fatalf("missing access key header, got %q", got)
		}
		if r.URL.Path != "/trade-api/v2/portfolio/orders" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(kalshiOrderResponse{Order: kalshiOrder{
			OrderID: "exch-order-123",
			Status:  "resting",
		}})
	})
	defer server.Close()

	id, err := client.SubmitOrder(context.Background(), testOrderRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "exch-order-123" {
		t.Fatalf("got id %q", id)
	}
}

func TestKalshiSubmitOrderRejected(t *testing.T) {
	client, server := testKalshiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"invalid_ticker"}`))
	})
	defer server.Close()

	_, err := client.SubmitOrder(context.Background(), testOrderRequest())
	if !isExchangeErrorKind(err, oms.ExchangeErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
}

func TestKalshiSubmitOrderRateLimited(t *testing.T) {
	client, server := testKalshiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer server.Close()

	_, err := client.SubmitOrder(context.Background(), testOrderRequest())
	ee, ok := err.(*oms.ExchangeError)
	if !ok || ee.Kind != oms.ExchangeErrRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if ee.RetryAfterMs != 2000 {
		t.Fatalf("retry_after_ms = %d", ee.RetryAfterMs)
	}
}

func TestKalshiCancelOrderSuccess(t *testing.T) {
	client, server := testKalshiClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Fatalf("expected DELETE, got %s", r.Method)
		}
		_, _ = w.Write([]byte(`{}`))
	})
	defer server.Close()

	if err := client.CancelOrder(context.Background(), "exch-123"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestKalshiCancelOrderNotFound(t *testing.T) {
	client, server := testKalshiClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer server.Close()

	err := client.CancelOrder(context.Background(), "exch-999")
	if !isExchangeErrorKind(err, oms.ExchangeErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestKalshiGetOrderStatusByClientID(t *testing.T) {
	cid := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	clientOrderID := cid.String()

	client, server := testKalshiClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(kalshiOrdersResponse{Orders: []kalshiOrder{{
			OrderID:          "exch-order-123",
			ClientOrderID:    &clientOrderID,
			Status:           "resting",
			CountFP:          10,
			RemainingCountFP: 7,
		}}})
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

func TestKalshiGetFills(t *testing.T) {
	client, server := testKalshiClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(kalshiFillsResponse{Fills: []kalshiFill{{
			TradeID:     "trade-001",
			OrderID:     "exch-order-123",
			Ticker:      "KXBTCD-26FEB-T100000",
			Side:        "yes",
			Action:      "buy",
			YesPrice:    50,
			Count:       5,
			IsTaker:     true,
			CreatedTime: "2026-02-24T12:00:00Z",
		}}})
	})
	defer server.Close()

	fills, err := client.GetFills(context.Background(), nil)
	if err != nil {
		t.Fatalf("get fills: %v", err)
	}
	if len(fills) != 1 || fills[0].TradeID != "trade-001" || fills[0].Quantity != 5 {
		t.Fatalf("unexpected fills: %+v", fills)
	}
}

func TestKalshiGetPositions(t *testing.T) {
	client, server := testKalshiClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(kalshiPositionsResponse{MarketPositions: []kalshiMarketPosition{{
			Ticker:         "KXBTCD-26FEB-T100000",
			Position:       10,
			MarketExposure: 500,
		}}})
	})
	defer server.Close()

	positions, err := client.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Side != types.SideYes || positions[0].Quantity != 10 {
		t.Fatalf("unexpected positions: %+v", positions)
	}
}
