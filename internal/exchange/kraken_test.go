package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/ssmd-go/ssmd/internal/oms"
	"github.com/ssmd-go/ssmd/internal/oms/state"
)

func testKrakenClient(t *testing.T, handler http.HandlerFunc) (*Kraken, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	creds := KrakenCredentials{APIKey: "test-api-key", APISecret: "dGVzdC1zZWNyZXQ="}
	return NewKraken(creds, server.URL), server
}

func TestKrakenSubmitOrderSuccess(t *testing.T) {
	client, server := testKrakenClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("APIKey"); got != "test-api-key" {
			t.Fatalf("missing api key header, got %q", got)
		}
		if got := r.Header.Get("Authent"); got == "" {
			t.Fatalf("missing authent header")
		}
		if r.URL.Path != "/derivatives/api/v3/sendorder" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(krakenSendOrderResponse{
			Result: "success",
			SendStatus: struct {
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			}{OrderID: "exch-order-123", Status: "placed"},
		})
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

func TestKrakenSubmitOrderRejected(t *testing.T) {
	client, server := testKrakenClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(krakenSendOrderResponse{
			Result: "success",
			SendStatus: struct {
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			}{Status: "invalidPrice"},
		})
	})
	defer server.Close()

	_, err := client.SubmitOrder(context.Background(), testOrderRequest())
	if !isExchangeErrorKind(err, oms.ExchangeErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
}

func TestKrakenSubmitOrderRateLimited(t *testing.T) {
	client, server := testKrakenClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer server.Close()

	_, err := client.SubmitOrder(context.Background(), testOrderRequest())
	ee, ok := err.(*oms.ExchangeError)
	if !ok || ee.Kind != oms.ExchangeErrRateLimited {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if ee.RetryAfterMs != 3000 {
		t.Fatalf("retry_after_ms = %d", ee.RetryAfterMs)
	}
}

func TestKrakenCancelOrderSuccess(t *testing.T) {
	client, server := testKrakenClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "success"})
	})
	defer server.Close()

	if err := client.CancelOrder(context.Background(), "exch-123"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestKrakenCancelOrderNotFound(t *testing.T) {
	client, server := testKrakenClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "error", "error": "notFound"})
	})
	defer server.Close()

	err := client.CancelOrder(context.Background(), "exch-999")
	if !isExchangeErrorKind(err, oms.ExchangeErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestKrakenAmendOrder(t *testing.T) {
	client, server := testKrakenClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/derivatives/api/v3/editorder" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "success"})
	})
	defer server.Close()

	result, err := client.AmendOrder(context.Background(), oms.AmendRequest{
		ExchangeOrderID: "exch-123",
		NewPriceCents:   60,
		NewQuantity:     5,
	})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if result.NewQuantity != 5 || result.NewPriceCents != 60 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestKrakenDecreaseOrder(t *testing.T) {
	var sawEdit bool
	client, server := testKrakenClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/derivatives/api/v3/openorders":
			_ = json.NewEncoder(w).Encode(krakenOpenOrdersResponse{OpenOrders: []krakenOpenOrder{
				{OrderID: "exch-123", Status: "placed", Size: 10},
			}})
		case "/derivatives/api/v3/editorder":
			sawEdit = true
			_ = r.ParseForm()
			if r.Form.Get("size") != "6" {
				t.Fatalf("expected new size 6, got %q", r.Form.Get("size"))
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"result": "success"})
		default:
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
	})
	defer server.Close()

	if err := client.DecreaseOrder(context.Background(), "exch-123", 4); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if !sawEdit {
		t.Fatalf("expected editorder call")
	}
}

func TestKrakenDecreaseOrderToZeroCancels(t *testing.T) {
	var sawCancel bool
	client, server := testKrakenClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/derivatives/api/v3/openorders":
			_ = json.NewEncoder(w).Encode(krakenOpenOrdersResponse{OpenOrders: []krakenOpenOrder{
				{OrderID: "exch-123", Status: "placed", Size: 4},
			}})
		case "/derivatives/api/v3/cancelorder":
			sawCancel = true
			_ = json.NewEncoder(w).Encode(map[string]string{"result": "success"})
		default:
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
	})
	defer server.Close()

	if err := client.DecreaseOrder(context.Background(), "exch-123", 10); err != nil {
		t.Fatalf("decrease: %v", err)
	}
	if !sawCancel {
		t.Fatalf("expected cancelorder call when decrease empties the order")
	}
}

func TestKrakenGetOrderStatusByClientID(t *testing.T) {
	cid := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")

	client, server := testKrakenClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(krakenOpenOrdersResponse{OpenOrders: []krakenOpenOrder{{
			OrderID:    "exch-order-123",
			CliOrdID:   cid.String(),
			Status:     "partiallyFilled",
			Size:       7,
			FilledSize: 3,
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

func TestKrakenGetFills(t *testing.T) {
	client, server := testKrakenClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(krakenFillsResponse{Fills: []krakenFill{{
			FillID:   "fill-001",
			OrderID:  "exch-order-123",
			Symbol:   "PI_XBTUSD",
			Side:     "buy",
			Price:    50000,
			Size:     2,
			FillType: "taker",
			FillTime: "2026-02-24T12:00:00Z",
		}}})
	})
	defer server.Close()

	fills, err := client.GetFills(context.Background(), nil)
	if err != nil {
		t.Fatalf("get fills: %v", err)
	}
	if len(fills) != 1 || fills[0].TradeID != "fill-001" || fills[0].Quantity != 2 {
		t.Fatalf("unexpected fills: %+v", fills)
	}
	if !fills[0].IsTaker {
		t.Fatalf("expected taker fill")
	}
}

func TestKrakenGetPositions(t *testing.T) {
	client, server := testKrakenClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(krakenPositionsResponse{OpenPositions: []krakenPosition{{
			Symbol: "PI_XBTUSD",
			Side:   "long",
			Size:   3,
		}}})
	})
	defer server.Close()

	positions, err := client.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Ticker != "PI_XBTUSD" || positions[0].Quantity != 3 {
		t.Fatalf("unexpected positions: %+v", positions)
	}
}
