package oms

import "testing"

func TestDecodeAmendMetadataBothFields(t *testing.T) {
	price := int32(55)
	qty := int32(10)
	raw := `{"new_price_cents":55,"new_quantity":10}`
	meta, err := decodeAmendMetadata(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.NewPriceCents == nil || *meta.NewPriceCents != price {
		t.Fatalf("new_price_cents = %v", meta.NewPriceCents)
	}
	if meta.NewQuantity == nil || *meta.NewQuantity != qty {
		t.Fatalf("new_quantity = %v", meta.NewQuantity)
	}
}

func TestDecodeAmendMetadataPartial(t *testing.T) {
	meta, err := decodeAmendMetadata(`{"new_price_cents":60}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.NewPriceCents == nil || *meta.NewPriceCents != 60 {
		t.Fatalf("new_price_cents = %v", meta.NewPriceCents)
	}
	if meta.NewQuantity != nil {
		t.Fatalf("expected nil new_quantity, got %v", meta.NewQuantity)
	}
}

func TestDecodeAmendMetadataEmptyErrors(t *testing.T) {
	if _, err := decodeAmendMetadata(""); err == nil {
		t.Fatal("expected error for empty metadata")
	}
}

func TestDecodeDecreaseMetadata(t *testing.T) {
	meta, err := decodeDecreaseMetadata(`{"reduce_by":5}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.ReduceBy != 5 {
		t.Fatalf("reduce_by = %d", meta.ReduceBy)
	}
}

func TestDecodeDecreaseMetadataMissingReduceByErrors(t *testing.T) {
	if _, err := decodeDecreaseMetadata(`{}`); err == nil {
		t.Fatal("expected error for missing reduce_by")
	}
}

func TestDecodeDecreaseMetadataEmptyErrors(t *testing.T) {
	if _, err := decodeDecreaseMetadata(""); err == nil {
		t.Fatal("expected error for empty metadata")
	}
}

func TestExchangeErrorMessages(t *testing.T) {
	cases := []struct {
		err  *ExchangeError
		want string
	}{
		{&ExchangeError{Kind: ExchangeErrRejected, Reason: "bad price"}, "exchange rejected order: bad price"},
		{&ExchangeError{Kind: ExchangeErrRateLimited, RetryAfterMs: 250}, "exchange rate limited (retry after 250ms)"},
		{&ExchangeError{Kind: ExchangeErrTimeout}, "exchange request timed out"},
		{&ExchangeError{Kind: ExchangeErrNotFound}, "order not found on exchange"},
	}
	for _, c := range cases {
		if got := c.err.Error(); got != c.want {
			t.Fatalf("got %q, want %q", got, c.want)
		}
	}
}

func TestIsExchangeErrorKind(t *testing.T) {
	err := &ExchangeError{Kind: ExchangeErrRateLimited}
	if !isExchangeErrorKind(err, ExchangeErrRateLimited) {
		t.Fatal("expected match")
	}
	if isExchangeErrorKind(err, ExchangeErrTimeout) {
		t.Fatal("expected no match")
	}
	if isExchangeErrorKind(nil, ExchangeErrTimeout) {
		t.Fatal("expected nil error to not match any kind")
	}
}
