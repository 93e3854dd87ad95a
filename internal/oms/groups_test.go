package oms

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ssmd-go/ssmd/internal/models"
	"github.com/ssmd-go/ssmd/internal/oms/state"
	"github.com/ssmd-go/ssmd/internal/oms/types"
)

func sampleRequest() types.OrderRequest {
	return types.OrderRequest{
		ClientOrderID: uuid.New(),
		Ticker:        "TICK-24",
		Side:          types.SideYes,
		Action:        types.ActionBuy,
		Quantity:      10,
		PriceCents:    50,
		TimeInForce:   types.TimeInForceGTC,
	}
}

func TestBracketLegsRolesAndStates(t *testing.T) {
	legs := bracketLegs(sampleRequest(), sampleRequest(), sampleRequest())
	if len(legs) != 3 {
		t.Fatalf("expected 3 legs, got %d", len(legs))
	}
	if legs[0].Role != types.LegEntry || legs[0].InitialState != state.Pending {
		t.Fatalf("entry leg wrong: %+v", legs[0])
	}
	if legs[1].Role != types.LegTakeProfit || legs[1].InitialState != state.Staged {
		t.Fatalf("take-profit leg wrong: %+v", legs[1])
	}
	if legs[2].Role != types.LegStopLoss || legs[2].InitialState != state.Staged {
		t.Fatalf("stop-loss leg wrong: %+v", legs[2])
	}
}

func TestOCOLegsBothQueuedImmediately(t *testing.T) {
	legs := ocoLegs(sampleRequest(), sampleRequest())
	if len(legs) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(legs))
	}
	for i, leg := range legs {
		if leg.Role != types.LegOCO {
			t.Fatalf("leg %d role = %v, want oco_leg", i, leg.Role)
		}
		if leg.InitialState != state.Pending {
			t.Fatalf("leg %d initial state = %v, want pending", i, leg.InitialState)
		}
	}
}

func TestFinalGroupStateNotYetAllTerminal(t *testing.T) {
	orders := []models.Order{{State: state.Filled}, {State: state.Acknowledged}}
	_, ok := finalGroupState(orders)
	if ok {
		t.Fatal("expected ok=false while a leg is still open")
	}
}

func TestFinalGroupStateCompletedOnAnyFill(t *testing.T) {
	orders := []models.Order{{State: state.Filled}, {State: state.Cancelled}}
	final, ok := finalGroupState(orders)
	if !ok || final != types.GroupCompleted {
		t.Fatalf("got final=%v ok=%v, want Completed/true", final, ok)
	}
}

func TestFinalGroupStateCancelledWhenNoneFilled(t *testing.T) {
	orders := []models.Order{{State: state.Cancelled}, {State: state.Rejected}}
	final, ok := finalGroupState(orders)
	if !ok || final != types.GroupCancelled {
		t.Fatalf("got final=%v ok=%v, want Cancelled/true", final, ok)
	}
}

func TestFinalGroupStateEmptyOrdersIsVacuouslyTerminal(t *testing.T) {
	final, ok := finalGroupState(nil)
	if !ok || final != types.GroupCancelled {
		t.Fatalf("got final=%v ok=%v", final, ok)
	}
}
