// Multi-leg order groups: bracket (entry + take-profit + stop-loss) and
// OCO (one-cancels-other). A group's legs are ordinary orders tied
// together by group_id/leg_role; EvaluateTriggers is the only place that
// knows how a fill or terminal state on one leg should affect its
// siblings, and it is meant to be called once per pump cycle.
package oms

import (
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ssmd-go/ssmd/internal/logger"
	"github.com/ssmd-go/ssmd/internal/models"
	"github.com/ssmd-go/ssmd/internal/oms/risk"
	"github.com/ssmd-go/ssmd/internal/oms/state"
	"github.com/ssmd-go/ssmd/internal/oms/types"
)

// ErrGroupNotFound is returned when a group id carries no legs.
var ErrGroupNotFound = errors.New("oms: group not found")

// GroupLeg is one order to create as part of a new group, along with the
// role it plays and the state it starts in (Pending for legs queued
// immediately, Staged for legs waiting on a sibling to fill first).
type GroupLeg struct {
	Request      types.OrderRequest
	Role         types.LegRole
	InitialState state.OrderState
}

// CreateGroup inserts a group row and all of its legs in one transaction.
// Pending legs get a submit queue entry immediately; Staged legs wait for
// EvaluateTriggers to activate them. Only the legs that start Pending
// count toward the open-notional risk check, matching Enqueue's own
// risk-check scope — a Staged leg carries no exchange exposure yet.
func (s *Store) CreateGroup(sessionID int64, kind types.GroupType, legs []GroupLeg, limits risk.Limits) (*models.OrderGroup, []models.Order, error) {
	var group models.OrderGroup
	var orders []models.Order

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var openNotional struct{ Total float64 }
		if err := tx.Raw(`
			SELECT COALESCE(SUM((price_cents::numeric / 100) * (quantity - filled_quantity)), 0) AS total
			FROM orders
			WHERE session_id = ? AND state IN ('pending','submitted','acknowledged','partially_filled','pending_cancel')
			FOR UPDATE
		`, sessionID).Scan(&openNotional).Error; err != nil {
			return err
		}

		riskState := risk.State{OpenNotional: decimal.NewFromFloat(openNotional.Total)}
		for _, leg := range legs {
			if leg.InitialState != state.Pending {
				continue
			}
			if err := riskState.Check(leg.Request, limits); err != nil {
				return err
			}
			riskState.OpenNotional = riskState.OpenNotional.Add(leg.Request.Notional())
		}

		group = models.OrderGroup{SessionID: sessionID, Kind: kind, State: types.GroupActive}
		if err := tx.Create(&group).Error; err != nil {
			return err
		}

		for _, leg := range legs {
			role := leg.Role
			order := models.Order{
				SessionID:     sessionID,
				ClientOrderID: leg.Request.ClientOrderID,
				Ticker:        leg.Request.Ticker,
				Side:          leg.Request.Side,
				Action:        leg.Request.Action,
				Quantity:      leg.Request.Quantity,
				PriceCents:    leg.Request.PriceCents,
				TimeInForce:   leg.Request.TimeInForce,
				State:         leg.InitialState,
				GroupID:       &group.ID,
				LegRole:       &role,
			}
			if err := tx.Create(&order).Error; err != nil {
				if isUniqueViolation(err) {
					return ErrDuplicateClientOrderID
				}
				return err
			}

			if leg.InitialState == state.Pending {
				if err := tx.Create(&models.QueueEntry{OrderID: order.ID, Action: "submit"}).Error; err != nil {
					return err
				}
			}
			if err := tx.Create(&models.AuditLogEntry{
				OrderID: order.ID, FromState: "none", ToState: string(leg.InitialState),
				Event: "group_created", Actor: "api",
			}).Error; err != nil {
				return err
			}
			orders = append(orders, order)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &group, orders, nil
}

// CreateBracket stages an entry order plus take-profit and stop-loss exit
// legs. The entry is queued immediately; the exits wait in Staged until
// EvaluateTriggers activates one after the entry fills.
func (s *Store) CreateBracket(sessionID int64, entry, takeProfit, stopLoss types.OrderRequest, limits risk.Limits) (*models.OrderGroup, []models.Order, error) {
	return s.CreateGroup(sessionID, types.GroupBracket, bracketLegs(entry, takeProfit, stopLoss), limits)
}

// CreateOCO stages two legs that are both queued immediately; when one
// fills, EvaluateTriggers cancels the other.
func (s *Store) CreateOCO(sessionID int64, leg1, leg2 types.OrderRequest, limits risk.Limits) (*models.OrderGroup, []models.Order, error) {
	return s.CreateGroup(sessionID, types.GroupOCO, ocoLegs(leg1, leg2), limits)
}

// bracketLegs and ocoLegs are pure so the role/initial-state wiring for
// each group shape can be tested without a database.
func bracketLegs(entry, takeProfit, stopLoss types.OrderRequest) []GroupLeg {
	return []GroupLeg{
		{Request: entry, Role: types.LegEntry, InitialState: state.Pending},
		{Request: takeProfit, Role: types.LegTakeProfit, InitialState: state.Staged},
		{Request: stopLoss, Role: types.LegStopLoss, InitialState: state.Staged},
	}
}

func ocoLegs(leg1, leg2 types.OrderRequest) []GroupLeg {
	return []GroupLeg{
		{Request: leg1, Role: types.LegOCO, InitialState: state.Pending},
		{Request: leg2, Role: types.LegOCO, InitialState: state.Pending},
	}
}

// ActiveGroups returns every group still in the Active state for a
// session, along with its legs, for trigger evaluation.
func (s *Store) ActiveGroups(sessionID int64) ([]models.OrderGroup, map[int64][]models.Order, error) {
	var groups []models.OrderGroup
	if err := s.db.Where("session_id = ? AND state = ?", sessionID, types.GroupActive).
		Order("id").Find(&groups).Error; err != nil {
		return nil, nil, err
	}
	if len(groups) == 0 {
		return groups, nil, nil
	}

	groupIDs := make([]int64, len(groups))
	for i, g := range groups {
		groupIDs[i] = g.ID
	}

	var orders []models.Order
	if err := s.db.Where("group_id IN ?", groupIDs).Order("id").Find(&orders).Error; err != nil {
		return nil, nil, err
	}

	byGroup := make(map[int64][]models.Order, len(groups))
	for _, o := range orders {
		if o.GroupID != nil {
			byGroup[*o.GroupID] = append(byGroup[*o.GroupID], o)
		}
	}
	return groups, byGroup, nil
}

// GroupOrders returns the legs belonging to one group.
func (s *Store) GroupOrders(groupID, sessionID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.Where("group_id = ? AND session_id = ?", groupID, sessionID).Order("id").Find(&orders).Error
	return orders, err
}

// ActivateStagedLeg moves a Staged leg to Pending and queues it for
// submission, in one transaction.
func (s *Store) ActivateStagedLeg(orderID int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var order models.Order
		if err := tx.Raw("SELECT * FROM orders WHERE id = ? FOR UPDATE", orderID).Scan(&order).Error; err != nil {
			return err
		}
		if order.ID == 0 {
			return gorm.ErrRecordNotFound
		}
		next, err := state.ApplyEvent(order.State, state.OrderEvent{Kind: state.EventActivate})
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Order{}).Where("id = ?", orderID).Update("state", next).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.QueueEntry{OrderID: orderID, Action: "submit"}).Error; err != nil {
			return err
		}
		return tx.Create(&models.AuditLogEntry{
			OrderID: orderID, FromState: string(order.State), ToState: string(next),
			Event: string(state.EventActivate), Actor: "trigger",
		}).Error
	})
}

// setGroupState updates a group's own lifecycle column.
func (s *Store) setGroupState(groupID int64, newState types.GroupState) error {
	return s.db.Model(&models.OrderGroup{}).Where("id = ?", groupID).Update("state", newState).Error
}

// cancelStagedLeg cancels a leg directly: Staged never reached the
// exchange, so there is nothing to send a cancel request for. Uses
// SetResolvedState rather than ApplyEvent since Staged->Cancelled is not
// itself a locally-driven transition.
func (s *Store) cancelStagedLeg(orderID int64, actor string) error {
	return s.SetResolvedState(orderID, state.Cancelled, nil, nil, actor)
}

// EvaluateTriggers inspects every active group and activates or cancels
// legs as their siblings fill or reach a terminal state. Returns the
// number of legs newly activated; callers should trigger another pump
// sweep when it is greater than zero.
func (s *Store) EvaluateTriggers(sessionID int64) (int, error) {
	groups, byGroup, err := s.ActiveGroups(sessionID)
	if err != nil {
		return 0, err
	}

	activated := 0
	for _, group := range groups {
		orders := byGroup[group.ID]
		switch group.Kind {
		case types.GroupBracket:
			n, err := s.evaluateBracket(group, orders)
			if err != nil {
				return activated, err
			}
			activated += n
		case types.GroupOCO:
			if err := s.evaluateOCO(group, orders); err != nil {
				return activated, err
			}
		}
	}
	return activated, nil
}

func (s *Store) evaluateBracket(group models.OrderGroup, orders []models.Order) (int, error) {
	var entry *models.Order
	var exits []models.Order
	for i := range orders {
		o := orders[i]
		if o.LegRole == nil {
			continue
		}
		switch *o.LegRole {
		case types.LegEntry:
			entry = &orders[i]
		case types.LegTakeProfit, types.LegStopLoss:
			exits = append(exits, o)
		}
	}
	if entry == nil {
		logger.Warn("bracket group %d missing entry leg", group.ID)
		return 0, nil
	}

	activated := 0
	switch {
	case entry.State == state.Filled:
		for _, exit := range exits {
			if exit.State == state.Staged {
				if err := s.ActivateStagedLeg(exit.ID); err != nil {
					return activated, err
				}
				activated++
				logger.Info("exit leg %d activated for bracket group %d", exit.ID, group.ID)
			}
		}

		exitFilled := false
		for _, exit := range exits {
			if exit.State == state.Filled {
				exitFilled = true
				break
			}
		}
		if exitFilled {
			for _, exit := range exits {
				if err := s.cancelSiblingLeg(exit); err != nil {
					return activated, err
				}
			}
			if err := s.setGroupState(group.ID, types.GroupCompleted); err != nil {
				return activated, err
			}
			logger.Info("bracket group %d completed (exit filled)", group.ID)
		}

	case entry.State.IsTerminal():
		for _, exit := range exits {
			if exit.State == state.Staged {
				if err := s.cancelStagedLeg(exit.ID, "trigger"); err != nil {
					return activated, err
				}
			}
		}
		if err := s.setGroupState(group.ID, types.GroupCancelled); err != nil {
			return activated, err
		}
		logger.Info("bracket group %d cancelled (entry terminal)", group.ID)
	}

	if err := s.maybeFinalizeGroup(group, append(append([]models.Order{}, *entry), exits...)); err != nil {
		return activated, err
	}
	return activated, nil
}

func (s *Store) evaluateOCO(group models.OrderGroup, orders []models.Order) error {
	filled := false
	for _, o := range orders {
		if o.State == state.Filled {
			filled = true
			break
		}
	}

	if filled {
		for _, o := range orders {
			if !o.State.IsTerminal() && o.State.IsOpen() {
				if err := s.AtomicCancel(o.ID, types.CancelUserRequested); err != nil {
					logger.Warn("OCO sibling cancel for order %d failed, will retry next reconciliation: %v", o.ID, err)
				}
			}
		}
		if err := s.setGroupState(group.ID, types.GroupCompleted); err != nil {
			return err
		}
		logger.Info("OCO group %d completed (leg filled)", group.ID)
	}

	return s.maybeFinalizeGroup(group, orders)
}

// cancelSiblingLeg cancels a bracket exit leg once the other exit has
// already filled: Staged legs are cancelled directly, open legs go
// through the normal enqueue-cancel path.
func (s *Store) cancelSiblingLeg(leg models.Order) error {
	switch {
	case leg.State == state.Staged:
		return s.cancelStagedLeg(leg.ID, "trigger")
	case leg.State.IsOpen():
		if err := s.AtomicCancel(leg.ID, types.CancelUserRequested); err != nil {
			logger.Warn("sibling leg %d cancel failed, will retry next reconciliation: %v", leg.ID, err)
		}
		return nil
	default:
		return nil
	}
}

// maybeFinalizeGroup marks a group Completed (if any leg filled) or
// Cancelled (otherwise) once every leg has reached a terminal state.
func (s *Store) maybeFinalizeGroup(group models.OrderGroup, orders []models.Order) error {
	if group.State != types.GroupActive {
		return nil
	}

	final, ok := finalGroupState(orders)
	if !ok {
		return nil
	}
	if err := s.setGroupState(group.ID, final); err != nil {
		return err
	}
	logger.Info("group %d finalized as %s", group.ID, final)
	return nil
}

// finalGroupState is the pure decision behind maybeFinalizeGroup: ok is
// false until every leg has reached a terminal state, at which point
// final is Completed if any leg filled, Cancelled otherwise.
func finalGroupState(orders []models.Order) (final types.GroupState, ok bool) {
	anyFilled := false
	for _, o := range orders {
		if !o.State.IsTerminal() {
			return "", false
		}
		if o.State == state.Filled {
			anyFilled = true
		}
	}
	if anyFilled {
		return types.GroupCompleted, true
	}
	return types.GroupCancelled, true
}

// CancelGroup cancels every leg of a group: Staged legs directly,
// exchange-open legs through the normal cancel-enqueue path. Terminal
// legs are left untouched.
func (s *Store) CancelGroup(groupID, sessionID int64) error {
	orders, err := s.GroupOrders(groupID, sessionID)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return ErrGroupNotFound
	}

	for _, order := range orders {
		switch {
		case order.State == state.Staged:
			if err := s.cancelStagedLeg(order.ID, "group_cancel"); err != nil {
				return err
			}
		case order.State.IsOpen():
			if err := s.AtomicCancel(order.ID, types.CancelUserRequested); err != nil {
				logger.Warn("group %d leg %d cancel failed, will retry next reconciliation: %v", groupID, order.ID, err)
			}
		}
	}

	if err := s.setGroupState(groupID, types.GroupCancelled); err != nil {
		return err
	}
	logger.Info("group %d cancelled", groupID)
	return nil
}
