package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"copytrader/pkg/types"
)

// InsertPositionIfAbsent persists a new mirrored position unless a row with
// the same (instance, trader, symbol, u_time) already exists. Returns true
// when a row was inserted.
func (s *Store) InsertPositionIfAbsent(p *Position) (bool, error) {
	var count int64
	err := s.db.Model(&Position{}).
		Where("instance = ? AND trader_id = ? AND symbol = ? AND u_time = ?",
			p.Instance, p.TraderID, p.Symbol, p.UTime).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check existing position: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	if err := s.db.Create(p).Error; err != nil {
		return false, fmt.Errorf("insert position: %w", err)
	}
	return true, nil
}

// PositionByUpstream loads the instance's mirrored position for an upstream
// position id, or nil when none exists.
func (s *Store) PositionByUpstream(instance, upstreamID string) (*Position, error) {
	var p Position
	err := s.db.Where("instance = ? AND upstream_id = ?", instance, upstreamID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load position for upstream %s: %w", upstreamID, err)
	}
	return &p, nil
}

// ActivePositions returns all active mirrored positions of an instance.
func (s *Store) ActivePositions(instance string) ([]Position, error) {
	var out []Position
	err := s.db.Where("instance = ? AND is_active = ?", instance, true).
		Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load active positions: %w", err)
	}
	return out, nil
}

// ActiveCopiedUnfilled returns active positions whose entry order has been
// placed but has not been seen filled yet.
func (s *Store) ActiveCopiedUnfilled(instance string) ([]Position, error) {
	var out []Position
	err := s.db.Where(
		"instance = ? AND is_active = ? AND is_copied = ? AND is_filled = ?",
		instance, true, true, false,
	).Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load copied unfilled positions: %w", err)
	}
	return out, nil
}

// UpdatePosition applies a partial update to one mirrored position by id.
func (s *Store) UpdatePosition(id uint, fields map[string]any) error {
	err := s.db.Model(&Position{}).Where("id = ?", id).Updates(fields).Error
	if err != nil {
		return fmt.Errorf("update position %d: %w", id, err)
	}
	return nil
}

// MarkCopied records the placed entry order against the position.
func (s *Store) MarkCopied(id uint, orderID string, userAmount float64) error {
	return s.UpdatePosition(id, map[string]any{
		"is_copied":   true,
		"order_id":    orderID,
		"user_amount": userAmount,
	})
}

// MarkFilled records that the entry order has been filled.
func (s *Store) MarkFilled(id uint) error {
	return s.UpdatePosition(id, map[string]any{"is_filled": true})
}

// MarkCanceled records a confirmed cancel and deactivates the row.
func (s *Store) MarkCanceled(id uint) error {
	return s.UpdatePosition(id, map[string]any{
		"is_canceled": true,
		"is_active":   false,
	})
}

// MarkClosed finalizes a position: closed rows hold no user quantity and
// leave the active set.
func (s *Store) MarkClosed(id uint) error {
	return s.UpdatePosition(id, map[string]any{
		"is_closed":   true,
		"is_active":   false,
		"user_amount": 0.0,
	})
}

// MarkIgnored tags a position with a terminal ignore reason.
func (s *Store) MarkIgnored(id uint, reason string) error {
	return s.UpdatePosition(id, map[string]any{
		"is_ignored":    true,
		"ignore_reason": reason,
	})
}

// DeactivatePosition retires a row without closing anything on the exchange.
func (s *Store) DeactivatePosition(id uint) error {
	return s.UpdatePosition(id, map[string]any{"is_active": false})
}

// ————————————————————————————————————————————————————————————————————————
// Trigger orders (SL / TP)
// ————————————————————————————————————————————————————————————————————————

// TriggerFor returns the trigger order of one kind linked to a mirrored
// position, or nil when none exists.
func (s *Store) TriggerFor(instance, upstreamID string, kind types.TriggerKind) (*TriggerOrder, error) {
	var t TriggerOrder
	err := s.db.Where(
		"instance = ? AND position_upstream_id = ? AND kind = ?",
		instance, upstreamID, kind,
	).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s trigger for %s: %w", kind, upstreamID, err)
	}
	return &t, nil
}

// ActiveTriggers returns all active trigger orders of one kind.
func (s *Store) ActiveTriggers(instance string, kind types.TriggerKind) ([]TriggerOrder, error) {
	var out []TriggerOrder
	err := s.db.Where("instance = ? AND kind = ? AND is_active = ?", instance, kind, true).
		Order("id").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("load active %s triggers: %w", kind, err)
	}
	return out, nil
}

// SaveTrigger upserts a trigger order on its (instance, position, kind) key.
func (s *Store) SaveTrigger(t *TriggerOrder) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "instance"}, {Name: "position_upstream_id"}, {Name: "kind"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"order_id", "symbol", "side", "price", "amount",
			"is_active", "is_filled", "updated_at",
		}),
	}).Create(t).Error
	if err != nil {
		return fmt.Errorf("save %s trigger for %s: %w", t.Kind, t.PositionUpstreamID, err)
	}
	return nil
}

// DeactivateTrigger marks a trigger order no longer live on the exchange.
func (s *Store) DeactivateTrigger(id uint) error {
	err := s.db.Model(&TriggerOrder{}).Where("id = ?", id).
		Update("is_active", false).Error
	if err != nil {
		return fmt.Errorf("deactivate trigger %d: %w", id, err)
	}
	return nil
}

// MarkTriggerFilled records a triggered fill and retires the order.
func (s *Store) MarkTriggerFilled(id uint) error {
	err := s.db.Model(&TriggerOrder{}).Where("id = ?", id).
		Updates(map[string]any{"is_filled": true, "is_active": false}).Error
	if err != nil {
		return fmt.Errorf("mark trigger %d filled: %w", id, err)
	}
	return nil
}
