package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertTrader inserts or refreshes a trader row keyed by trader id.
func (s *Store) UpsertTrader(t *Trader) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "trader_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"nickname", "aum", "follow_pnl", "followers", "pnl", "symbol",
			"win_ratio", "yield_ratio", "is_init", "updated_at",
		}),
	}).Create(t).Error
	if err != nil {
		return fmt.Errorf("upsert trader %s: %w", t.TraderID, err)
	}
	return nil
}

// TraderByID returns the trader row, or nil when unknown.
func (s *Store) TraderByID(id string) (*Trader, error) {
	var t Trader
	err := s.db.First(&t, "trader_id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load trader %s: %w", id, err)
	}
	return &t, nil
}

// Traders returns all trader rows.
func (s *Store) Traders() ([]Trader, error) {
	var out []Trader
	if err := s.db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("load traders: %w", err)
	}
	return out, nil
}

// FollowedTraderIDs returns the ids of currently followed traders.
func (s *Store) FollowedTraderIDs() ([]string, error) {
	var ids []string
	err := s.db.Model(&Trader{}).Where("is_followed = ?", true).Pluck("trader_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load followed traders: %w", err)
	}
	return ids, nil
}

// FollowedOrObservedTraderIDs returns ids of traders still under attention.
func (s *Store) FollowedOrObservedTraderIDs() ([]string, error) {
	var ids []string
	err := s.db.Model(&Trader{}).
		Where("is_followed = ? OR is_observed = ?", true, true).
		Pluck("trader_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load followed/observed traders: %w", err)
	}
	return ids, nil
}

// ClearInitFlags resets is_init on all traders before a leaderboard refresh;
// traders still on the leaderboard get it set back by UpsertTrader.
func (s *Store) ClearInitFlags() error {
	err := s.db.Model(&Trader{}).Where("is_init = ?", true).Update("is_init", false).Error
	if err != nil {
		return fmt.Errorf("clear init flags: %w", err)
	}
	return nil
}

// SetFollowedTraders marks exactly the given traders as followed and
// unfollows everyone else.
func (s *Store) SetFollowedTraders(ids []string) error {
	if len(ids) == 0 {
		err := s.db.Model(&Trader{}).Where("is_followed = ?", true).
			Update("is_followed", false).Error
		if err != nil {
			return fmt.Errorf("unfollow all traders: %w", err)
		}
		return nil
	}
	err := s.db.Model(&Trader{}).Where("trader_id NOT IN ?", ids).
		Update("is_followed", false).Error
	if err != nil {
		return fmt.Errorf("unfollow dropped traders: %w", err)
	}
	err = s.db.Model(&Trader{}).Where("trader_id IN ?", ids).
		Update("is_followed", true).Error
	if err != nil {
		return fmt.Errorf("follow traders: %w", err)
	}
	return nil
}

// UnfollowTrader drops a trader from the leaderboard roster, optionally
// keeping it under observation.
func (s *Store) UnfollowTrader(id string, observed bool) error {
	err := s.db.Model(&Trader{}).Where("trader_id = ?", id).
		Updates(map[string]any{
			"is_followed": false,
			"is_observed": observed,
			"is_init":     false,
		}).Error
	if err != nil {
		return fmt.Errorf("unfollow trader %s: %w", id, err)
	}
	return nil
}

// InitTraderIDs returns traders refreshed in the current leaderboard pass.
func (s *Store) InitTraderIDs() ([]string, error) {
	var ids []string
	err := s.db.Model(&Trader{}).Where("is_init = ?", true).Pluck("trader_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("load init traders: %w", err)
	}
	return ids, nil
}

// UpdateTraderYield refreshes a trader's total ROI from the summary
// endpoint. Used for dropped traders whose performance rows stop arriving.
func (s *Store) UpdateTraderYield(id string, yield float64) error {
	err := s.db.Model(&Trader{}).Where("trader_id = ?", id).
		Update("yield_ratio", yield).Error
	if err != nil {
		return fmt.Errorf("update yield %s: %w", id, err)
	}
	return nil
}

// TouchLastPosDatetime records that a trader produced a new position.
func (s *Store) TouchLastPosDatetime(id string, at time.Time) error {
	err := s.db.Model(&Trader{}).Where("trader_id = ?", id).
		Update("last_pos_datetime", at).Error
	if err != nil {
		return fmt.Errorf("touch last_pos_datetime %s: %w", id, err)
	}
	return nil
}

// UpsertTraderStats inserts or refreshes one (trader, date_range) stats row.
func (s *Store) UpsertTraderStats(row *TraderStats) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "trader_id"}, {Name: "date_range"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"follower_num", "current_follow_pnl", "aum", "avg_position_value",
			"cost_val", "win_ratio", "yield_ratio", "profit_days", "loss_days",
			"updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("upsert trader stats %s/%s: %w", row.TraderID, row.DateRange, err)
	}
	return nil
}

// TraderStatsByID returns a trader's stats rows keyed by date range.
func (s *Store) TraderStatsByID(traderID string) (map[string]TraderStats, error) {
	var rows []TraderStats
	if err := s.db.Where("trader_id = ?", traderID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load trader stats %s: %w", traderID, err)
	}
	out := make(map[string]TraderStats, len(rows))
	for _, r := range rows {
		out[r.DateRange] = r
	}
	return out, nil
}

// ReplaceTempPositions rewrites the upstream temp-positions table with the
// observer's latest snapshot.
func (s *Store) ReplaceTempPositions(rows []TempPosition) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&TempPosition{}).Error; err != nil {
			return fmt.Errorf("clear temp positions: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert temp positions: %w", err)
		}
		return nil
	})
}

// TempPositionsByTrader returns the upstream positions of followed traders,
// grouped by trader id. When includeObserved is set, observed-only traders
// are included as well.
func (s *Store) TempPositionsByTrader(includeObserved bool) (map[string][]TempPosition, error) {
	var ids []string
	var err error
	if includeObserved {
		ids, err = s.FollowedOrObservedTraderIDs()
	} else {
		ids, err = s.FollowedTraderIDs()
	}
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return map[string][]TempPosition{}, nil
	}

	var rows []TempPosition
	if err := s.db.Where("trader_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load temp positions: %w", err)
	}

	out := make(map[string][]TempPosition)
	for _, r := range rows {
		out[r.TraderID] = append(out[r.TraderID], r)
	}
	return out, nil
}
