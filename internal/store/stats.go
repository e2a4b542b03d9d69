package store

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnsureSuccessStat inserts a (trader, instance) success-stats row, or
// reactivates an existing inactive one with its counters reset. An already
// active row is left untouched.
func (s *Store) EnsureSuccessStat(instance, traderID string) error {
	var row SuccessStat
	err := s.db.Where("trader_id = ? AND instance = ?", traderID, instance).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = SuccessStat{TraderID: traderID, Instance: instance, IsActive: true}
		if err := s.db.Create(&row).Error; err != nil {
			return fmt.Errorf("insert success stat %s: %w", traderID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load success stat %s: %w", traderID, err)
	}
	if row.IsActive {
		return nil
	}
	err = s.db.Model(&SuccessStat{}).Where("id = ?", row.ID).
		Updates(map[string]any{"is_active": true, "win_count": 0, "lose_count": 0}).Error
	if err != nil {
		return fmt.Errorf("reactivate success stat %s: %w", traderID, err)
	}
	return nil
}

// RecordOutcome adds a win or a loss to the trader's running record,
// inserting or reactivating the row first when needed.
func (s *Store) RecordOutcome(instance, traderID string, win bool) error {
	if err := s.EnsureSuccessStat(instance, traderID); err != nil {
		return err
	}
	col := "lose_count"
	if win {
		col = "win_count"
	}
	err := s.db.Model(&SuccessStat{}).
		Where("trader_id = ? AND instance = ?", traderID, instance).
		Update(col, gorm.Expr(col+" + 1")).Error
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", traderID, err)
	}
	return nil
}

// SyncSuccessRoster aligns the instance's success-stats rows with the set
// of currently followed or observed traders: missing ones are inserted or
// reactivated, dropped ones are deactivated.
func (s *Store) SyncSuccessRoster(instance string) error {
	current, err := s.FollowedOrObservedTraderIDs()
	if err != nil {
		return err
	}
	currentSet := make(map[string]bool, len(current))
	for _, id := range current {
		currentSet[id] = true
	}

	var active []SuccessStat
	err = s.db.Where("instance = ? AND is_active = ?", instance, true).Find(&active).Error
	if err != nil {
		return fmt.Errorf("load active success stats: %w", err)
	}
	activeSet := make(map[string]bool, len(active))
	for _, row := range active {
		activeSet[row.TraderID] = true
	}

	for _, id := range current {
		if !activeSet[id] {
			if err := s.EnsureSuccessStat(instance, id); err != nil {
				return err
			}
		}
	}
	for _, row := range active {
		if !currentSet[row.TraderID] {
			err := s.db.Model(&SuccessStat{}).Where("id = ?", row.ID).
				Update("is_active", false).Error
			if err != nil {
				return fmt.Errorf("deactivate success stat %s: %w", row.TraderID, err)
			}
		}
	}
	return nil
}

// SuccessStats returns the instance's success-stats rows keyed by trader id.
func (s *Store) SuccessStats(instance string) (map[string]SuccessStat, error) {
	var rows []SuccessStat
	if err := s.db.Where("instance = ?", instance).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load success stats: %w", err)
	}
	out := make(map[string]SuccessStat, len(rows))
	for _, r := range rows {
		out[r.TraderID] = r
	}
	return out, nil
}

// BumpPenalty doubles the trader's stop-loss penalty multiplier, inserting
// it at 2 on the first hit.
func (s *Store) BumpPenalty(instance, traderID string) error {
	var row Penalty
	err := s.db.Where("trader_id = ? AND instance = ?", traderID, instance).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = Penalty{TraderID: traderID, Instance: instance, Kind: "sl", Value: 2}
		if err := s.db.Create(&row).Error; err != nil {
			return fmt.Errorf("insert penalty %s: %w", traderID, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("load penalty %s: %w", traderID, err)
	}
	err = s.db.Model(&Penalty{}).Where("id = ?", row.ID).
		Update("value", gorm.Expr("value * 2")).Error
	if err != nil {
		return fmt.Errorf("double penalty %s: %w", traderID, err)
	}
	return nil
}

// Penalties returns the instance's penalty multipliers keyed by trader id.
// Traders without a row carry an implicit multiplier of 1.
func (s *Store) Penalties(instance string) (map[string]int, error) {
	var rows []Penalty
	if err := s.db.Where("instance = ?", instance).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load penalties: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.TraderID] = r.Value
	}
	return out, nil
}

// kcWindow is how far back closed trades count toward the Kelly criterion.
const kcWindow = 365 * 24 * time.Hour

// RecomputeKC rebuilds the instance's Kelly-criterion aggregates from the
// ROE of deactivated mirrored positions updated within the last 365 days.
// The aggregates are computed here rather than in SQL so the same code runs
// on both backends, then upserted on the (trader, instance) key.
func (s *Store) RecomputeKC(instance string, now time.Time) error {
	cutoff := now.Add(-kcWindow).UnixMilli()

	var rows []Position
	err := s.db.Where("instance = ? AND is_active = ? AND u_time >= ?", instance, false, cutoff).
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("load closed positions: %w", err)
	}

	roes := make(map[string][]float64)
	for _, p := range rows {
		roes[p.TraderID] = append(roes[p.TraderID], p.PnlRatio)
	}

	for traderID, samples := range roes {
		stat := KCStat{TraderID: traderID, Instance: instance}
		stat.TradesCount = len(samples)
		for _, r := range samples {
			stat.RoeSum += r
		}
		stat.AvgRoe = stat.RoeSum / float64(len(samples))
		stat.RoeStdDev = stdDev(samples, stat.AvgRoe)
		if variance := stat.RoeStdDev * stat.RoeStdDev; variance > 0 {
			stat.KellyCriterion = stat.AvgRoe / variance
		}

		err := s.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "trader_id"}, {Name: "instance"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"trades_count", "roe_sum", "avg_roe", "roe_std_dev",
				"kelly_criterion", "updated_at",
			}),
		}).Create(&stat).Error
		if err != nil {
			return fmt.Errorf("upsert kc stat %s: %w", traderID, err)
		}
	}
	return nil
}

// SeedKC inserts an initial Kelly aggregate computed from upstream trade
// history. An existing row is left untouched: once the instance has closed
// positions of its own, RecomputeKC owns the aggregate.
func (s *Store) SeedKC(instance, traderID string, roes []float64) error {
	if len(roes) == 0 {
		return nil
	}
	stat := KCStat{TraderID: traderID, Instance: instance, TradesCount: len(roes)}
	for _, r := range roes {
		stat.RoeSum += r
	}
	stat.AvgRoe = stat.RoeSum / float64(len(roes))
	stat.RoeStdDev = stdDev(roes, stat.AvgRoe)
	if variance := stat.RoeStdDev * stat.RoeStdDev; variance > 0 {
		stat.KellyCriterion = stat.AvgRoe / variance
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trader_id"}, {Name: "instance"}},
		DoNothing: true,
	}).Create(&stat).Error
	if err != nil {
		return fmt.Errorf("seed kc stat %s: %w", traderID, err)
	}
	return nil
}

// KCStats returns the instance's Kelly aggregates keyed by trader id.
func (s *Store) KCStats(instance string) (map[string]KCStat, error) {
	var rows []KCStat
	if err := s.db.Where("instance = ?", instance).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load kc stats: %w", err)
	}
	out := make(map[string]KCStat, len(rows))
	for _, r := range rows {
		out[r.TraderID] = r
	}
	return out, nil
}

// TotalKC computes one combined Kelly criterion over the pooled closed
// trades of the given traders. Returns 0 when undefined.
func (s *Store) TotalKC(instance string, traderIDs []string) (float64, error) {
	if len(traderIDs) == 0 {
		return 0, nil
	}
	var rows []Position
	err := s.db.Where("instance = ? AND is_active = ? AND trader_id IN ?", instance, false, traderIDs).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("load pooled closed positions: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var sum float64
	for _, p := range rows {
		sum += p.PnlRatio
	}
	avg := sum / float64(len(rows))
	samples := make([]float64, len(rows))
	for i, p := range rows {
		samples[i] = p.PnlRatio
	}
	sd := stdDev(samples, avg)
	if variance := sd * sd; variance > 0 {
		return avg / variance, nil
	}
	return 0, nil
}

// stdDev is the population standard deviation around a known mean.
func stdDev(samples []float64, mean float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var ss float64
	for _, v := range samples {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(samples)))
}
