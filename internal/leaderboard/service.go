// Package leaderboard ranks challenges by profit percentage, monthly and
// all-time, with a short-lived Redis cache in front.
package leaderboard

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"krypton-core/pkg/cache"
	"krypton-core/pkg/db"
)

const cacheTTL = 60 * time.Second

// Entry is one ranked row.
type Entry struct {
	Rank             int     `json:"rank"`
	ChallengeID      string  `json:"challenge_id"`
	Username         string  `json:"username"`
	FirstName        string  `json:"first_name"`
	Status           string  `json:"status"`
	ProfitPct        float64 `json:"profit_pct"`
	TradingDaysCount int     `json:"trading_days_count"`
	StartedAt        string  `json:"started_at"`
}

// Service builds and caches the rankings.
type Service struct {
	database *db.Database
	cache    *cache.Cache
}

// New wires the aggregator.
func New(database *db.Database, c *cache.Cache) *Service {
	return &Service{database: database, cache: c}
}

// Monthly ranks by profit made during the current calendar month.
func (s *Service) Monthly(ctx context.Context, limit int) ([]Entry, error) {
	return s.get(ctx, "monthly", limit)
}

// AllTime ranks by profit against the challenge's initial balance.
func (s *Service) AllTime(ctx context.Context, limit int) ([]Entry, error) {
	return s.get(ctx, "alltime", limit)
}

func (s *Service) get(ctx context.Context, scope string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	key := fmt.Sprintf("leaderboard:%s:%d", scope, limit)
	var cached []Entry
	if hit, err := s.cache.GetJSON(ctx, key, &cached); err != nil {
		log.Printf("[LEADERBOARD] cache read: %v", err)
	} else if hit {
		return cached, nil
	}

	entries, err := s.build(ctx, scope, limit)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, key, entries, cacheTTL); err != nil {
		log.Printf("[LEADERBOARD] cache write: %v", err)
	}
	return entries, nil
}

// Rebuild refreshes the default cache keys; called from the cron schedule.
func (s *Service) Rebuild(ctx context.Context) {
	for _, scope := range []string{"monthly", "alltime"} {
		entries, err := s.build(ctx, scope, 100)
		if err != nil {
			log.Printf("[LEADERBOARD] rebuild %s: %v", scope, err)
			continue
		}
		key := fmt.Sprintf("leaderboard:%s:%d", scope, 100)
		if err := s.cache.SetJSON(ctx, key, entries, cacheTTL); err != nil {
			log.Printf("[LEADERBOARD] rebuild cache %s: %v", scope, err)
		}
	}
}

func (s *Service) build(ctx context.Context, scope string, limit int) ([]Entry, error) {
	store := s.database.NewStore()

	monthly := scope == "monthly"
	rows, err := store.ListLeaderboardChallenges(ctx, !monthly)
	if err != nil {
		return nil, err
	}

	monthStart := monthStartUTC(time.Now().UTC())
	entries := make([]Entry, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		c := &r.Challenge

		if monthly {
			pct, ok := s.monthlyPct(ctx, store, c, monthStart)
			if !ok {
				continue
			}
			entries = append(entries, s.entry(r, pct))
			continue
		}

		// All-time admits failed challenges only after a completed payout.
		if c.Status == db.StatusFailed {
			paid, err := store.HasSentPayout(ctx, c.ID)
			if err != nil {
				return nil, err
			}
			if !paid {
				continue
			}
		}
		if c.InitialBalance <= 0 {
			continue
		}
		pct := (c.CurrentBalance - c.InitialBalance) / c.InitialBalance * 100
		entries = append(entries, s.entry(r, pct))
	}

	// Descending profit; ties go to the faster trader, then the earlier start.
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.ProfitPct != b.ProfitPct {
			return a.ProfitPct > b.ProfitPct
		}
		if a.TradingDaysCount != b.TradingDaysCount {
			return a.TradingDaysCount < b.TradingDaysCount
		}
		return a.StartedAt < b.StartedAt
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// monthlyPct computes profit over the month-start baseline from the oldest
// equity snapshot of the month, falling back to the initial balance for
// challenges started mid-month.
func (s *Service) monthlyPct(ctx context.Context, store *db.Store, c *db.Challenge, monthStart time.Time) (float64, bool) {
	baseline := c.InitialBalance
	if c.StartedAt.Before(monthStart) {
		snaps, err := store.ListEquityCurve(ctx, c.ID, monthStart, 1)
		if err == nil && len(snaps) > 0 {
			baseline = snaps[0].Balance
		}
	}
	if baseline <= 0 {
		return 0, false
	}
	return (c.CurrentBalance - baseline) / baseline * 100, true
}

func (s *Service) entry(r *db.LeaderboardRow, pct float64) Entry {
	return Entry{
		ChallengeID:      r.Challenge.ID,
		Username:         r.Username,
		FirstName:        r.FirstName,
		Status:           r.Challenge.Status,
		ProfitPct:        pct,
		TradingDaysCount: r.Challenge.TradingDaysCount,
		StartedAt:        r.Challenge.StartedAt.UTC().Format(time.RFC3339),
	}
}

func monthStartUTC(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
