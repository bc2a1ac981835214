package insights

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/store"
)

// Snapshot is the derived insight body for one (organization, player,
// sport, discipline) slice. The digest hashes exactly this struct, so
// field order and types are part of the contract with consumers.
type Snapshot struct {
	OrganizationID     string            `json:"organization_id"`
	PlayerID           string            `json:"player_id"`
	Sport              string            `json:"sport,omitempty"`
	Discipline         string            `json:"discipline,omitempty"`
	RatingTrend        RatingTrend       `json:"rating_trend"`
	FormSummary        []FormWindow      `json:"form_summary"`
	DisciplineOverview []DisciplineEntry `json:"discipline_overview"`
	Milestones         Milestones        `json:"milestones"`
	Streaks            Streaks           `json:"streaks"`
	Volatility         Volatility        `json:"volatility"`
}

type TrendPoint struct {
	PeriodStart time.Time `json:"period_start"`
	Mu          float64   `json:"mu"`
	Sigma       float64   `json:"sigma"`
	MuDelta     float64   `json:"mu_delta"`
	SampleCount int       `json:"sample_count"`
}

type RatingTrend struct {
	Daily        []TrendPoint `json:"daily"`
	Weekly       []TrendPoint `json:"weekly"`
	Monthly      []TrendPoint `json:"monthly"`
	LifetimeHigh float64      `json:"lifetime_high"`
	LifetimeLow  float64      `json:"lifetime_low"`
}

type FormWindow struct {
	WindowDays    int        `json:"window_days"`
	Matches       int        `json:"matches"`
	Wins          int        `json:"wins"`
	Losses        int        `json:"losses"`
	NetDelta      float64    `json:"net_delta"`
	AvgDelta      float64    `json:"avg_delta"`
	AvgOpponentMu float64    `json:"avg_opponent_mu"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
}

type DisciplineEntry struct {
	Discipline  string  `json:"discipline"`
	Format      string  `json:"format"`
	CurrentRank int     `json:"current_rank"`
	BestRank    int     `json:"best_rank"`
	Mu          float64 `json:"mu"`
	Sigma       float64 `json:"sigma"`
	Matches     int     `json:"matches"`
}

type Milestones struct {
	FirstMatchAt *time.Time `json:"first_match_at,omitempty"`
	TotalMatches int        `json:"total_matches"`
	PeakMu       float64    `json:"peak_mu"`
	PeakMuAt     *time.Time `json:"peak_mu_at,omitempty"`
}

type Streaks struct {
	Current     int `json:"current"` // positive wins, negative losses
	LongestWin  int `json:"longest_win"`
	LongestLoss int `json:"longest_loss"`
}

type Volatility struct {
	CurrentSigma   float64 `json:"current_sigma"`
	SigmaChange30d float64 `json:"sigma_change_30d"`
	InactivityDays int     `json:"inactivity_days"`
}

// Builder assembles insight snapshots from rating history. BuildSnapshot
// is idempotent: rebuilding over unchanged history produces the same
// digest and skips the write.
type Builder struct {
	store  store.Store
	logger *logrus.Logger
	now    func() time.Time
}

func NewBuilder(s store.Store, logger *logrus.Logger) *Builder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Builder{store: s, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// BuildSnapshot computes and upserts the snapshot for one slice. The
// boolean reports whether anything was written; an unchanged digest
// short-circuits.
func (b *Builder) BuildSnapshot(ctx context.Context, orgID, playerID, sport, discipline string) (*models.InsightSnapshot, bool, error) {
	events, err := b.loadEvents(ctx, orgID, playerID)
	if err != nil {
		return nil, false, err
	}

	ladders := map[string]*models.Ladder{}
	filtered := events[:0:0]
	for i := range events {
		e := events[i]
		ladder, ok := ladders[e.LadderID]
		if !ok {
			ladder, err = b.store.GetLadder(ctx, e.LadderID)
			if err != nil {
				return nil, false, err
			}
			ladders[e.LadderID] = ladder
		}
		if sport != "" && ladder.Sport != sport {
			continue
		}
		if discipline != "" && ladder.Discipline != discipline {
			continue
		}
		filtered = append(filtered, e)
	}

	// Chronological per player: match start time, then applied order.
	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].MatchStartTime.Equal(filtered[j].MatchStartTime) {
			return filtered[i].MatchStartTime.Before(filtered[j].MatchStartTime)
		}
		if !filtered[i].AppliedAt.Equal(filtered[j].AppliedAt) {
			return filtered[i].AppliedAt.Before(filtered[j].AppliedAt)
		}
		return filtered[i].ID < filtered[j].ID
	})

	now := b.now()
	snapshot := Snapshot{
		OrganizationID: orgID,
		PlayerID:       playerID,
		Sport:          sport,
		Discipline:     discipline,
		RatingTrend:    buildTrend(filtered),
		FormSummary:    b.buildForm(ctx, filtered, now),
		Milestones:     buildMilestones(filtered),
		Streaks:        buildStreaks(filtered),
		Volatility:     buildVolatility(filtered, now),
	}
	snapshot.DisciplineOverview, err = b.buildOverview(ctx, playerID, sport, ladders, filtered)
	if err != nil {
		return nil, false, err
	}

	body, err := json.Marshal(snapshot)
	if err != nil {
		return nil, false, fmt.Errorf("failed to serialize snapshot: %w", err)
	}
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])

	existing, err := b.store.GetInsightSnapshot(ctx, orgID, playerID, sport, discipline)
	if err == nil && existing.Digest == digest {
		return existing, false, nil
	}

	row := &models.InsightSnapshot{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		PlayerID:       playerID,
		Sport:          sport,
		Discipline:     discipline,
		Digest:         digest,
		ETag:           `"` + digest + `"`,
		Snapshot:       body,
		BuiltAt:        now,
	}
	if err := b.store.UpsertInsightSnapshot(ctx, row); err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (b *Builder) loadEvents(ctx context.Context, orgID, playerID string) ([]models.RatingEvent, error) {
	var all []models.RatingEvent
	cursor := ""
	for {
		page, next, err := b.store.ListRatingEvents(ctx, store.RatingEventFilter{
			OrganizationID: orgID,
			PlayerID:       playerID,
			Cursor:         cursor,
			Limit:          200,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if next == "" {
			return all, nil
		}
		cursor = next
	}
}

func buildTrend(events []models.RatingEvent) RatingTrend {
	trend := RatingTrend{}
	if len(events) == 0 {
		return trend
	}

	trend.LifetimeHigh = events[0].MuAfter
	trend.LifetimeLow = events[0].MuAfter
	for _, e := range events {
		if e.MuAfter > trend.LifetimeHigh {
			trend.LifetimeHigh = e.MuAfter
		}
		if e.MuAfter < trend.LifetimeLow {
			trend.LifetimeLow = e.MuAfter
		}
	}

	trend.Daily = bucketize(events, func(t time.Time) time.Time {
		return t.Truncate(24 * time.Hour)
	})
	trend.Weekly = bucketize(events, weekStart)
	trend.Monthly = bucketize(events, func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	})
	return trend
}

func weekStart(t time.Time) time.Time {
	t = t.Truncate(24 * time.Hour)
	offset := (int(t.Weekday()) + 6) % 7 // Monday start
	return t.AddDate(0, 0, -offset)
}

// bucketize folds chronological events into period buckets carrying the
// closing rating and the net movement per period.
func bucketize(events []models.RatingEvent, startOf func(time.Time) time.Time) []TrendPoint {
	var points []TrendPoint
	for _, e := range events {
		period := startOf(e.MatchStartTime.UTC())
		if len(points) > 0 && points[len(points)-1].PeriodStart.Equal(period) {
			last := &points[len(points)-1]
			last.Mu = e.MuAfter
			last.Sigma = e.SigmaAfter
			last.MuDelta += e.Delta
			last.SampleCount++
			continue
		}
		points = append(points, TrendPoint{
			PeriodStart: period,
			Mu:          e.MuAfter,
			Sigma:       e.SigmaAfter,
			MuDelta:     e.Delta,
			SampleCount: 1,
		})
	}
	return points
}

var formWindows = []int{7, 30, 90, 365}

func (b *Builder) buildForm(ctx context.Context, events []models.RatingEvent, now time.Time) []FormWindow {
	// Pre-match opponent means, one lookup per distinct match.
	opponentMu := map[string]float64{}
	for _, e := range events {
		if _, ok := opponentMu[e.MatchID]; ok {
			continue
		}
		peers, _, err := b.store.ListRatingEvents(ctx, store.RatingEventFilter{MatchID: e.MatchID, Limit: 10})
		if err != nil {
			b.logger.WithError(err).WithField("match_id", e.MatchID).Warn("failed to load match events for form summary")
			continue
		}
		match, err := b.store.GetMatch(ctx, e.MatchID)
		if err != nil {
			continue
		}
		own := map[string]bool{}
		for _, id := range sideOf(match, e.PlayerID) {
			own[id] = true
		}
		sum, n := 0.0, 0
		for _, peer := range peers {
			if peer.PlayerID == e.PlayerID || own[peer.PlayerID] {
				continue
			}
			sum += peer.MuBefore
			n++
		}
		if n > 0 {
			opponentMu[e.MatchID] = sum / float64(n)
		}
	}

	windows := make([]FormWindow, 0, len(formWindows))
	for _, days := range formWindows {
		cutoff := now.AddDate(0, 0, -days)
		w := FormWindow{WindowDays: days}
		oppSum, oppN := 0.0, 0
		for i := range events {
			e := events[i]
			if e.MatchStartTime.Before(cutoff) {
				continue
			}
			w.Matches++
			if e.Delta >= 0 {
				w.Wins++
			} else {
				w.Losses++
			}
			w.NetDelta += e.Delta
			at := e.AppliedAt
			if w.LastEventAt == nil || at.After(*w.LastEventAt) {
				w.LastEventAt = &at
			}
			if mu, ok := opponentMu[e.MatchID]; ok {
				oppSum += mu
				oppN++
			}
		}
		if w.Matches > 0 {
			w.AvgDelta = w.NetDelta / float64(w.Matches)
		}
		if oppN > 0 {
			w.AvgOpponentMu = oppSum / float64(oppN)
		}
		windows = append(windows, w)
	}
	return windows
}

func sideOf(match *models.Match, playerID string) []string {
	for _, side := range match.Sides {
		for _, p := range side.Players {
			if p.PlayerID == playerID {
				return match.SidePlayers(side.Side)
			}
		}
	}
	return nil
}

func (b *Builder) buildOverview(ctx context.Context, playerID, sport string,
	ladders map[string]*models.Ladder, events []models.RatingEvent) ([]DisciplineEntry, error) {

	rows, err := b.store.ListRatingsForPlayer(ctx, playerID)
	if err != nil {
		return nil, err
	}

	entries := make([]DisciplineEntry, 0, len(rows))
	for _, row := range rows {
		ladder, ok := ladders[row.LadderID]
		if !ok {
			ladder, err = b.store.GetLadder(ctx, row.LadderID)
			if err != nil {
				return nil, err
			}
		}
		if sport != "" && ladder.Sport != sport {
			continue
		}

		rank, err := b.store.RankForMu(ctx, row.LadderID, row.Mu, playerID)
		if err != nil {
			return nil, err
		}
		best := rank
		// Best rank from history: rank the lifetime-high mu would hold on
		// today's board. An approximation, but stable and cheap.
		peak := row.Mu
		for _, e := range events {
			if e.LadderID == row.LadderID && e.MuAfter > peak {
				peak = e.MuAfter
			}
		}
		if peak > row.Mu {
			if peakRank, err := b.store.RankForMu(ctx, row.LadderID, peak, playerID); err == nil && peakRank < best {
				best = peakRank
			}
		}

		entries = append(entries, DisciplineEntry{
			Discipline:  ladder.Discipline,
			Format:      ladder.Format,
			CurrentRank: rank,
			BestRank:    best,
			Mu:          row.Mu,
			Sigma:       row.Sigma,
			Matches:     row.MatchesCount,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Discipline != entries[j].Discipline {
			return entries[i].Discipline < entries[j].Discipline
		}
		return entries[i].Format < entries[j].Format
	})
	return entries, nil
}

func buildMilestones(events []models.RatingEvent) Milestones {
	m := Milestones{TotalMatches: len(events)}
	for i := range events {
		e := events[i]
		if m.FirstMatchAt == nil || e.MatchStartTime.Before(*m.FirstMatchAt) {
			t := e.MatchStartTime
			m.FirstMatchAt = &t
		}
		if e.MuAfter > m.PeakMu {
			m.PeakMu = e.MuAfter
			t := e.MatchStartTime
			m.PeakMuAt = &t
		}
	}
	return m
}

func buildStreaks(events []models.RatingEvent) Streaks {
	s := Streaks{}
	winRun, lossRun := 0, 0
	for _, e := range events {
		if e.Delta >= 0 {
			winRun++
			lossRun = 0
			if winRun > s.LongestWin {
				s.LongestWin = winRun
			}
			s.Current = winRun
		} else {
			lossRun++
			winRun = 0
			if lossRun > s.LongestLoss {
				s.LongestLoss = lossRun
			}
			s.Current = -lossRun
		}
	}
	return s
}

func buildVolatility(events []models.RatingEvent, now time.Time) Volatility {
	v := Volatility{}
	if len(events) == 0 {
		return v
	}
	last := events[len(events)-1]
	v.CurrentSigma = last.SigmaAfter
	v.InactivityDays = int(now.Sub(last.MatchStartTime).Hours() / 24)
	if v.InactivityDays < 0 {
		v.InactivityDays = 0
	}

	cutoff := now.AddDate(0, 0, -30)
	baseline := v.CurrentSigma
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].MatchStartTime.Before(cutoff) {
			baseline = events[i].SigmaAfter
			break
		}
	}
	v.SigmaChange30d = v.CurrentSigma - baseline
	return v
}
