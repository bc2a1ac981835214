package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/pkg/utils"
)

// MemStore is the in-memory Store implementation. It exists so the full
// ingestion/replay/insight stack can be exercised in tests without a
// database; it satisfies exactly the same invariants as GormStore.
//
// All mutating methods replace map entries wholesale rather than mutating
// values in place, which lets Atomically roll back by restoring a shallow
// clone of the maps.
type MemStore struct {
	mu   sync.Mutex
	data *memData
	inTx bool
}

type memData struct {
	orgs        map[string]models.Organization
	players     map[string]models.Player
	ladders     map[string]models.Ladder
	ratings     map[string]models.PlayerRating // ladderID+"\x00"+playerID
	synergies   map[string]models.PairSynergy  // ladderID+"\x00"+pairKey
	matches     map[string]models.Match
	events      []models.RatingEvent
	pairHistory []models.PairSynergyHistory
	replay      map[string]models.ReplayQueueEntry
	jobs        map[string]models.Job
	insights    map[string]models.InsightSnapshot // org+player+sport+discipline
	subjects    map[string]models.Subject         // by token sub
	grants      []models.SubjectGrant
}

func NewMemStore() *MemStore {
	return &MemStore{data: &memData{
		orgs:      make(map[string]models.Organization),
		players:   make(map[string]models.Player),
		ladders:   make(map[string]models.Ladder),
		ratings:   make(map[string]models.PlayerRating),
		synergies: make(map[string]models.PairSynergy),
		matches:   make(map[string]models.Match),
		replay:    make(map[string]models.ReplayQueueEntry),
		jobs:      make(map[string]models.Job),
		insights:  make(map[string]models.InsightSnapshot),
		subjects:  make(map[string]models.Subject),
	}}
}

func compositeKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

func (d *memData) clone() *memData {
	c := &memData{
		orgs:        make(map[string]models.Organization, len(d.orgs)),
		players:     make(map[string]models.Player, len(d.players)),
		ladders:     make(map[string]models.Ladder, len(d.ladders)),
		ratings:     make(map[string]models.PlayerRating, len(d.ratings)),
		synergies:   make(map[string]models.PairSynergy, len(d.synergies)),
		matches:     make(map[string]models.Match, len(d.matches)),
		events:      append([]models.RatingEvent(nil), d.events...),
		pairHistory: append([]models.PairSynergyHistory(nil), d.pairHistory...),
		replay:      make(map[string]models.ReplayQueueEntry, len(d.replay)),
		jobs:        make(map[string]models.Job, len(d.jobs)),
		insights:    make(map[string]models.InsightSnapshot, len(d.insights)),
		subjects:    make(map[string]models.Subject, len(d.subjects)),
		grants:      append([]models.SubjectGrant(nil), d.grants...),
	}
	for k, v := range d.orgs {
		c.orgs[k] = v
	}
	for k, v := range d.players {
		c.players[k] = v
	}
	for k, v := range d.ladders {
		c.ladders[k] = v
	}
	for k, v := range d.ratings {
		c.ratings[k] = v
	}
	for k, v := range d.synergies {
		c.synergies[k] = v
	}
	for k, v := range d.matches {
		c.matches[k] = v
	}
	for k, v := range d.replay {
		c.replay[k] = v
	}
	for k, v := range d.jobs {
		c.jobs[k] = v
	}
	for k, v := range d.insights {
		c.insights[k] = v
	}
	for k, v := range d.subjects {
		c.subjects[k] = v
	}
	return c
}

func (s *MemStore) Atomically(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	tx := &MemStore{data: s.data, inTx: true}
	if err := fn(tx); err != nil {
		*s.data = *snapshot
		return err
	}
	return nil
}

// locked runs fn holding the store mutex unless a transaction already does.
func (s *MemStore) locked(fn func() error) error {
	if s.inTx {
		return fn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// --- Organizations ---

func (s *MemStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	return s.locked(func() error {
		for _, existing := range s.data.orgs {
			if existing.Slug == org.Slug {
				return utils.ConflictError("organization slug already in use")
			}
		}
		if org.ID == "" {
			org.ID = uuid.NewString()
		}
		now := time.Now().UTC()
		org.CreatedAt, org.UpdatedAt = now, now
		s.data.orgs[org.ID] = *org
		return nil
	})
}

func (s *MemStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var out *models.Organization
	err := s.locked(func() error {
		org, ok := s.data.orgs[id]
		if !ok {
			return utils.NotFoundError("organization not found")
		}
		out = &org
		return nil
	})
	return out, err
}

func (s *MemStore) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	var out *models.Organization
	err := s.locked(func() error {
		for _, org := range s.data.orgs {
			if org.Slug == slug {
				copied := org
				out = &copied
				return nil
			}
		}
		return utils.NotFoundError("organization not found")
	})
	return out, err
}

func (s *MemStore) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	var out []models.Organization
	err := s.locked(func() error {
		for _, org := range s.data.orgs {
			out = append(out, org)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
		return nil
	})
	return out, err
}

func (s *MemStore) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	return s.locked(func() error {
		if _, ok := s.data.orgs[org.ID]; !ok {
			return utils.NotFoundError("organization not found")
		}
		org.UpdatedAt = time.Now().UTC()
		s.data.orgs[org.ID] = *org
		return nil
	})
}

// --- Players ---

func (s *MemStore) CreatePlayer(ctx context.Context, player *models.Player) error {
	return s.locked(func() error {
		if player.ExternalRef != "" {
			for _, existing := range s.data.players {
				if existing.OrganizationID == player.OrganizationID &&
					existing.ProviderID == player.ProviderID &&
					existing.ExternalRef == player.ExternalRef {
					return utils.ConflictError("player external_ref already registered for this provider")
				}
			}
		}
		if player.ID == "" {
			player.ID = uuid.NewString()
		}
		now := time.Now().UTC()
		player.CreatedAt, player.UpdatedAt = now, now
		s.data.players[player.ID] = *player
		return nil
	})
}

func (s *MemStore) GetPlayer(ctx context.Context, id string) (*models.Player, error) {
	var out *models.Player
	err := s.locked(func() error {
		player, ok := s.data.players[id]
		if !ok {
			return utils.NotFoundError("player not found")
		}
		out = &player
		return nil
	})
	return out, err
}

func (s *MemStore) GetPlayers(ctx context.Context, ids []string) ([]models.Player, error) {
	var out []models.Player
	err := s.locked(func() error {
		for _, id := range ids {
			if player, ok := s.data.players[id]; ok {
				out = append(out, player)
			}
		}
		return nil
	})
	return out, err
}

func (s *MemStore) ListPlayers(ctx context.Context, organizationID string, limit int, cursor string) ([]models.Player, string, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Player
	next := ""
	err := s.locked(func() error {
		for _, player := range s.data.players {
			if player.OrganizationID != organizationID {
				continue
			}
			if cursor != "" && player.ID <= cursor {
				continue
			}
			out = append(out, player)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		if len(out) > limit {
			out = out[:limit]
			next = out[limit-1].ID
		}
		return nil
	})
	return out, next, err
}

// --- Ladders ---

func (s *MemStore) EnsureLadder(ctx context.Context, key models.LadderKey) (*models.Ladder, error) {
	key = key.Normalize()
	var out *models.Ladder
	err := s.locked(func() error {
		for _, ladder := range s.data.ladders {
			if ladder.Key() == key {
				copied := ladder
				out = &copied
				return nil
			}
		}
		now := time.Now().UTC()
		created := models.Ladder{
			ID:             uuid.NewString(),
			OrganizationID: key.OrganizationID,
			Sport:          key.Sport,
			Discipline:     key.Discipline,
			Format:         key.Format,
			Tier:           key.Tier,
			RegionID:       key.RegionID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		s.data.ladders[created.ID] = created
		out = &created
		return nil
	})
	return out, err
}

func (s *MemStore) GetLadder(ctx context.Context, id string) (*models.Ladder, error) {
	var out *models.Ladder
	err := s.locked(func() error {
		ladder, ok := s.data.ladders[id]
		if !ok {
			return utils.NotFoundError("ladder not found")
		}
		out = &ladder
		return nil
	})
	return out, err
}

func (s *MemStore) FindLadder(ctx context.Context, key models.LadderKey) (*models.Ladder, error) {
	key = key.Normalize()
	var out *models.Ladder
	err := s.locked(func() error {
		for _, ladder := range s.data.ladders {
			if ladder.Key() == key {
				copied := ladder
				out = &copied
				return nil
			}
		}
		return utils.NotFoundError("ladder not found")
	})
	return out, err
}

// --- Player ratings ---

func (s *MemStore) GetRatingsForUpdate(ctx context.Context, ladderID string, playerIDs []string, baseMu, baseSigma float64) (map[string]*models.PlayerRating, error) {
	sorted := make([]string, len(playerIDs))
	copy(sorted, playerIDs)
	sort.Strings(sorted)

	out := make(map[string]*models.PlayerRating, len(sorted))
	err := s.locked(func() error {
		for _, playerID := range sorted {
			key := compositeKey(ladderID, playerID)
			row, ok := s.data.ratings[key]
			if !ok {
				now := time.Now().UTC()
				row = models.PlayerRating{
					ID:        uuid.NewString(),
					LadderID:  ladderID,
					PlayerID:  playerID,
					Mu:        baseMu,
					Sigma:     baseSigma,
					CreatedAt: now,
					UpdatedAt: now,
				}
				s.data.ratings[key] = row
			}
			copied := row
			out[playerID] = &copied
		}
		return nil
	})
	return out, err
}

func (s *MemStore) GetPlayerRating(ctx context.Context, ladderID, playerID string) (*models.PlayerRating, error) {
	var out *models.PlayerRating
	err := s.locked(func() error {
		row, ok := s.data.ratings[compositeKey(ladderID, playerID)]
		if !ok {
			return utils.NotFoundError("player rating not found")
		}
		out = &row
		return nil
	})
	return out, err
}

func (s *MemStore) ListRatingsForPlayer(ctx context.Context, playerID string) ([]models.PlayerRating, error) {
	var out []models.PlayerRating
	err := s.locked(func() error {
		for _, row := range s.data.ratings {
			if row.PlayerID == playerID {
				out = append(out, row)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].LadderID < out[j].LadderID })
		return nil
	})
	return out, err
}

func (s *MemStore) RankForMu(ctx context.Context, ladderID string, mu float64, playerID string) (int, error) {
	ahead := 0
	err := s.locked(func() error {
		for _, row := range s.data.ratings {
			if row.LadderID != ladderID {
				continue
			}
			if row.Mu > mu || (row.Mu == mu && row.PlayerID < playerID) {
				ahead++
			}
		}
		return nil
	})
	return ahead + 1, err
}

func (s *MemStore) SavePlayerRating(ctx context.Context, rating *models.PlayerRating) error {
	return s.locked(func() error {
		rating.UpdatedAt = time.Now().UTC()
		s.data.ratings[compositeKey(rating.LadderID, rating.PlayerID)] = *rating
		return nil
	})
}

// --- Pair synergies ---

func (s *MemStore) GetPairSynergiesForUpdate(ctx context.Context, ladderID string, pairKeys []string) (map[string]*models.PairSynergy, error) {
	sorted := make([]string, len(pairKeys))
	copy(sorted, pairKeys)
	sort.Strings(sorted)

	out := make(map[string]*models.PairSynergy, len(sorted))
	err := s.locked(func() error {
		for _, pairKey := range sorted {
			key := compositeKey(ladderID, pairKey)
			row, ok := s.data.synergies[key]
			if !ok {
				now := time.Now().UTC()
				row = models.PairSynergy{
					ID:        uuid.NewString(),
					LadderID:  ladderID,
					PairKey:   pairKey,
					CreatedAt: now,
					UpdatedAt: now,
				}
				s.data.synergies[key] = row
			}
			copied := row
			out[pairKey] = &copied
		}
		return nil
	})
	return out, err
}

func (s *MemStore) SavePairSynergy(ctx context.Context, synergy *models.PairSynergy) error {
	return s.locked(func() error {
		synergy.UpdatedAt = time.Now().UTC()
		s.data.synergies[compositeKey(synergy.LadderID, synergy.PairKey)] = *synergy
		return nil
	})
}

// --- Matches ---

func (s *MemStore) CreateMatch(ctx context.Context, match *models.Match) error {
	return s.locked(func() error {
		if match.ExternalRef != "" {
			for _, existing := range s.data.matches {
				if existing.ProviderID == match.ProviderID && existing.ExternalRef == match.ExternalRef {
					return utils.ConflictError("match external_ref already submitted by this provider")
				}
			}
		}
		now := time.Now().UTC()
		match.CreatedAt, match.UpdatedAt = now, now
		s.data.matches[match.ID] = *match
		return nil
	})
}

func (s *MemStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	var out *models.Match
	err := s.locked(func() error {
		match, ok := s.data.matches[id]
		if !ok {
			return utils.NotFoundError("match not found")
		}
		out = &match
		return nil
	})
	return out, err
}

func (s *MemStore) UpdateMatch(ctx context.Context, match *models.Match) error {
	return s.locked(func() error {
		existing, ok := s.data.matches[match.ID]
		if !ok {
			return utils.NotFoundError("match not found")
		}
		match.CreatedAt = existing.CreatedAt
		match.UpdatedAt = time.Now().UTC()
		s.data.matches[match.ID] = *match
		return nil
	})
}

func (s *MemStore) ListMatches(ctx context.Context, filter MatchFilter) ([]models.Match, string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cursor, appErr := decodeTimeCursor(filter.Cursor)
	if appErr != nil {
		return nil, "", appErr
	}

	var out []models.Match
	next := ""
	err := s.locked(func() error {
		for _, match := range s.data.matches {
			if filter.OrganizationID != "" && match.OrganizationID != filter.OrganizationID {
				continue
			}
			if filter.Sport != "" && match.Sport != filter.Sport {
				continue
			}
			if filter.EventID != "" && match.EventID != filter.EventID {
				continue
			}
			if filter.PlayerID != "" && !matchHasPlayer(&match, filter.PlayerID) {
				continue
			}
			if filter.StartAfter != nil && !match.StartTime.After(*filter.StartAfter) {
				continue
			}
			if filter.StartBefore != nil && !match.StartTime.Before(*filter.StartBefore) {
				continue
			}
			if cursor != nil {
				after := match.StartTime.Before(cursor.Time) ||
					(match.StartTime.Equal(cursor.Time) && match.ID > cursor.ID)
				if !after {
					continue
				}
			}
			out = append(out, match)
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].StartTime.Equal(out[j].StartTime) {
				return out[i].StartTime.After(out[j].StartTime)
			}
			return out[i].ID < out[j].ID
		})
		if len(out) > limit {
			out = out[:limit]
			last := out[limit-1]
			next = encodeTimeCursor(last.StartTime, last.ID)
		}
		return nil
	})
	return out, next, err
}

func matchHasPlayer(match *models.Match, playerID string) bool {
	for _, side := range match.Sides {
		for _, p := range side.Players {
			if p.PlayerID == playerID {
				return true
			}
		}
	}
	return false
}

func (s *MemStore) LatestStartTime(ctx context.Context, ladderID string) (*time.Time, error) {
	var out *time.Time
	err := s.locked(func() error {
		for _, match := range s.data.matches {
			if match.LadderID != ladderID {
				continue
			}
			if out == nil || match.StartTime.After(*out) {
				t := match.StartTime
				out = &t
			}
		}
		return nil
	})
	return out, err
}

func (s *MemStore) ListMatchesFrom(ctx context.Context, ladderID string, from time.Time) ([]models.Match, error) {
	var out []models.Match
	err := s.locked(func() error {
		for _, match := range s.data.matches {
			if match.LadderID == ladderID && !match.StartTime.Before(from) {
				out = append(out, match)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].StartTime.Equal(out[j].StartTime) {
				return out[i].StartTime.Before(out[j].StartTime)
			}
			return out[i].ID < out[j].ID
		})
		return nil
	})
	return out, err
}

// --- Rating events ---

func (s *MemStore) InsertRatingEvents(ctx context.Context, events []models.RatingEvent) error {
	return s.locked(func() error {
		now := time.Now().UTC()
		for _, e := range events {
			e.CreatedAt = now
			s.data.events = append(s.data.events, e)
		}
		return nil
	})
}

func (s *MemStore) GetRatingEvent(ctx context.Context, id string) (*models.RatingEvent, error) {
	var out *models.RatingEvent
	err := s.locked(func() error {
		for _, e := range s.data.events {
			if e.ID == id {
				copied := e
				out = &copied
				return nil
			}
		}
		return utils.NotFoundError("rating event not found")
	})
	return out, err
}

func (s *MemStore) ListRatingEvents(ctx context.Context, filter RatingEventFilter) ([]models.RatingEvent, string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cursor, appErr := decodeTimeCursor(filter.Cursor)
	if appErr != nil {
		return nil, "", appErr
	}

	var out []models.RatingEvent
	next := ""
	err := s.locked(func() error {
		for _, e := range s.data.events {
			if filter.OrganizationID != "" && e.OrganizationID != filter.OrganizationID {
				continue
			}
			if filter.PlayerID != "" && e.PlayerID != filter.PlayerID {
				continue
			}
			if filter.LadderID != "" && e.LadderID != filter.LadderID {
				continue
			}
			if filter.MatchID != "" && e.MatchID != filter.MatchID {
				continue
			}
			if cursor != nil {
				after := e.AppliedAt.Before(cursor.Time) ||
					(e.AppliedAt.Equal(cursor.Time) && e.ID > cursor.ID)
				if !after {
					continue
				}
			}
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool {
			if !out[i].AppliedAt.Equal(out[j].AppliedAt) {
				return out[i].AppliedAt.After(out[j].AppliedAt)
			}
			return out[i].ID < out[j].ID
		})
		if len(out) > limit {
			out = out[:limit]
			last := out[limit-1]
			next = encodeTimeCursor(last.AppliedAt, last.ID)
		}
		return nil
	})
	return out, next, err
}

func (s *MemStore) LatestEventBefore(ctx context.Context, ladderID, playerID string, before time.Time) (*models.RatingEvent, error) {
	var out *models.RatingEvent
	err := s.locked(func() error {
		for i := range s.data.events {
			e := s.data.events[i]
			if e.LadderID != ladderID || e.PlayerID != playerID || !e.MatchStartTime.Before(before) {
				continue
			}
			if out == nil || laterEvent(e, *out) {
				copied := e
				out = &copied
			}
		}
		return nil
	})
	return out, err
}

// laterEvent orders events by (match_start_time, applied_at, id).
func laterEvent(a, b models.RatingEvent) bool {
	if !a.MatchStartTime.Equal(b.MatchStartTime) {
		return a.MatchStartTime.After(b.MatchStartTime)
	}
	if !a.AppliedAt.Equal(b.AppliedAt) {
		return a.AppliedAt.After(b.AppliedAt)
	}
	return a.ID > b.ID
}

func (s *MemStore) LatestEventAsOf(ctx context.Context, ladderID, playerID string, asOf time.Time) (*models.RatingEvent, error) {
	var out *models.RatingEvent
	err := s.locked(func() error {
		for i := range s.data.events {
			e := s.data.events[i]
			if e.LadderID != ladderID || e.PlayerID != playerID || e.AppliedAt.After(asOf) {
				continue
			}
			if out == nil || e.AppliedAt.After(out.AppliedAt) ||
				(e.AppliedAt.Equal(out.AppliedAt) && e.ID > out.ID) {
				copied := e
				out = &copied
			}
		}
		return nil
	})
	return out, err
}

func (s *MemStore) PlayersWithEventsFrom(ctx context.Context, ladderID string, from time.Time) ([]string, error) {
	seen := make(map[string]bool)
	err := s.locked(func() error {
		for _, e := range s.data.events {
			if e.LadderID == ladderID && !e.MatchStartTime.Before(from) {
				seen[e.PlayerID] = true
			}
		}
		return nil
	})
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, err
}

func (s *MemStore) DeleteRatingEventsFrom(ctx context.Context, ladderID string, from time.Time) error {
	return s.locked(func() error {
		kept := s.data.events[:0:0]
		for _, e := range s.data.events {
			if e.LadderID == ladderID && !e.MatchStartTime.Before(from) {
				continue
			}
			kept = append(kept, e)
		}
		s.data.events = kept
		return nil
	})
}

// --- Pair synergy history ---

func (s *MemStore) InsertPairHistory(ctx context.Context, rows []models.PairSynergyHistory) error {
	return s.locked(func() error {
		now := time.Now().UTC()
		for _, row := range rows {
			row.CreatedAt = now
			s.data.pairHistory = append(s.data.pairHistory, row)
		}
		return nil
	})
}

func (s *MemStore) LatestPairHistoryBefore(ctx context.Context, ladderID, pairKey string, before time.Time) (*models.PairSynergyHistory, error) {
	var out *models.PairSynergyHistory
	err := s.locked(func() error {
		for i := range s.data.pairHistory {
			row := s.data.pairHistory[i]
			if row.LadderID != ladderID || row.PairKey != pairKey || !row.MatchStartTime.Before(before) {
				continue
			}
			if out == nil || row.MatchStartTime.After(out.MatchStartTime) ||
				(row.MatchStartTime.Equal(out.MatchStartTime) && row.ID > out.ID) {
				copied := row
				out = &copied
			}
		}
		return nil
	})
	return out, err
}

func (s *MemStore) PairKeysWithHistoryFrom(ctx context.Context, ladderID string, from time.Time) ([]string, error) {
	seen := make(map[string]bool)
	err := s.locked(func() error {
		for _, row := range s.data.pairHistory {
			if row.LadderID == ladderID && !row.MatchStartTime.Before(from) {
				seen[row.PairKey] = true
			}
		}
		return nil
	})
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, err
}

func (s *MemStore) DeletePairHistoryFrom(ctx context.Context, ladderID string, from time.Time) error {
	return s.locked(func() error {
		kept := s.data.pairHistory[:0:0]
		for _, row := range s.data.pairHistory {
			if row.LadderID == ladderID && !row.MatchStartTime.Before(from) {
				continue
			}
			kept = append(kept, row)
		}
		s.data.pairHistory = kept
		return nil
	})
}

// --- Replay queue ---

func (s *MemStore) UpsertReplayEntry(ctx context.Context, ladderID string, earliest time.Time) error {
	return s.locked(func() error {
		now := time.Now().UTC()
		entry, ok := s.data.replay[ladderID]
		if !ok {
			s.data.replay[ladderID] = models.ReplayQueueEntry{
				LadderID:          ladderID,
				EarliestStartTime: earliest,
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			return nil
		}
		if earliest.Before(entry.EarliestStartTime) {
			entry.EarliestStartTime = earliest
		}
		entry.UpdatedAt = now
		s.data.replay[ladderID] = entry
		return nil
	})
}

func (s *MemStore) GetReplayEntry(ctx context.Context, ladderID string) (*models.ReplayQueueEntry, error) {
	var out *models.ReplayQueueEntry
	err := s.locked(func() error {
		if entry, ok := s.data.replay[ladderID]; ok {
			out = &entry
		}
		return nil
	})
	return out, err
}

func (s *MemStore) ListReplayEntries(ctx context.Context) ([]models.ReplayQueueEntry, error) {
	var out []models.ReplayQueueEntry
	err := s.locked(func() error {
		for _, entry := range s.data.replay {
			out = append(out, entry)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		return nil
	})
	return out, err
}

func (s *MemStore) DeleteReplayEntry(ctx context.Context, ladderID string) error {
	return s.locked(func() error {
		delete(s.data.replay, ladderID)
		return nil
	})
}

// --- Jobs ---

func (s *MemStore) EnqueueJob(ctx context.Context, req EnqueueRequest) (*models.Job, bool, error) {
	var out *models.Job
	enqueued := false
	err := s.locked(func() error {
		if req.Dedupe {
			for _, job := range s.data.jobs {
				if job.Kind == req.Kind && job.ScopeKey == req.ScopeKey && job.Outstanding() {
					if job.Status == models.JobStatusPending && req.RunAt.Before(job.RunAt) {
						job.RunAt = req.RunAt
						s.data.jobs[job.ID] = job
					}
					copied := job
					out = &copied
					return nil
				}
			}
		}
		now := time.Now().UTC()
		created := models.Job{
			ID:        uuid.NewString(),
			Kind:      req.Kind,
			ScopeKey:  req.ScopeKey,
			Status:    models.JobStatusPending,
			RunAt:     req.RunAt,
			Payload:   req.Payload,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.data.jobs[created.ID] = created
		out = &created
		enqueued = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, enqueued, nil
}

func (s *MemStore) ClaimJobs(ctx context.Context, kinds []string, workerID string, batch int, now time.Time) ([]models.Job, error) {
	if batch <= 0 {
		batch = 1
	}
	kindSet := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	var claimed []models.Job
	err := s.locked(func() error {
		var candidates []models.Job
		for _, job := range s.data.jobs {
			if job.Status != models.JobStatusPending || job.RunAt.After(now) {
				continue
			}
			if len(kindSet) > 0 && !kindSet[job.Kind] {
				continue
			}
			candidates = append(candidates, job)
		}
		sort.Slice(candidates, func(i, j int) bool {
			if !candidates[i].RunAt.Equal(candidates[j].RunAt) {
				return candidates[i].RunAt.Before(candidates[j].RunAt)
			}
			return candidates[i].ID < candidates[j].ID
		})
		if len(candidates) > batch {
			candidates = candidates[:batch]
		}
		for _, job := range candidates {
			job.Status = models.JobStatusInProgress
			job.LockedBy = workerID
			lockedAt := now
			job.LockedAt = &lockedAt
			job.UpdatedAt = now
			s.data.jobs[job.ID] = job
			claimed = append(claimed, job)
		}
		return nil
	})
	return claimed, err
}

func (s *MemStore) CompleteJob(ctx context.Context, jobID, workerID string, outcome JobOutcome) error {
	return s.locked(func() error {
		job, ok := s.data.jobs[jobID]
		if !ok {
			return utils.NotFoundError("job not found")
		}
		if job.Status != models.JobStatusInProgress || job.LockedBy != workerID {
			return utils.ConflictError("job lease is no longer held by this worker")
		}

		job.LockedBy = ""
		job.LockedAt = nil
		switch {
		case outcome.Success:
			job.Status = models.JobStatusCompleted
		case outcome.RescheduleAt != nil:
			job.Status = models.JobStatusPending
			job.RunAt = *outcome.RescheduleAt
			job.Attempts++
			job.LastError = outcome.Error
		default:
			job.Status = models.JobStatusFailed
			job.Attempts++
			job.LastError = outcome.Error
		}
		job.UpdatedAt = time.Now().UTC()
		s.data.jobs[jobID] = job
		return nil
	})
}

func (s *MemStore) SweepExpiredJobs(ctx context.Context, visibilityTimeout time.Duration, now time.Time) (int, error) {
	swept := 0
	err := s.locked(func() error {
		deadline := now.Add(-visibilityTimeout)
		for id, job := range s.data.jobs {
			if job.Status == models.JobStatusInProgress && job.LockedAt != nil && job.LockedAt.Before(deadline) {
				job.Status = models.JobStatusPending
				job.LockedBy = ""
				job.LockedAt = nil
				job.UpdatedAt = now
				s.data.jobs[id] = job
				swept++
			}
		}
		return nil
	})
	return swept, err
}

func (s *MemStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var out *models.Job
	err := s.locked(func() error {
		job, ok := s.data.jobs[id]
		if !ok {
			return utils.NotFoundError("job not found")
		}
		out = &job
		return nil
	})
	return out, err
}

// --- Insight snapshots ---

func (s *MemStore) UpsertInsightSnapshot(ctx context.Context, snapshot *models.InsightSnapshot) error {
	return s.locked(func() error {
		key := compositeKey(snapshot.OrganizationID, snapshot.PlayerID, snapshot.Sport, snapshot.Discipline)
		now := time.Now().UTC()
		if existing, ok := s.data.insights[key]; ok {
			snapshot.ID = existing.ID
			snapshot.CreatedAt = existing.CreatedAt
		} else {
			if snapshot.ID == "" {
				snapshot.ID = uuid.NewString()
			}
			snapshot.CreatedAt = now
		}
		snapshot.UpdatedAt = now
		s.data.insights[key] = *snapshot
		return nil
	})
}

func (s *MemStore) GetInsightSnapshot(ctx context.Context, organizationID, playerID, sport, discipline string) (*models.InsightSnapshot, error) {
	var out *models.InsightSnapshot
	err := s.locked(func() error {
		snapshot, ok := s.data.insights[compositeKey(organizationID, playerID, sport, discipline)]
		if !ok {
			return utils.NotFoundError("insight snapshot not found")
		}
		out = &snapshot
		return nil
	})
	return out, err
}

// --- Subjects and grants ---

func (s *MemStore) EnsureSubject(ctx context.Context, tokenSub, name string) (*models.Subject, error) {
	var out *models.Subject
	err := s.locked(func() error {
		if subject, ok := s.data.subjects[tokenSub]; ok {
			out = &subject
			return nil
		}
		now := time.Now().UTC()
		subject := models.Subject{
			ID:        uuid.NewString(),
			TokenSub:  tokenSub,
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.data.subjects[tokenSub] = subject
		out = &subject
		return nil
	})
	return out, err
}

func (s *MemStore) CreateSubjectGrant(ctx context.Context, grant *models.SubjectGrant) error {
	return s.locked(func() error {
		if grant.ID == "" {
			grant.ID = uuid.NewString()
		}
		grant.CreatedAt = time.Now().UTC()
		s.data.grants = append(s.data.grants, *grant)
		return nil
	})
}

func (s *MemStore) HasGrant(ctx context.Context, tokenSub, organizationID, sport, regionID string) (bool, error) {
	found := false
	err := s.locked(func() error {
		subject, ok := s.data.subjects[tokenSub]
		if !ok {
			return nil
		}
		for _, grant := range s.data.grants {
			if grant.SubjectID != subject.ID || grant.OrganizationID != organizationID {
				continue
			}
			if grant.Sport != "" && grant.Sport != sport {
				continue
			}
			if grant.RegionID != "" && grant.RegionID != regionID {
				continue
			}
			found = true
			return nil
		}
		return nil
	})
	return found, err
}

// --- Leaderboard ---

func (s *MemStore) Leaderboard(ctx context.Context, query LeaderboardQuery) ([]LeaderboardEntry, *LeaderboardCursor, error) {
	limit := query.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	latest, earliest := birthDateBounds(query.AgeFrom, query.AgeTo, query.AgeCutoff)

	var rows []models.PlayerRating
	playersByID := make(map[string]models.Player)
	err := s.locked(func() error {
		for _, rating := range s.data.ratings {
			if rating.LadderID != query.LadderID {
				continue
			}
			player, ok := s.data.players[rating.PlayerID]
			if !ok {
				continue
			}
			if latest != nil && (player.BirthDate == nil || player.BirthDate.After(*latest)) {
				continue
			}
			if earliest != nil && (player.BirthDate == nil || !player.BirthDate.After(*earliest)) {
				continue
			}
			if query.Cursor != nil {
				after := rating.Mu < query.Cursor.Mu ||
					(rating.Mu == query.Cursor.Mu && rating.PlayerID > query.Cursor.PlayerID)
				if !after {
					continue
				}
			}
			rows = append(rows, rating)
			playersByID[player.ID] = player
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Mu != rows[j].Mu {
			return rows[i].Mu > rows[j].Mu
		}
		return rows[i].PlayerID < rows[j].PlayerID
	})

	hasMore := false
	if len(rows) > limit {
		rows = rows[:limit]
		hasMore = true
	}

	rank := 1
	if query.Cursor != nil {
		rank = query.Cursor.Rank + 1
	}
	entries := make([]LeaderboardEntry, 0, len(rows))
	for i, r := range rows {
		entries = append(entries, LeaderboardEntry{
			Rank:         rank + i,
			Player:       playersByID[r.PlayerID],
			Mu:           r.Mu,
			Sigma:        r.Sigma,
			MatchesCount: r.MatchesCount,
		})
	}

	var next *LeaderboardCursor
	if hasMore && len(entries) > 0 {
		last := entries[len(entries)-1]
		next = &LeaderboardCursor{Mu: last.Mu, PlayerID: last.Player.ID, Rank: last.Rank}
	}
	return entries, next, nil
}
