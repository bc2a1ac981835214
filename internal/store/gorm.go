package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/pkg/utils"
)

// GormStore is the relational Store implementation. Production runs it on
// Postgres; tests may run it on sqlite, where row locks degrade to the
// database-level write lock.
type GormStore struct {
	db   *gorm.DB
	inTx bool
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates every table the store owns. The migrate command
// layers the raw index DDL on top.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.Organization{},
		&models.Player{},
		&models.Ladder{},
		&models.Match{},
		&models.MatchSide{},
		&models.MatchSidePlayer{},
		&models.MatchGame{},
		&models.PlayerRating{},
		&models.RatingEvent{},
		&models.PairSynergy{},
		&models.PairSynergyHistory{},
		&models.ReplayQueueEntry{},
		&models.InsightSnapshot{},
		&models.Job{},
		&models.Subject{},
		&models.SubjectGrant{},
	)
}

func (s *GormStore) Atomically(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, inTx: true})
	})
}

// forUpdate adds a row lock on Postgres. sqlite serializes writers on its
// own and rejects FOR UPDATE, so the clause is skipped there.
func (s *GormStore) forUpdate(q *gorm.DB) *gorm.DB {
	if s.db.Dialector.Name() == "postgres" {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

// --- Organizations ---

func (s *GormStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Organization{}).
		Where("slug = ?", org.Slug).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return utils.ConflictError("organization slug already in use")
	}
	return s.db.WithContext(ctx).Create(org).Error
}

func (s *GormStore) GetOrganization(ctx context.Context, id string) (*models.Organization, error) {
	var org models.Organization
	if err := s.db.WithContext(ctx).First(&org, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "organization not found")
	}
	return &org, nil
}

func (s *GormStore) GetOrganizationBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	var org models.Organization
	if err := s.db.WithContext(ctx).First(&org, "slug = ?", slug).Error; err != nil {
		return nil, notFoundOr(err, "organization not found")
	}
	return &org, nil
}

func (s *GormStore) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	var orgs []models.Organization
	err := s.db.WithContext(ctx).Order("slug asc").Find(&orgs).Error
	return orgs, err
}

func (s *GormStore) UpdateOrganization(ctx context.Context, org *models.Organization) error {
	return s.db.WithContext(ctx).Save(org).Error
}

// --- Players ---

func (s *GormStore) CreatePlayer(ctx context.Context, player *models.Player) error {
	if player.ID == "" {
		player.ID = uuid.NewString()
	}
	if player.ExternalRef != "" {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Player{}).
			Where("organization_id = ? AND provider_id = ? AND external_ref = ?",
				player.OrganizationID, player.ProviderID, player.ExternalRef).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return utils.ConflictError("player external_ref already registered for this provider")
		}
	}
	return s.db.WithContext(ctx).Create(player).Error
}

func (s *GormStore) GetPlayer(ctx context.Context, id string) (*models.Player, error) {
	var player models.Player
	if err := s.db.WithContext(ctx).First(&player, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "player not found")
	}
	return &player, nil
}

func (s *GormStore) GetPlayers(ctx context.Context, ids []string) ([]models.Player, error) {
	var players []models.Player
	if len(ids) == 0 {
		return players, nil
	}
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&players).Error
	return players, err
}

func (s *GormStore) ListPlayers(ctx context.Context, organizationID string, limit int, cursor string) ([]models.Player, string, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("organization_id = ?", organizationID).Order("id asc").Limit(limit + 1)
	if cursor != "" {
		q = q.Where("id > ?", cursor)
	}
	var players []models.Player
	if err := q.Find(&players).Error; err != nil {
		return nil, "", err
	}
	next := ""
	if len(players) > limit {
		players = players[:limit]
		next = players[limit-1].ID
	}
	return players, next, nil
}

// --- Ladders ---

func (s *GormStore) EnsureLadder(ctx context.Context, key models.LadderKey) (*models.Ladder, error) {
	key = key.Normalize()
	ladder, err := s.FindLadder(ctx, key)
	if err == nil {
		return ladder, nil
	}
	created := &models.Ladder{
		ID:             uuid.NewString(),
		OrganizationID: key.OrganizationID,
		Sport:          key.Sport,
		Discipline:     key.Discipline,
		Format:         key.Format,
		Tier:           key.Tier,
		RegionID:       key.RegionID,
	}
	if err := s.db.WithContext(ctx).Create(created).Error; err != nil {
		// Lost a creation race: someone else inserted the same tuple.
		if existing, findErr := s.FindLadder(ctx, key); findErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return created, nil
}

func (s *GormStore) GetLadder(ctx context.Context, id string) (*models.Ladder, error) {
	var ladder models.Ladder
	if err := s.db.WithContext(ctx).First(&ladder, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "ladder not found")
	}
	return &ladder, nil
}

func (s *GormStore) FindLadder(ctx context.Context, key models.LadderKey) (*models.Ladder, error) {
	key = key.Normalize()
	var ladder models.Ladder
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND sport = ? AND discipline = ? AND format = ? AND tier = ? AND region_id = ?",
			key.OrganizationID, key.Sport, key.Discipline, key.Format, key.Tier, key.RegionID).
		First(&ladder).Error
	if err != nil {
		return nil, notFoundOr(err, "ladder not found")
	}
	return &ladder, nil
}

// --- Player ratings ---

func (s *GormStore) GetRatingsForUpdate(ctx context.Context, ladderID string, playerIDs []string, baseMu, baseSigma float64) (map[string]*models.PlayerRating, error) {
	sorted := make([]string, len(playerIDs))
	copy(sorted, playerIDs)
	sort.Strings(sorted) // canonical lock order prevents deadlock

	out := make(map[string]*models.PlayerRating, len(sorted))
	for _, playerID := range sorted {
		var row models.PlayerRating
		err := s.forUpdate(s.db.WithContext(ctx)).
			Where("ladder_id = ? AND player_id = ?", ladderID, playerID).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = models.PlayerRating{
				ID:       uuid.NewString(),
				LadderID: ladderID,
				PlayerID: playerID,
				Mu:       baseMu,
				Sigma:    baseSigma,
			}
			if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		copied := row
		out[playerID] = &copied
	}
	return out, nil
}

func (s *GormStore) GetPlayerRating(ctx context.Context, ladderID, playerID string) (*models.PlayerRating, error) {
	var row models.PlayerRating
	err := s.db.WithContext(ctx).
		Where("ladder_id = ? AND player_id = ?", ladderID, playerID).
		First(&row).Error
	if err != nil {
		return nil, notFoundOr(err, "player rating not found")
	}
	return &row, nil
}

func (s *GormStore) ListRatingsForPlayer(ctx context.Context, playerID string) ([]models.PlayerRating, error) {
	var rows []models.PlayerRating
	err := s.db.WithContext(ctx).
		Where("player_id = ?", playerID).
		Order("ladder_id ASC").
		Find(&rows).Error
	return rows, err
}

func (s *GormStore) RankForMu(ctx context.Context, ladderID string, mu float64, playerID string) (int, error) {
	var ahead int64
	err := s.db.WithContext(ctx).Model(&models.PlayerRating{}).
		Where("ladder_id = ? AND (mu > ? OR (mu = ? AND player_id < ?))", ladderID, mu, mu, playerID).
		Count(&ahead).Error
	if err != nil {
		return 0, err
	}
	return int(ahead) + 1, nil
}

func (s *GormStore) SavePlayerRating(ctx context.Context, rating *models.PlayerRating) error {
	return s.db.WithContext(ctx).Save(rating).Error
}

// --- Pair synergies ---

func (s *GormStore) GetPairSynergiesForUpdate(ctx context.Context, ladderID string, pairKeys []string) (map[string]*models.PairSynergy, error) {
	sorted := make([]string, len(pairKeys))
	copy(sorted, pairKeys)
	sort.Strings(sorted)

	out := make(map[string]*models.PairSynergy, len(sorted))
	for _, key := range sorted {
		var row models.PairSynergy
		err := s.forUpdate(s.db.WithContext(ctx)).
			Where("ladder_id = ? AND pair_key = ?", ladderID, key).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = models.PairSynergy{ID: uuid.NewString(), LadderID: ladderID, PairKey: key}
			if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		copied := row
		out[key] = &copied
	}
	return out, nil
}

func (s *GormStore) SavePairSynergy(ctx context.Context, synergy *models.PairSynergy) error {
	return s.db.WithContext(ctx).Save(synergy).Error
}

// --- Matches ---

func (s *GormStore) CreateMatch(ctx context.Context, match *models.Match) error {
	if match.ExternalRef != "" {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Match{}).
			Where("provider_id = ? AND external_ref = ?", match.ProviderID, match.ExternalRef).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return utils.ConflictError("match external_ref already submitted by this provider")
		}
	}
	return s.db.WithContext(ctx).Create(match).Error
}

func (s *GormStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	var match models.Match
	err := s.db.WithContext(ctx).
		Preload("Sides.Players", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Preload("Sides").
		Preload("Games", func(db *gorm.DB) *gorm.DB { return db.Order("game_no asc") }).
		First(&match, "id = ?", id).Error
	if err != nil {
		return nil, notFoundOr(err, "match not found")
	}
	return &match, nil
}

func (s *GormStore) UpdateMatch(ctx context.Context, match *models.Match) error {
	return s.db.WithContext(ctx).Omit("Sides", "Games").Save(match).Error
}

func (s *GormStore) ListMatches(ctx context.Context, filter MatchFilter) ([]models.Match, string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Model(&models.Match{}).
		Preload("Sides.Players", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Preload("Sides").
		Preload("Games", func(db *gorm.DB) *gorm.DB { return db.Order("game_no asc") })

	if filter.OrganizationID != "" {
		q = q.Where("matches.organization_id = ?", filter.OrganizationID)
	}
	if filter.Sport != "" {
		q = q.Where("matches.sport = ?", filter.Sport)
	}
	if filter.EventID != "" {
		q = q.Where("matches.event_id = ?", filter.EventID)
	}
	if filter.PlayerID != "" {
		q = q.Where("matches.id IN (?)", s.db.Model(&models.MatchSidePlayer{}).
			Select("match_id").Where("player_id = ?", filter.PlayerID))
	}
	if filter.StartAfter != nil {
		q = q.Where("matches.start_time > ?", *filter.StartAfter)
	}
	if filter.StartBefore != nil {
		q = q.Where("matches.start_time < ?", *filter.StartBefore)
	}

	cursor, appErr := decodeTimeCursor(filter.Cursor)
	if appErr != nil {
		return nil, "", appErr
	}
	if cursor != nil {
		q = q.Where("(matches.start_time < ?) OR (matches.start_time = ? AND matches.id > ?)",
			cursor.Time, cursor.Time, cursor.ID)
	}

	var matches []models.Match
	if err := q.Order("start_time desc, id asc").Limit(limit + 1).Find(&matches).Error; err != nil {
		return nil, "", err
	}

	next := ""
	if len(matches) > limit {
		matches = matches[:limit]
		last := matches[limit-1]
		next = encodeTimeCursor(last.StartTime, last.ID)
	}
	return matches, next, nil
}

func (s *GormStore) LatestStartTime(ctx context.Context, ladderID string) (*time.Time, error) {
	var match models.Match
	err := s.db.WithContext(ctx).
		Where("ladder_id = ?", ladderID).
		Order("start_time desc").
		First(&match).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := match.StartTime
	return &t, nil
}

func (s *GormStore) ListMatchesFrom(ctx context.Context, ladderID string, from time.Time) ([]models.Match, error) {
	var matches []models.Match
	err := s.db.WithContext(ctx).
		Preload("Sides.Players", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Preload("Sides").
		Preload("Games", func(db *gorm.DB) *gorm.DB { return db.Order("game_no asc") }).
		Where("ladder_id = ? AND start_time >= ?", ladderID, from).
		Order("start_time asc, id asc").
		Find(&matches).Error
	return matches, err
}

// --- Rating events ---

func (s *GormStore) InsertRatingEvents(ctx context.Context, events []models.RatingEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&events).Error
}

func (s *GormStore) GetRatingEvent(ctx context.Context, id string) (*models.RatingEvent, error) {
	var event models.RatingEvent
	if err := s.db.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "rating event not found")
	}
	return &event, nil
}

func (s *GormStore) ListRatingEvents(ctx context.Context, filter RatingEventFilter) ([]models.RatingEvent, string, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Model(&models.RatingEvent{})
	if filter.OrganizationID != "" {
		q = q.Where("organization_id = ?", filter.OrganizationID)
	}
	if filter.PlayerID != "" {
		q = q.Where("player_id = ?", filter.PlayerID)
	}
	if filter.LadderID != "" {
		q = q.Where("ladder_id = ?", filter.LadderID)
	}
	if filter.MatchID != "" {
		q = q.Where("match_id = ?", filter.MatchID)
	}

	cursor, appErr := decodeTimeCursor(filter.Cursor)
	if appErr != nil {
		return nil, "", appErr
	}
	if cursor != nil {
		q = q.Where("(applied_at < ?) OR (applied_at = ? AND id > ?)",
			cursor.Time, cursor.Time, cursor.ID)
	}

	var events []models.RatingEvent
	if err := q.Order("applied_at desc, id asc").Limit(limit + 1).Find(&events).Error; err != nil {
		return nil, "", err
	}

	next := ""
	if len(events) > limit {
		events = events[:limit]
		last := events[limit-1]
		next = encodeTimeCursor(last.AppliedAt, last.ID)
	}
	return events, next, nil
}

func (s *GormStore) LatestEventBefore(ctx context.Context, ladderID, playerID string, before time.Time) (*models.RatingEvent, error) {
	var event models.RatingEvent
	err := s.db.WithContext(ctx).
		Where("ladder_id = ? AND player_id = ? AND match_start_time < ?", ladderID, playerID, before).
		Order("match_start_time desc, applied_at desc, id desc").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *GormStore) LatestEventAsOf(ctx context.Context, ladderID, playerID string, asOf time.Time) (*models.RatingEvent, error) {
	var event models.RatingEvent
	err := s.db.WithContext(ctx).
		Where("ladder_id = ? AND player_id = ? AND applied_at <= ?", ladderID, playerID, asOf).
		Order("applied_at desc, id desc").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *GormStore) PlayersWithEventsFrom(ctx context.Context, ladderID string, from time.Time) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.RatingEvent{}).
		Where("ladder_id = ? AND match_start_time >= ?", ladderID, from).
		Distinct("player_id").
		Order("player_id asc").
		Pluck("player_id", &ids).Error
	return ids, err
}

func (s *GormStore) DeleteRatingEventsFrom(ctx context.Context, ladderID string, from time.Time) error {
	return s.db.WithContext(ctx).
		Where("ladder_id = ? AND match_start_time >= ?", ladderID, from).
		Delete(&models.RatingEvent{}).Error
}

// --- Pair synergy history ---

func (s *GormStore) InsertPairHistory(ctx context.Context, rows []models.PairSynergyHistory) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

func (s *GormStore) LatestPairHistoryBefore(ctx context.Context, ladderID, pairKey string, before time.Time) (*models.PairSynergyHistory, error) {
	var row models.PairSynergyHistory
	err := s.db.WithContext(ctx).
		Where("ladder_id = ? AND pair_key = ? AND match_start_time < ?", ladderID, pairKey, before).
		Order("match_start_time desc, applied_at desc, id desc").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *GormStore) PairKeysWithHistoryFrom(ctx context.Context, ladderID string, from time.Time) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&models.PairSynergyHistory{}).
		Where("ladder_id = ? AND match_start_time >= ?", ladderID, from).
		Distinct("pair_key").
		Order("pair_key asc").
		Pluck("pair_key", &keys).Error
	return keys, err
}

func (s *GormStore) DeletePairHistoryFrom(ctx context.Context, ladderID string, from time.Time) error {
	return s.db.WithContext(ctx).
		Where("ladder_id = ? AND match_start_time >= ?", ladderID, from).
		Delete(&models.PairSynergyHistory{}).Error
}

// --- Replay queue ---

func (s *GormStore) UpsertReplayEntry(ctx context.Context, ladderID string, earliest time.Time) error {
	var entry models.ReplayQueueEntry
	err := s.db.WithContext(ctx).First(&entry, "ladder_id = ?", ladderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&models.ReplayQueueEntry{
			LadderID:          ladderID,
			EarliestStartTime: earliest,
		}).Error
	}
	if err != nil {
		return err
	}
	if earliest.Before(entry.EarliestStartTime) {
		entry.EarliestStartTime = earliest
		return s.db.WithContext(ctx).Save(&entry).Error
	}
	// Still touch updated_at so observers can see activity.
	return s.db.WithContext(ctx).Model(&entry).Update("updated_at", time.Now().UTC()).Error
}

func (s *GormStore) GetReplayEntry(ctx context.Context, ladderID string) (*models.ReplayQueueEntry, error) {
	var entry models.ReplayQueueEntry
	err := s.db.WithContext(ctx).First(&entry, "ladder_id = ?", ladderID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *GormStore) ListReplayEntries(ctx context.Context) ([]models.ReplayQueueEntry, error) {
	var entries []models.ReplayQueueEntry
	err := s.db.WithContext(ctx).Order("created_at asc").Find(&entries).Error
	return entries, err
}

func (s *GormStore) DeleteReplayEntry(ctx context.Context, ladderID string) error {
	return s.db.WithContext(ctx).Delete(&models.ReplayQueueEntry{}, "ladder_id = ?", ladderID).Error
}

// --- Jobs ---

func (s *GormStore) EnqueueJob(ctx context.Context, req EnqueueRequest) (*models.Job, bool, error) {
	var job *models.Job
	enqueued := false
	err := s.Atomically(ctx, func(tx Store) error {
		g := tx.(*GormStore)
		if req.Dedupe {
			var existing models.Job
			err := g.forUpdate(g.db.WithContext(ctx)).
				Where("kind = ? AND scope_key = ? AND status IN ?",
					req.Kind, req.ScopeKey, []string{models.JobStatusPending, models.JobStatusInProgress}).
				First(&existing).Error
			if err == nil {
				// Reuse the outstanding job, lowering run_at if asked earlier.
				if existing.Status == models.JobStatusPending && req.RunAt.Before(existing.RunAt) {
					existing.RunAt = req.RunAt
					if err := g.db.WithContext(ctx).Save(&existing).Error; err != nil {
						return err
					}
				}
				job = &existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		created := models.Job{
			ID:       uuid.NewString(),
			Kind:     req.Kind,
			ScopeKey: req.ScopeKey,
			Status:   models.JobStatusPending,
			RunAt:    req.RunAt,
			Payload:  req.Payload,
		}
		if err := g.db.WithContext(ctx).Create(&created).Error; err != nil {
			return err
		}
		job = &created
		enqueued = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, enqueued, nil
}

func (s *GormStore) ClaimJobs(ctx context.Context, kinds []string, workerID string, batch int, now time.Time) ([]models.Job, error) {
	if batch <= 0 {
		batch = 1
	}

	var claimed []models.Job
	err := s.Atomically(ctx, func(tx Store) error {
		g := tx.(*GormStore)
		q := g.db.WithContext(ctx).
			Where("status = ? AND run_at <= ?", models.JobStatusPending, now).
			Order("run_at asc, id asc").
			Limit(batch)
		if len(kinds) > 0 {
			q = q.Where("kind IN ?", kinds)
		}
		if g.db.Dialector.Name() == "postgres" {
			// SKIP LOCKED keeps a slow worker from starving the rest.
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []models.Job
		if err := q.Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			candidates[i].Status = models.JobStatusInProgress
			candidates[i].LockedBy = workerID
			lockedAt := now
			candidates[i].LockedAt = &lockedAt
			if err := g.db.WithContext(ctx).Save(&candidates[i]).Error; err != nil {
				return err
			}
		}
		claimed = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *GormStore) CompleteJob(ctx context.Context, jobID, workerID string, outcome JobOutcome) error {
	return s.Atomically(ctx, func(tx Store) error {
		g := tx.(*GormStore)
		var job models.Job
		if err := g.forUpdate(g.db.WithContext(ctx)).First(&job, "id = ?", jobID).Error; err != nil {
			return notFoundOr(err, "job not found")
		}
		if job.Status != models.JobStatusInProgress || job.LockedBy != workerID {
			// Lease expired and another worker owns it now; drop the result.
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
		return g.db.WithContext(ctx).Save(&job).Error
	})
}

func (s *GormStore) SweepExpiredJobs(ctx context.Context, visibilityTimeout time.Duration, now time.Time) (int, error) {
	deadline := now.Add(-visibilityTimeout)
	result := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("status = ? AND locked_at < ?", models.JobStatusInProgress, deadline).
		Updates(map[string]interface{}{
			"status":    models.JobStatusPending,
			"locked_by": "",
			"locked_at": nil,
		})
	return int(result.RowsAffected), result.Error
}

func (s *GormStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFoundOr(err, "job not found")
	}
	return &job, nil
}

// --- Insight snapshots ---

func (s *GormStore) UpsertInsightSnapshot(ctx context.Context, snapshot *models.InsightSnapshot) error {
	var existing models.InsightSnapshot
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND player_id = ? AND sport = ? AND discipline = ?",
			snapshot.OrganizationID, snapshot.PlayerID, snapshot.Sport, snapshot.Discipline).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if snapshot.ID == "" {
			snapshot.ID = uuid.NewString()
		}
		return s.db.WithContext(ctx).Create(snapshot).Error
	}
	if err != nil {
		return err
	}
	snapshot.ID = existing.ID
	snapshot.CreatedAt = existing.CreatedAt
	return s.db.WithContext(ctx).Save(snapshot).Error
}

func (s *GormStore) GetInsightSnapshot(ctx context.Context, organizationID, playerID, sport, discipline string) (*models.InsightSnapshot, error) {
	var snapshot models.InsightSnapshot
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND player_id = ? AND sport = ? AND discipline = ?",
			organizationID, playerID, sport, discipline).
		First(&snapshot).Error
	if err != nil {
		return nil, notFoundOr(err, "insight snapshot not found")
	}
	return &snapshot, nil
}

// --- Subjects and grants ---

func (s *GormStore) EnsureSubject(ctx context.Context, tokenSub, name string) (*models.Subject, error) {
	var subject models.Subject
	err := s.db.WithContext(ctx).First(&subject, "token_sub = ?", tokenSub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		subject = models.Subject{ID: uuid.NewString(), TokenSub: tokenSub, Name: name}
		if err := s.db.WithContext(ctx).Create(&subject).Error; err != nil {
			return nil, err
		}
		return &subject, nil
	}
	if err != nil {
		return nil, err
	}
	return &subject, nil
}

func (s *GormStore) CreateSubjectGrant(ctx context.Context, grant *models.SubjectGrant) error {
	if grant.ID == "" {
		grant.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(grant).Error
}

func (s *GormStore) HasGrant(ctx context.Context, tokenSub, organizationID, sport, regionID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.SubjectGrant{}).
		Joins("JOIN subjects ON subjects.id = subject_grants.subject_id").
		Where("subjects.token_sub = ?", tokenSub).
		Where("subject_grants.organization_id = ?", organizationID).
		Where("subject_grants.sport = '' OR subject_grants.sport = ?", sport).
		Where("subject_grants.region_id = '' OR subject_grants.region_id = ?", regionID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- Leaderboard ---

func (s *GormStore) Leaderboard(ctx context.Context, query LeaderboardQuery) ([]LeaderboardEntry, *LeaderboardCursor, error) {
	limit := query.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := s.db.WithContext(ctx).Model(&models.PlayerRating{}).
		Joins("JOIN players ON players.id = player_ratings.player_id").
		Where("player_ratings.ladder_id = ?", query.LadderID)

	latest, earliest := birthDateBounds(query.AgeFrom, query.AgeTo, query.AgeCutoff)
	if latest != nil {
		q = q.Where("players.birth_date <= ?", *latest)
	}
	if earliest != nil {
		q = q.Where("players.birth_date > ?", *earliest)
	}

	if query.Cursor != nil {
		q = q.Where("(player_ratings.mu < ?) OR (player_ratings.mu = ? AND player_ratings.player_id > ?)",
			query.Cursor.Mu, query.Cursor.Mu, query.Cursor.PlayerID)
	}

	var ratings []models.PlayerRating
	if err := q.Order("player_ratings.mu desc, player_ratings.player_id asc").
		Limit(limit + 1).Find(&ratings).Error; err != nil {
		return nil, nil, err
	}

	hasMore := false
	if len(ratings) > limit {
		ratings = ratings[:limit]
		hasMore = true
	}

	playerIDs := make([]string, 0, len(ratings))
	for _, r := range ratings {
		playerIDs = append(playerIDs, r.PlayerID)
	}
	players, err := s.GetPlayers(ctx, playerIDs)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]models.Player, len(players))
	for _, p := range players {
		byID[p.ID] = p
	}

	rank := 1
	if query.Cursor != nil {
		rank = query.Cursor.Rank + 1
	}
	entries := make([]LeaderboardEntry, 0, len(ratings))
	for i, r := range ratings {
		entries = append(entries, LeaderboardEntry{
			Rank:         rank + i,
			Player:       byID[r.PlayerID],
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

// notFoundOr maps gorm's record-not-found onto the domain error taxonomy.
func notFoundOr(err error, message string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.NotFoundError(message)
	}
	return err
}
