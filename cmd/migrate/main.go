package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/openrating/openrating/internal/formats"
	"github.com/openrating/openrating/internal/ingest"
	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/rating"
	"github.com/openrating/openrating/internal/services"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/config"
	"github.com/openrating/openrating/pkg/database"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: migrate [up|down|seed]")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewConnectionWithRetry(cfg.DatabaseURL, cfg.IsDevelopment(), cfg.MigrateAttempts)
	if err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	switch os.Args[1] {
	case "up":
		if err := runMigrations(db.DB); err != nil {
			logrus.Fatalf("Failed to run migrations: %v", err)
		}
		logrus.Info("Migrations completed successfully")

	case "down":
		if err := dropTables(db.DB); err != nil {
			logrus.Fatalf("Failed to drop tables: %v", err)
		}
		logrus.Info("Tables dropped successfully")

	case "seed":
		if err := seedData(db.DB); err != nil {
			logrus.Fatalf("Failed to seed data: %v", err)
		}
		logrus.Info("Data seeded successfully")

	default:
		log.Fatalf("Unknown command: %s", os.Args[1])
	}
}

// appliedMigration is one row of the progress table. Migrations are
// forward-only and applied in lexical name order.
type appliedMigration struct {
	Name      string    `gorm:"primaryKey"`
	AppliedAt time.Time `gorm:"not null"`
}

func (appliedMigration) TableName() string {
	return "__openrating_migrations"
}

type migration struct {
	name string
	run  func(db *gorm.DB) error
}

func migrations() []migration {
	return []migration{
		{"0001_schema", func(db *gorm.DB) error {
			return store.NewGormStore(db).AutoMigrate()
		}},
		{"0002_jobs_outstanding_unique", func(db *gorm.DB) error {
			// At most one pending-or-running job per (kind, scope_key);
			// the enqueue dedupe path relies on this.
			return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_outstanding
				ON jobs (kind, scope_key)
				WHERE status IN ('PENDING', 'IN_PROGRESS')`).Error
		}},
		{"0003_leaderboard_covering", func(db *gorm.DB) error {
			return db.Exec(`CREATE INDEX IF NOT EXISTS idx_player_ratings_board
				ON player_ratings (ladder_id, mu DESC, player_id ASC)`).Error
		}},
		{"0004_rating_events_match", func(db *gorm.DB) error {
			return db.Exec(`CREATE INDEX IF NOT EXISTS idx_rating_events_match
				ON player_rating_history (match_id)`).Error
		}},
	}
}

func runMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&appliedMigration{}); err != nil {
		return err
	}

	for _, m := range migrations() {
		var count int64
		if err := db.Model(&appliedMigration{}).Where("name = ?", m.name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		logrus.WithField("migration", m.name).Info("Applying migration")
		if err := m.run(db); err != nil {
			return err
		}
		record := appliedMigration{Name: m.name, AppliedAt: time.Now().UTC()}
		if err := db.Create(&record).Error; err != nil {
			return err
		}
	}
	return nil
}

func dropTables(db *gorm.DB) error {
	return db.Migrator().DropTable(
		&models.SubjectGrant{},
		&models.Subject{},
		&models.InsightSnapshot{},
		&models.Job{},
		&models.ReplayQueueEntry{},
		&models.PairSynergyHistory{},
		&models.PairSynergy{},
		&models.RatingEvent{},
		&models.PlayerRating{},
		&models.MatchGame{},
		&models.MatchSidePlayer{},
		&models.MatchSide{},
		&models.Match{},
		&models.Ladder{},
		&models.Player{},
		&models.Organization{},
		&appliedMigration{},
	)
}

// seedData loads a demo tenant and pushes a handful of matches through the
// full ingestion pipeline so ratings, history and leaderboards are real.
func seedData(db *gorm.DB) error {
	ctx := context.Background()
	s := store.NewGormStore(db)

	org := &models.Organization{
		ID:   uuid.NewString(),
		Slug: "demo-club",
		Name: "Demo Badminton Club",
	}
	if err := s.CreateOrganization(ctx, org); err != nil {
		return err
	}

	names := []string{"Aino Virtanen", "Bram de Vries", "Chen Wei", "Daria Petrova"}
	players := make([]*models.Player, 0, len(names))
	for i, name := range names {
		birth := time.Date(1988+3*i, time.March, 12, 0, 0, 0, 0, time.UTC)
		p := &models.Player{
			ID:             uuid.NewString(),
			OrganizationID: org.ID,
			DisplayName:    name,
			BirthDate:      &birth,
			BirthYear:      birth.Year(),
		}
		if err := s.CreatePlayer(ctx, p); err != nil {
			return err
		}
		players = append(players, p)
	}

	params := rating.DefaultParams()
	coordinator := ingest.NewCoordinator(
		s, formats.NewRegistry(params), params, ingest.AllowAll{},
		services.NewCacheService(nil), 0, logrus.StandardLogger())

	start := time.Now().UTC().AddDate(0, 0, -14)
	fixtures := []struct {
		a, b  int
		games []formats.SubmissionGame
	}{
		{0, 1, []formats.SubmissionGame{{GameNo: 1, A: 21, B: 15}, {GameNo: 2, A: 21, B: 18}}},
		{2, 3, []formats.SubmissionGame{{GameNo: 1, A: 21, B: 19}, {GameNo: 2, A: 18, B: 21}, {GameNo: 3, A: 21, B: 12}}},
		{0, 2, []formats.SubmissionGame{{GameNo: 1, A: 21, B: 10}, {GameNo: 2, A: 21, B: 16}}},
		{1, 3, []formats.SubmissionGame{{GameNo: 1, A: 17, B: 21}, {GameNo: 2, A: 21, B: 19}, {GameNo: 3, A: 19, B: 21}}},
		{0, 3, []formats.SubmissionGame{{GameNo: 1, A: 21, B: 17}, {GameNo: 2, A: 22, B: 20}}},
	}
	for i, f := range fixtures {
		_, err := coordinator.RecordMatch(ctx, ingest.RecordRequest{
			Submission: &formats.Submission{
				ProviderID:     "seed",
				OrganizationID: org.ID,
				Sport:          models.SportBadminton,
				Discipline:     models.DisciplineSingles,
				Format:         formats.FormatBO3Rally21,
				StartTime:      start.AddDate(0, 0, 2*i),
				Sides: map[string]formats.SubmissionSide{
					models.SideA: {Players: []string{players[f.a].ID}},
					models.SideB: {Players: []string{players[f.b].ID}},
				},
				Games:       f.games,
				ExternalRef: uuid.NewString(),
			},
			TokenSub: "seed",
		})
		if err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"organization": org.Slug,
		"players":      len(players),
		"matches":      len(fixtures),
	}).Info("Demo data loaded")
	return nil
}
