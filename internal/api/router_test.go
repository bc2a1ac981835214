package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrating/openrating/internal/formats"
	"github.com/openrating/openrating/internal/ingest"
	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/rating"
	"github.com/openrating/openrating/internal/services"
	"github.com/openrating/openrating/internal/store"
	"github.com/openrating/openrating/pkg/config"
)

const testSecret = "route-test-secret"

type testEnv struct {
	router *gin.Engine
	store  store.Store
}

func newTestEnv(t *testing.T, disableAuth bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{
		Version:         "test",
		JWTSecret:       testSecret,
		AuthDisable:     disableAuth,
		IngestRateLimit: 1000,
		IdempotencyTTL:  time.Hour,
	}

	s := store.NewMemStore()
	cache := services.NewCacheService(nil)
	params := rating.DefaultParams()
	coordinator := ingest.NewCoordinator(
		s, formats.NewRegistry(params), params, ingest.AllowAll{}, cache, cfg.IdempotencyTTL, logger)

	router := gin.New()
	SetupRoutes(router, s, cache, coordinator, cfg, logger)
	return &testEnv{router: router, store: s}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
	Meta *struct {
		NextCursor string `json:"next_cursor"`
	} `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &env)
	}
	return rec, env
}

func signToken(t *testing.T, sub, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (e *testEnv) createOrg(t *testing.T, slug string) string {
	t.Helper()
	rec, env := e.do(t, http.MethodPost, "/v1/organizations",
		gin.H{"slug": slug, "name": "Test Club"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var org models.Organization
	require.NoError(t, json.Unmarshal(env.Data, &org))
	return org.ID
}

func (e *testEnv) createPlayer(t *testing.T, orgID, name string) string {
	t.Helper()
	rec, env := e.do(t, http.MethodPost, "/v1/players",
		gin.H{"organization_id": orgID, "display_name": name, "birth_date": "1990-05-20"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var player models.Player
	require.NoError(t, json.Unmarshal(env.Data, &player))
	return player.ID
}

func submissionBody(orgID, p1, p2 string, start time.Time) gin.H {
	return gin.H{
		"provider_id":     "test",
		"organization_id": orgID,
		"sport":           models.SportBadminton,
		"discipline":      models.DisciplineSingles,
		"format":          formats.FormatBO3Rally21,
		"start_time":      start.Format(time.RFC3339),
		"sides": gin.H{
			"A": gin.H{"players": []string{p1}},
			"B": gin.H{"players": []string{p2}},
		},
		"games": []gin.H{
			{"game_no": 1, "a": 21, "b": 15},
			{"game_no": 2, "a": 21, "b": 18},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "test", body["version"])
}

func TestAuthRequiredWithoutToken(t *testing.T) {
	env := newTestEnv(t, false)

	rec, env2 := env.do(t, http.MethodGet, "/v1/organizations", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env2.Error)
	assert.Equal(t, "missing_token", env2.Error.Code)
}

func TestScopeEnforcement(t *testing.T) {
	env := newTestEnv(t, false)

	readOnly := signToken(t, "subject-1", "matches:read ratings:read")
	rec, body := env.do(t, http.MethodPost, "/v1/matches",
		gin.H{"provider_id": "x"}, bearer(readOnly))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, "insufficient_scope", body.Error.Code)

	writer := signToken(t, "subject-1", "matches:write")
	rec, _ = env.do(t, http.MethodGet, "/v1/matches", nil, bearer(writer))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInvalidTokenRejected(t *testing.T) {
	env := newTestEnv(t, false)

	rec, body := env.do(t, http.MethodGet, "/v1/organizations", nil,
		bearer("not-a-jwt"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, "invalid_token", body.Error.Code)
}

func TestOrganizationCRUD(t *testing.T) {
	env := newTestEnv(t, true)

	orgID := env.createOrg(t, "Metro-Smash")

	rec, body := env.do(t, http.MethodGet, "/v1/organizations/"+orgID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var org models.Organization
	require.NoError(t, json.Unmarshal(body.Data, &org))
	assert.Equal(t, "metro-smash", org.Slug, "slug is lower-cased")

	rec, _ = env.do(t, http.MethodPost, "/v1/organizations",
		gin.H{"slug": "metro-smash", "name": "Other"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = env.do(t, http.MethodPatch, "/v1/organizations/"+orgID,
		gin.H{"name": "Metro Smash Club"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(body.Data, &org))
	assert.Equal(t, "Metro Smash Club", org.Name)

	rec, _ = env.do(t, http.MethodGet, "/v1/organizations", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreatePlayerValidation(t *testing.T) {
	env := newTestEnv(t, true)
	orgID := env.createOrg(t, "club")

	rec, body := env.do(t, http.MethodPost, "/v1/players",
		gin.H{"organization_id": orgID, "display_name": "X", "birth_date": "20-05-1990"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, "validation_error", body.Error.Code)

	rec, _ = env.do(t, http.MethodPost, "/v1/players",
		gin.H{"organization_id": "missing-org", "display_name": "X"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMatchIngestionFlow(t *testing.T) {
	env := newTestEnv(t, true)
	orgID := env.createOrg(t, "club")
	p1 := env.createPlayer(t, orgID, "Player One")
	p2 := env.createPlayer(t, orgID, "Player Two")

	start := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	rec, body := env.do(t, http.MethodPost, "/v1/matches",
		submissionBody(orgID, p1, p2, start), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result ingest.RecordResult
	require.NoError(t, json.Unmarshal(body.Data, &result))
	assert.Equal(t, models.RatingStatusRated, result.RatingStatus)
	require.Len(t, result.Ratings, 2)

	// Detail with rating events attached.
	rec, body = env.do(t, http.MethodGet,
		"/v1/matches/"+result.MatchID+"?include=rating_events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		MatchID      string               `json:"match_id"`
		RatingEvents []models.RatingEvent `json:"rating_events"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &detail))
	assert.Equal(t, result.MatchID, detail.MatchID)
	assert.Len(t, detail.RatingEvents, 2)

	// Listing with filters.
	rec, body = env.do(t, http.MethodGet,
		fmt.Sprintf("/v1/matches?organization_id=%s&player_id=%s", orgID, p1), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var matches []models.Match
	require.NoError(t, json.Unmarshal(body.Data, &matches))
	assert.Len(t, matches, 1)
}

func TestMatchIngestionIdempotencyKeyWithoutCache(t *testing.T) {
	// Without redis the Idempotency-Key header degrades gracefully; the
	// second submission still collides on (provider, external_ref).
	env := newTestEnv(t, true)
	orgID := env.createOrg(t, "club")
	p1 := env.createPlayer(t, orgID, "One")
	p2 := env.createPlayer(t, orgID, "Two")

	body := submissionBody(orgID, p1, p2, time.Now().UTC().Add(-time.Hour))
	body["external_ref"] = "match-42"

	rec, _ := env.do(t, http.MethodPost, "/v1/matches", body, map[string]string{"Idempotency-Key": "k1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env2 := env.do(t, http.MethodPost, "/v1/matches", body, map[string]string{"Idempotency-Key": "k1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NotNil(t, env2.Error)
	assert.Equal(t, "conflict", env2.Error.Code)
}

func TestPatchMatchStartTimeQueuesReplay(t *testing.T) {
	env := newTestEnv(t, true)
	orgID := env.createOrg(t, "club")
	p1 := env.createPlayer(t, orgID, "One")
	p2 := env.createPlayer(t, orgID, "Two")

	start := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	rec, body := env.do(t, http.MethodPost, "/v1/matches",
		submissionBody(orgID, p1, p2, start), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var result ingest.RecordResult
	require.NoError(t, json.Unmarshal(body.Data, &result))

	newStart := start.Add(-24 * time.Hour)
	rec, body = env.do(t, http.MethodPatch, "/v1/matches/"+result.MatchID,
		gin.H{"start_time": newStart.Format(time.RFC3339), "venue_id": "court-9"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated models.Match
	require.NoError(t, json.Unmarshal(body.Data, &updated))
	assert.True(t, updated.StartTime.Equal(newStart))
	assert.Equal(t, "court-9", updated.VenueID)

	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	entry, err := env.store.GetReplayEntry(ctx, updated.LadderID)
	require.NoError(t, err)
	require.NotNil(t, entry, "start_time change must queue a replay")
	assert.True(t, entry.EarliestStartTime.Equal(newStart))

	jobs, err := env.store.ClaimJobs(ctx, []string{models.JobKindReplay}, "w1", 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, updated.LadderID, jobs[0].ScopeKey)
}

func TestPatchMatchMetadataOnlySkipsReplay(t *testing.T) {
	env := newTestEnv(t, true)
	orgID := env.createOrg(t, "club")
	p1 := env.createPlayer(t, orgID, "One")
	p2 := env.createPlayer(t, orgID, "Two")

	rec, body := env.do(t, http.MethodPost, "/v1/matches",
		submissionBody(orgID, p1, p2, time.Now().UTC().Add(-time.Hour)), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var result ingest.RecordResult
	require.NoError(t, json.Unmarshal(body.Data, &result))

	rec, _ = env.do(t, http.MethodPatch, "/v1/matches/"+result.MatchID,
		gin.H{"event_id": "tournament-3"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	match, err := env.store.GetMatch(ctx, result.MatchID)
	require.NoError(t, err)
	entry, err := env.store.GetReplayEntry(ctx, match.LadderID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRatingEventsAndSnapshot(t *testing.T) {
	env := newTestEnv(t, true)
	orgID := env.createOrg(t, "club")
	p1 := env.createPlayer(t, orgID, "One")
	p2 := env.createPlayer(t, orgID, "Two")

	start := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	for i := 0; i < 2; i++ {
		rec, _ := env.do(t, http.MethodPost, "/v1/matches",
			submissionBody(orgID, p1, p2, start.Add(time.Duration(i)*time.Hour)), nil)
		require.Equal(t, http.StatusCreated, rec.Code)
		// Keep the two events' applied_at instants distinct.
		time.Sleep(2 * time.Millisecond)
	}

	base := fmt.Sprintf("/v1/organizations/%s/players/%s", orgID, p1)
	rec, body := env.do(t, http.MethodGet, base+"/rating-events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []models.RatingEvent
	require.NoError(t, json.Unmarshal(body.Data, &events))
	require.Len(t, events, 2)

	// Single event, and cross-player isolation.
	rec, _ = env.do(t, http.MethodGet, base+"/rating-events/"+events[0].ID, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	otherBase := fmt.Sprintf("/v1/organizations/%s/players/%s", orgID, p2)
	rec, _ = env.do(t, http.MethodGet, otherBase+"/rating-events/"+events[0].ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Current snapshot matches the latest event.
	rec, body = env.do(t, http.MethodGet, base+"/rating-snapshot", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap struct {
		Ratings []struct {
			Mu    float64 `json:"mu"`
			Sigma float64 `json:"sigma"`
		} `json:"ratings"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &snap))
	require.Len(t, snap.Ratings, 1)

	// as_of keys on applied_at, the ingestion instant. Before the first
	// event was applied the ladder has no entries.
	first := events[len(events)-1] // list is newest-first
	asOf := first.AppliedAt.Add(-time.Millisecond).Format(time.RFC3339Nano)
	rec, body = env.do(t, http.MethodGet, base+"/rating-snapshot?as_of="+asOf, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(body.Data, &snap))
	assert.Empty(t, snap.Ratings)

	// At exactly the first event's applied_at the snapshot reports the
	// first event's posterior.
	asOf = first.AppliedAt.Format(time.RFC3339Nano)
	rec, body = env.do(t, http.MethodGet, base+"/rating-snapshot?as_of="+asOf, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(body.Data, &snap))
	require.Len(t, snap.Ratings, 1)
	assert.InDelta(t, first.MuAfter, snap.Ratings[0].Mu, 1e-9)
	assert.InDelta(t, first.SigmaAfter, snap.Ratings[0].Sigma, 1e-9)
}

func TestLeaderboardEndpoint(t *testing.T) {
	env := newTestEnv(t, true)
	orgID := env.createOrg(t, "club")
	p1 := env.createPlayer(t, orgID, "One")
	p2 := env.createPlayer(t, orgID, "Two")

	rec, _ := env.do(t, http.MethodPost, "/v1/matches",
		submissionBody(orgID, p1, p2, time.Now().UTC().Add(-time.Hour)), nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	path := fmt.Sprintf("/v1/leaderboards?organization_id=%s&sport=%s&discipline=%s&format=%s",
		orgID, models.SportBadminton, models.DisciplineSingles, formats.FormatBO3Rally21)
	rec, body := env.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var page struct {
		Entries []store.LeaderboardEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &page))
	require.Len(t, page.Entries, 2)
	assert.Equal(t, 1, page.Entries[0].Rank)
	assert.Equal(t, p1, page.Entries[0].Player.ID, "winner leads the board")
	assert.Greater(t, page.Entries[0].Mu, page.Entries[1].Mu)

	// Missing required filters.
	rec, _ = env.do(t, http.MethodGet, "/v1/leaderboards?organization_id="+orgID, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown ladder key.
	rec, _ = env.do(t, http.MethodGet, fmt.Sprintf(
		"/v1/leaderboards?organization_id=%s&sport=%s&discipline=%s&format=%s",
		orgID, models.SportPickleball, models.DisciplineSingles, formats.FormatBO3Rally11), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInsightsEndpointMissingSnapshot(t *testing.T) {
	env := newTestEnv(t, true)
	orgID := env.createOrg(t, "club")
	p1 := env.createPlayer(t, orgID, "One")

	base := fmt.Sprintf("/v1/organizations/%s/players/%s/insights", orgID, p1)
	rec, _ := env.do(t, http.MethodGet, base, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "sport and discipline are required")

	rec, body := env.do(t, http.MethodGet,
		base+"?sport=BADMINTON&discipline=SINGLES", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, "not_found", body.Error.Code)
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, true)
	rec, body := env.do(t, http.MethodGet, "/v1/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, body.Error)
	assert.Equal(t, "not_found", body.Error.Code)
}
