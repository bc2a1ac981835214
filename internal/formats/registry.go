package formats

import (
	"fmt"
	"sort"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/rating"
	"github.com/openrating/openrating/pkg/utils"
)

// FormatKey identifies one normalizer: a sport's rules for one discipline
// and scoring format.
type FormatKey struct {
	Sport      string
	Discipline string
	Format     string
}

func (k FormatKey) String() string {
	return k.Sport + "/" + k.Discipline + "/" + k.Format
}

// Normalizer validates a raw submission under one format's rules and
// derives winner and margin-of-victory weight.
type Normalizer interface {
	Key() FormatKey
	Normalize(sub *Submission) (*NormalizedMatch, *utils.AppError)
}

// Registry holds the polymorphic set of normalizers keyed by
// (sport, discipline, format).
type Registry struct {
	entries map[FormatKey]Normalizer
}

// NewRegistry builds a registry with every built-in format registered.
func NewRegistry(params rating.Params) *Registry {
	r := &Registry{entries: make(map[FormatKey]Normalizer)}
	for _, discipline := range []string{models.DisciplineSingles, models.DisciplineDoubles} {
		r.Register(&badmintonRally{discipline: discipline, params: params})
		r.Register(&pickleballRally{discipline: discipline, params: params})
	}
	return r
}

func (r *Registry) Register(n Normalizer) {
	r.entries[n.Key()] = n
}

// Normalize dispatches to the registered normalizer for the submission's
// format tuple.
func (r *Registry) Normalize(sub *Submission) (*NormalizedMatch, *utils.AppError) {
	key := FormatKey{Sport: sub.Sport, Discipline: sub.Discipline, Format: sub.Format}
	n, ok := r.entries[key]
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeUnsupportedFormat,
			fmt.Sprintf("no normalizer registered for %s", key))
	}
	return n.Normalize(sub)
}

// Formats lists every registered key, sorted for stable output.
func (r *Registry) Formats() []FormatKey {
	keys := make([]FormatKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// playersPerSide is the side shape each discipline demands.
func playersPerSide(discipline string) (int, bool) {
	switch discipline {
	case models.DisciplineSingles:
		return 1, true
	case models.DisciplineDoubles:
		return 2, true
	default:
		return 0, false
	}
}

// validateSides enforces side shape, distinct players and no player on
// both sides. Returns the ordered player lists.
func validateSides(sub *Submission, perSide int) ([]string, []string, *utils.AppError) {
	sideA, okA := sub.Sides[models.SideA]
	sideB, okB := sub.Sides[models.SideB]
	if !okA || !okB {
		return nil, nil, utils.ValidationError("sides must contain entries A and B")
	}
	if len(sideA.Players) != perSide || len(sideB.Players) != perSide {
		return nil, nil, utils.ValidationError(
			fmt.Sprintf("%s requires exactly %d player(s) per side", sub.Discipline, perSide))
	}

	seen := make(map[string]bool, perSide*2)
	for _, id := range append(append([]string{}, sideA.Players...), sideB.Players...) {
		if id == "" {
			return nil, nil, utils.ValidationError("player id must not be empty")
		}
		if seen[id] {
			return nil, nil, utils.ValidationError(
				fmt.Sprintf("player %s appears more than once", id))
		}
		seen[id] = true
	}
	return sideA.Players, sideB.Players, nil
}

// sortedGames returns the games ordered by game_no, rejecting duplicates.
func sortedGames(games []SubmissionGame) ([]SubmissionGame, *utils.AppError) {
	out := make([]SubmissionGame, len(games))
	copy(out, games)
	sort.Slice(out, func(i, j int) bool { return out[i].GameNo < out[j].GameNo })
	for i := 1; i < len(out); i++ {
		if out[i].GameNo == out[i-1].GameNo {
			return nil, utils.ValidationError(
				fmt.Sprintf("duplicate game_no %d", out[i].GameNo))
		}
	}
	return out, nil
}

// tallyWinner derives the match winner from per-game winners. Ties and
// ambiguity are rejected.
func tallyWinner(games []SubmissionGame) (string, *utils.AppError) {
	winsA, winsB := 0, 0
	for _, g := range games {
		switch {
		case g.A > g.B:
			winsA++
		case g.B > g.A:
			winsB++
		default:
			return "", utils.ValidationError(
				fmt.Sprintf("game %d is tied %d-%d", g.GameNo, g.A, g.B))
		}
	}
	switch {
	case winsA > winsB:
		return models.SideA, nil
	case winsB > winsA:
		return models.SideB, nil
	default:
		return "", utils.ValidationError("match is tied; cannot derive a winner")
	}
}

// movWeight scales the average per-game margin into [MovMin, MovMax].
// marginScale is the margin treated as a blowout for the sport.
func movWeight(games []SubmissionGame, marginScale float64, params rating.Params) float64 {
	if len(games) == 0 {
		return params.MovMin
	}
	total := 0.0
	for _, g := range games {
		diff := g.A - g.B
		if diff < 0 {
			diff = -diff
		}
		total += float64(diff)
	}
	avg := total / float64(len(games))
	frac := avg / marginScale
	if frac > 1 {
		frac = 1
	}
	return params.MovMin + (params.MovMax-params.MovMin)*frac
}
