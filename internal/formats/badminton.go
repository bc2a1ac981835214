package formats

import (
	"fmt"

	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/rating"
	"github.com/openrating/openrating/pkg/utils"
)

// FormatBO3Rally21 is best-of-three 21-point rally scoring badminton.
const FormatBO3Rally21 = "BO3_21RALLY"

// badmintonRally normalizes best-of-three 21-point rally badminton.
// Game rules: winner reaches 21, extended by two-point-lead deuce play up
// to a hard cap at 30 (30-29 is a valid finish).
type badmintonRally struct {
	discipline string
	params     rating.Params
}

func (b *badmintonRally) Key() FormatKey {
	return FormatKey{Sport: models.SportBadminton, Discipline: b.discipline, Format: FormatBO3Rally21}
}

func (b *badmintonRally) Normalize(sub *Submission) (*NormalizedMatch, *utils.AppError) {
	perSide, ok := playersPerSide(b.discipline)
	if !ok {
		return nil, utils.ValidationError("unknown discipline " + b.discipline)
	}
	sideA, sideB, err := validateSides(sub, perSide)
	if err != nil {
		return nil, err
	}

	// Scoreless archival record: persist unrated.
	if len(sub.Games) == 0 {
		return &NormalizedMatch{
			Sport:      sub.Sport,
			Discipline: sub.Discipline,
			Format:     sub.Format,
			SideA:      sideA,
			SideB:      sideB,
			Winner:     sub.Winner,
			Rated:      false,
			SkipReason: SkipReasonMissingScores,
		}, nil
	}

	games, err := sortedGames(sub.Games)
	if err != nil {
		return nil, err
	}
	if len(games) > 3 {
		return nil, utils.ValidationError("best-of-three allows at most 3 games")
	}
	for _, g := range games {
		if err := validRallyGame(g, 21, 30); err != nil {
			return nil, err
		}
	}

	winner, err := tallyWinner(games)
	if err != nil {
		return nil, err
	}

	return &NormalizedMatch{
		Sport:      sub.Sport,
		Discipline: sub.Discipline,
		Format:     sub.Format,
		SideA:      sideA,
		SideB:      sideB,
		Games:      games,
		Winner:     winner,
		MovWeight:  movWeight(games, 10, b.params),
		Rated:      true,
	}, nil
}

// validRallyGame checks one rally-scored game against (target, limit):
// the winner reaches target, past target they must hold a two-point lead,
// and the limit score wins regardless of lead.
func validRallyGame(g SubmissionGame, target, limit int) *utils.AppError {
	hi, lo := g.A, g.B
	if lo > hi {
		hi, lo = lo, hi
	}
	if lo < 0 {
		return utils.ValidationError(fmt.Sprintf("game %d has a negative score", g.GameNo))
	}

	switch {
	case hi < target || hi > limit:
		return utils.ValidationError(fmt.Sprintf(
			"game %d: winning score %d must be between %d and %d", g.GameNo, hi, target, limit))
	case hi == target:
		if lo > target-2 {
			return utils.ValidationError(fmt.Sprintf(
				"game %d: %d-%d lacks the required two-point lead", g.GameNo, hi, lo))
		}
	case hi < limit:
		// Deuce play: score walks in lockstep, winner leads by exactly 2.
		if hi-lo != 2 {
			return utils.ValidationError(fmt.Sprintf(
				"game %d: deuce score %d-%d must end with a two-point lead", g.GameNo, hi, lo))
		}
	default: // hi == limit
		if lo < limit-2 || lo >= limit {
			return utils.ValidationError(fmt.Sprintf(
				"game %d: cap score %d-%d is not reachable", g.GameNo, hi, lo))
		}
	}
	return nil
}
