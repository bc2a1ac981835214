package formats

import (
	"github.com/openrating/openrating/internal/models"
	"github.com/openrating/openrating/internal/rating"
	"github.com/openrating/openrating/pkg/utils"
)

// FormatBO3Rally11 is best-of-three 11-point rally scoring pickleball,
// win by two, hard cap at 15.
const FormatBO3Rally11 = "BO3_11RALLY"

type pickleballRally struct {
	discipline string
	params     rating.Params
}

func (p *pickleballRally) Key() FormatKey {
	return FormatKey{Sport: models.SportPickleball, Discipline: p.discipline, Format: FormatBO3Rally11}
}

func (p *pickleballRally) Normalize(sub *Submission) (*NormalizedMatch, *utils.AppError) {
	perSide, ok := playersPerSide(p.discipline)
	if !ok {
		return nil, utils.ValidationError("unknown discipline " + p.discipline)
	}
	sideA, sideB, err := validateSides(sub, perSide)
	if err != nil {
		return nil, err
	}

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
		if err := validRallyGame(g, 11, 15); err != nil {
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
		MovWeight:  movWeight(games, 5, p.params),
		Rated:      true,
	}, nil
}
