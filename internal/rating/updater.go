package rating

import (
	"math"

	"github.com/openrating/openrating/internal/models"
)

// PlayerSnapshot is the per-player state handed to the updater. The
// coordinator reads it inside the ingestion transaction; the updater never
// touches storage.
type PlayerSnapshot struct {
	PlayerID string
	Mu       float64
	Sigma    float64
	Matches  int
}

// PairSnapshot is the doubles synergy state for one same-side pair.
type PairSnapshot struct {
	PairKey string
	Gamma   float64
	Matches int
}

// UpdateInput is a fully normalized, winner-decided match plus state
// snapshots for every participant. Missing snapshots are a programmer
// error the coordinator must prevent.
type UpdateInput struct {
	Format     string
	WinnerSide string // models.SideA or models.SideB
	MovWeight  float64
	SideA      []PlayerSnapshot
	SideB      []PlayerSnapshot
	Pairs      map[string]PairSnapshot // keyed by models.PairKey, doubles only
}

type PlayerUpdate struct {
	PlayerID    string
	MuBefore    float64
	MuAfter     float64
	Delta       float64
	SigmaBefore float64
	SigmaAfter  float64
	WinProbPre  float64 // probability this player's side wins, pre-match
}

type PairUpdate struct {
	PairKey       string
	GammaBefore   float64
	GammaAfter    float64
	Delta         float64
	MatchesBefore int
	MatchesAfter  int
	Activated     bool
}

type UpdateResult struct {
	PerPlayer      []PlayerUpdate
	PairUpdates    []PairUpdate
	TeamDelta      float64
	WinProbability float64 // pre-match probability of the declared winner
}

// normCDF is the standard normal CDF.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// Update applies one match to the given snapshots and returns the full
// transition. Pure and deterministic: no clock, no randomness, no storage.
func (p Params) Update(in UpdateInput) UpdateResult {
	mov := p.ClampMov(in.MovWeight)

	muA := teamMu(in.SideA, p.sideGamma(in.SideA, in.Pairs))
	muB := teamMu(in.SideB, p.sideGamma(in.SideB, in.Pairs))

	n := len(in.SideA) + len(in.SideB)
	totalVar := float64(n) * p.Beta * p.Beta
	for _, s := range in.SideA {
		totalVar += s.Sigma * s.Sigma
	}
	for _, s := range in.SideB {
		totalVar += s.Sigma * s.Sigma
	}
	sigmaTotal := math.Sqrt(totalVar)

	muW, muL := muA, muB
	if in.WinnerSide == models.SideB {
		muW, muL = muB, muA
	}
	winProb := normCDF((muW - muL) / sigmaTotal)

	teamDelta := p.Step(in.Format) * mov * (1 - winProb)

	result := UpdateResult{
		TeamDelta:      teamDelta,
		WinProbability: winProb,
		PerPlayer:      make([]PlayerUpdate, 0, n),
	}

	winnerA := in.WinnerSide == models.SideA
	result.PerPlayer = append(result.PerPlayer,
		p.sideUpdates(in.SideA, teamDelta, winnerA, winProb, totalVar)...)
	result.PerPlayer = append(result.PerPlayer,
		p.sideUpdates(in.SideB, teamDelta, !winnerA, winProb, totalVar)...)

	result.PairUpdates = p.pairUpdates(in, mov, winProb)
	return result
}

// teamMu is the mean of the side's posteriors plus its activated synergy.
func teamMu(side []PlayerSnapshot, gamma float64) float64 {
	if len(side) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range side {
		sum += s.Mu
	}
	return sum/float64(len(side)) + gamma
}

// sideGamma returns the activated γ for a side, or 0 for singles and
// unactivated pairs.
func (p Params) sideGamma(side []PlayerSnapshot, pairs map[string]PairSnapshot) float64 {
	if len(side) != 2 || pairs == nil {
		return 0
	}
	pair, ok := pairs[models.PairKey(side[0].PlayerID, side[1].PlayerID)]
	if !ok || pair.Matches < p.SynergyActivation {
		return 0
	}
	return pair.Gamma
}

// sideUpdates splits the team delta across one side weighted by each
// player's variance share, and advances every sigma.
func (p Params) sideUpdates(side []PlayerSnapshot, teamDelta float64, won bool, winProb, totalVar float64) []PlayerUpdate {
	sideVar := 0.0
	for _, s := range side {
		sideVar += s.Sigma * s.Sigma
	}

	sign := 1.0
	prob := winProb
	if !won {
		sign = -1
		prob = 1 - winProb
	}

	updates := make([]PlayerUpdate, 0, len(side))
	for _, s := range side {
		share := 1.0
		if sideVar > 0 {
			share = s.Sigma * s.Sigma / sideVar
		}
		delta := sign * teamDelta * share

		variance := s.Sigma * s.Sigma
		sigmaAfter := math.Sqrt(variance*(1-variance/totalVar) + p.Tau*p.Tau)
		if sigmaAfter < p.SigmaMin {
			sigmaAfter = p.SigmaMin
		}

		updates = append(updates, PlayerUpdate{
			PlayerID:    s.PlayerID,
			MuBefore:    s.Mu,
			MuAfter:     s.Mu + delta,
			Delta:       delta,
			SigmaBefore: s.Sigma,
			SigmaAfter:  sigmaAfter,
			WinProbPre:  prob,
		})
	}
	return updates
}

func (p Params) pairUpdates(in UpdateInput, mov, winProb float64) []PairUpdate {
	if len(in.SideA) != 2 || len(in.SideB) != 2 {
		return nil
	}

	updates := make([]PairUpdate, 0, 2)
	for _, side := range []struct {
		players []PlayerSnapshot
		won     bool
	}{
		{in.SideA, in.WinnerSide == models.SideA},
		{in.SideB, in.WinnerSide == models.SideB},
	} {
		key := models.PairKey(side.players[0].PlayerID, side.players[1].PlayerID)
		pair := in.Pairs[key]

		update := PairUpdate{
			PairKey:       key,
			GammaBefore:   pair.Gamma,
			GammaAfter:    pair.Gamma,
			MatchesBefore: pair.Matches,
			MatchesAfter:  pair.Matches + 1,
		}

		if pair.Matches >= p.SynergyActivation {
			sign := 1.0
			if !side.won {
				sign = -1
			}
			update.Delta = sign * p.SynergyStep * mov * (1 - winProb)
			update.GammaAfter = pair.Gamma + update.Delta
			update.Activated = true
		}
		updates = append(updates, update)
	}
	return updates
}
