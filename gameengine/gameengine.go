// Package gameengine provides a minimal ports.GameEngine used for
// replay verification (spec §4.8 step 4, Non-goals: "Game-rule
// simulation ... provided by an external engine used only for replay
// verification"). The real game-rule engine is explicitly out of scope
// for this core; Deterministic is a reference implementation good
// enough to drive the replay contract in tests and to show callers what
// shape a real engine slots into.
package gameengine

import (
	"context"
	"fmt"

	"github.com/ocentra/matchcore/models"
)

// Deterministic replays a move sequence by folding move counts and the
// last player turn, without any real rule engine. Of the state it
// produces, the Verifier compares only move_count with the on-chain state.
type Deterministic struct{}

// NewDeterministic returns a replay engine with no external dependency.
func NewDeterministic() *Deterministic { return &Deterministic{} }

func (Deterministic) Replay(_ context.Context, _ int, _ interface{}, moves []models.Move) (map[string]interface{}, error) {
	if len(moves) == 0 {
		return map[string]interface{}{"move_count": 0}, nil
	}

	playerCount := 0
	seen := make(map[string]bool)
	for _, m := range moves {
		if !seen[m.PlayerID] {
			seen[m.PlayerID] = true
			playerCount++
		}
	}
	if playerCount == 0 {
		return nil, fmt.Errorf("gameengine: no players found in move sequence")
	}

	currentPlayer := (len(moves)) % playerCount
	return map[string]interface{}{
		"move_count":     len(moves),
		"current_player": currentPlayer,
	}, nil
}
