// Package rules is the boundary to the chess rules engine. Positions are
// immutable values rebuilt from the move list, so a rejected move never
// disturbs the game it was tried against.
package rules

import (
	"regexp"
	"strings"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/pvp-chess-server/internal/domain"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

var uciPattern = regexp.MustCompile(`^[a-h][1-8][a-h][1-8][qrbn]?$`)

type Kind int

const (
	Applied Kind = iota
	Illegal
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Illegal:
		return "illegal"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Verdict is the terminal state reached by a move, if any.
type Verdict struct {
	Result domain.GameResult
	Reason domain.GameOverReason
}

// Position is an immutable game state.
type Position struct {
	moves []string
	fen   string
	turn  domain.Colour
}

// Start returns the initial position.
func Start() Position {
	return Position{fen: StartFEN, turn: domain.White}
}

func (p Position) FEN() string { return p.fen }

func (p Position) ToPlay() domain.Colour { return p.turn }

// Moves returns a copy of the UCI move list.
func (p Position) Moves() []string {
	out := make([]string, len(p.moves))
	copy(out, p.moves)
	return out
}

// Outcome describes what Apply did.
type Outcome struct {
	Kind     Kind
	UCI      string
	Position Position
	Check    bool
	Verdict  *Verdict
}

// Normalize lowercases and trims a UCI string.
func Normalize(uci string) string {
	return strings.ToLower(strings.TrimSpace(uci))
}

// Apply plays uci on p. p itself is never modified.
func Apply(p Position, uci string) Outcome {
	uci = Normalize(uci)
	if !uciPattern.MatchString(uci) {
		return Outcome{Kind: Malformed, UCI: uci, Position: p}
	}

	game, ok := replay(p.moves)
	if !ok {
		return Outcome{Kind: Illegal, UCI: uci, Position: p}
	}
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return Outcome{Kind: Illegal, UCI: uci, Position: p}
	}

	moves := make([]string, len(p.moves), len(p.moves)+1)
	copy(moves, p.moves)
	next := Position{
		moves: append(moves, uci),
		fen:   game.FEN(),
		turn:  colourFrom(game.Position().Turn()),
	}

	out := Outcome{Kind: Applied, UCI: uci, Position: next}
	if last := lastMove(game); last != nil {
		out.Check = last.HasTag(nchess.Check)
	}
	out.Verdict = verdictOf(game)
	return out
}

// Replay rebuilds a position from a stored UCI move list.
func Replay(moves []string) (Position, bool) {
	game, ok := replay(moves)
	if !ok {
		return Position{}, false
	}
	cp := make([]string, len(moves))
	copy(cp, moves)
	return Position{moves: cp, fen: game.FEN(), turn: colourFrom(game.Position().Turn())}, true
}

func replay(moves []string) (*nchess.Game, bool) {
	game := nchess.NewGame()
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, false
		}
	}
	return game, true
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func verdictOf(game *nchess.Game) *Verdict {
	switch game.Outcome() {
	case nchess.WhiteWon:
		return &Verdict{Result: domain.WhiteWin, Reason: domain.ReasonCheckmate}
	case nchess.BlackWon:
		return &Verdict{Result: domain.BlackWin, Reason: domain.ReasonCheckmate}
	case nchess.Draw:
		return &Verdict{Result: domain.Draw, Reason: drawReason(game.Method())}
	default:
		return nil
	}
}

func drawReason(m nchess.Method) domain.GameOverReason {
	switch m {
	case nchess.Stalemate:
		return domain.ReasonStalemate
	case nchess.InsufficientMaterial:
		return domain.ReasonInsufficientMaterial
	case nchess.FivefoldRepetition, nchess.ThreefoldRepetition:
		return domain.ReasonRepetition
	case nchess.SeventyFiveMoveRule, nchess.FiftyMoveRule:
		return domain.ReasonFiftyMove
	default:
		return domain.ReasonAgreedDraw
	}
}

func colourFrom(c nchess.Color) domain.Colour {
	if c == nchess.Black {
		return domain.Black
	}
	return domain.White
}
