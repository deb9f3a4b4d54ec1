package domain

import (
	"strings"
	"time"
)

// Player is the identity supplied by a client at join time. Immutable after creation.
type Player struct {
	ID       string
	Name     string
	Rating   int
	JoinedAt time.Time
}

func (p Player) String() string {
	return p.ID + "(" + strings.TrimSpace(p.Name) + ")"
}

// Colour identifies a side of the board. Seat 0 is always white.
type Colour string

const (
	White Colour = "WHITE"
	Black Colour = "BLACK"
)

func (c Colour) Opposite() Colour {
	if c == White {
		return Black
	}
	return White
}

// Seat returns the seat index for the colour.
func (c Colour) Seat() int {
	if c == Black {
		return 1
	}
	return 0
}

// ColourOfSeat maps a seat index back to its colour.
func ColourOfSeat(seat int) Colour {
	if seat == 1 {
		return Black
	}
	return White
}

type GameStatus string

const (
	StatusOngoing  GameStatus = "ONGOING"
	StatusFinished GameStatus = "FINISHED"
)

type GameResult string

const (
	WhiteWin GameResult = "WHITE_WIN"
	BlackWin GameResult = "BLACK_WIN"
	Draw     GameResult = "DRAW"
)

// WinFor returns the result crediting the given colour.
func WinFor(c Colour) GameResult {
	if c == Black {
		return BlackWin
	}
	return WhiteWin
}

type GameOverReason string

const (
	ReasonCheckmate            GameOverReason = "CHECKMATE"
	ReasonStalemate            GameOverReason = "STALEMATE"
	ReasonResign               GameOverReason = "RESIGN"
	ReasonAbandon              GameOverReason = "ABANDON"
	ReasonAgreedDraw           GameOverReason = "AGREED_DRAW"
	ReasonFiftyMove            GameOverReason = "FIFTY_MOVE"
	ReasonRepetition           GameOverReason = "REPETITION"
	ReasonInsufficientMaterial GameOverReason = "INSUFFICIENT_MATERIAL"
)
