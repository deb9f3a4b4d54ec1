package wire

import "github.com/park285/pvp-chess-server/internal/domain"

// ErrorCode is surfaced to clients in error{code,message}.
type ErrorCode string

const (
	CodeNotInGame        ErrorCode = "notInGame"
	CodeGameAlreadyEnded ErrorCode = "gameAlreadyEnded"
	CodeGamePaused       ErrorCode = "gamePaused"
	CodeWrongGameID      ErrorCode = "wrongGameId"
	CodePlayerIDMismatch ErrorCode = "playerIdMismatch"
	CodeNotYourTurn      ErrorCode = "notYourTurn"
	CodeResumeDenied     ErrorCode = "resumeDenied"
	CodeIllegalMove      ErrorCode = "illegalMove"
	CodeServerError      ErrorCode = "serverError"
)

// Inbound payloads

type Join struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Rating   int    `json:"rating"`
}

type Move struct {
	GameID   int64  `json:"gameId"`
	PlayerID string `json:"playerId"`
	UCI      string `json:"uci"`
}

type Resume struct {
	GameID   int64  `json:"gameId"`
	PlayerID string `json:"playerId"`
}

type HeartbeatAck struct {
	TS int64 `json:"ts"`
}

type Resign struct {
	GameID   int64  `json:"gameId"`
	PlayerID string `json:"playerId"`
}

// Outbound payloads

type Opponent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Rating int    `json:"rating"`
}

func OpponentOf(p domain.Player) Opponent {
	return Opponent{ID: p.ID, Name: p.Name, Rating: p.Rating}
}

type MatchFound struct {
	GameID     int64         `json:"gameId"`
	YourID     string        `json:"yourId"`
	Colour     domain.Colour `json:"colour"`
	Opponent   Opponent      `json:"opponent"`
	InitialFEN string        `json:"initialFen"`
}

type MoveBroadcast struct {
	GameID int64         `json:"gameId"`
	UCI    string        `json:"uci"`
	FEN    string        `json:"fen"`
	ToPlay domain.Colour `json:"toPlay"`
}

type Pause struct {
	GameID               int64  `json:"gameId"`
	DisconnectedPlayerID string `json:"disconnectedPlayerId"`
	ResumeDeadlineMillis int64  `json:"resumeDeadlineMillis"`
}

type ResumeOK struct {
	GameID     int64         `json:"gameId"`
	FEN        string        `json:"fen"`
	ToPlay     domain.Colour `json:"toPlay"`
	YourColour domain.Colour `json:"yourColour"`
	Opponent   Opponent      `json:"opponent"`
}

type OpponentReconnected struct {
	GameID   int64  `json:"gameId"`
	PlayerID string `json:"playerId"`
}

type GameOver struct {
	GameID   int64                 `json:"gameId"`
	Result   domain.GameResult     `json:"result"`
	Reason   domain.GameOverReason `json:"reason"`
	WinnerID *string               `json:"winnerId,omitempty"`
}

type Heartbeat struct {
	TS int64 `json:"ts"`
}

type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorEnvelope builds an error frame.
func ErrorEnvelope(code ErrorCode, message string) Envelope {
	return Must(TypeError, Error{Code: code, Message: message})
}
