// Package server exposes the websocket endpoint and operational routes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/park285/pvp-chess-server/internal/domain"
	"github.com/park285/pvp-chess-server/internal/hub"
	"github.com/park285/pvp-chess-server/internal/rules"
	"github.com/park285/pvp-chess-server/internal/statestore"
)

// Store is what the operational routes read from the state store.
type Store interface {
	Ping(ctx context.Context) error
	State(ctx context.Context, gameID int64) (*statestore.GameState, error)
	Moves(ctx context.Context, gameID int64) ([]string, error)
	GameNode(ctx context.Context, gameID int64) (string, error)
	ReleasePlayers(ctx context.Context, gameID int64, playerIDs ...string) (int64, error)
}

const healthTimeout = 2 * time.Second

// NewRouter mounts ws on /ws next to /healthz and the /debug routes.
func NewRouter(h *hub.Hub, ws http.Handler, store Store, nodeID string, logger *zap.Logger) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Handle("/ws", ws)
	r.With(accessLog(logger)).Get("/healthz", health(h, store, nodeID))
	r.Route("/debug", func(r chi.Router) {
		r.Use(accessLog(logger))
		r.Get("/queues", queues(h))
		r.Get("/games/{gameID}", gameInfo(store))
		r.Post("/games/{gameID}/release", releaseGame(store))
	})
	return r
}

func health(h *hub.Hub, store Store, nodeID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		body := map[string]any{
			"ok":    true,
			"redis": "up",
			"node":  nodeID,
			"games": h.Registry().GameCount(),
			"conns": len(h.Registry().OpenConns()),
		}
		status := http.StatusOK
		if err := store.Ping(ctx); err != nil {
			body["ok"] = false
			body["redis"] = "down"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, body)
	}
}

func queues(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := make(map[string]int)
		for tier, n := range h.Engine().Snapshot() {
			out[string(tier)] = n
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// gameInfo reports the stored state, the move log and whether replaying the
// log reproduces the stored position.
func gameInfo(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := loadGame(w, r, store)
		if !ok {
			return
		}
		moves, err := store.Moves(r.Context(), st.GameID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		node, err := store.GameNode(r.Context(), st.GameID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		pos, replayed := rules.Replay(moves)
		writeJSON(w, http.StatusOK, map[string]any{
			"state":      st,
			"moves":      moves,
			"node":       node,
			"consistent": replayed && pos.FEN() == st.FEN,
		})
	}
}

// releaseGame drops the player bindings of a finished game.
func releaseGame(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := loadGame(w, r, store)
		if !ok {
			return
		}
		if st.Status != domain.StatusFinished {
			writeError(w, http.StatusConflict, "game is not finished")
			return
		}
		n, err := store.ReleasePlayers(r.Context(), st.GameID, st.WhiteID, st.BlackID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"gameId": st.GameID, "released": n})
	}
}

func loadGame(w http.ResponseWriter, r *http.Request, store Store) (*statestore.GameState, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "gameID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return nil, false
	}
	st, err := store.State(r.Context(), id)
	switch {
	case errors.Is(err, statestore.ErrGameNotFound):
		writeError(w, http.StatusNotFound, "game not found")
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return st, true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// accessLog logs one line per request. The websocket route is left out
// because its handler lives for the whole connection.
func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			logger.Info("http_request",
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
