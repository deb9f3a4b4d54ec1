package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/park285/pvp-chess-server/internal/obslog"
	"github.com/park285/pvp-chess-server/internal/wire"
	"github.com/park285/pvp-chess-server/internal/wsclient"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatalf("chess-client: %v", err)
	}
}

func run() error {
	var url, playerID, name, logLevel string
	var rating int
	flagSet := pflag.NewFlagSet("chess-client", pflag.ContinueOnError)
	flagSet.StringVar(&url, "url", "ws://localhost:8080/ws", "server websocket URL")
	flagSet.StringVar(&playerID, "id", "", "player id (default: random)")
	flagSet.StringVar(&name, "name", "guest", "display name")
	flagSet.IntVar(&rating, "rating", 1200, "rating used for matchmaking")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if strings.TrimSpace(playerID) == "" {
		playerID = uuid.NewString()
	}

	logger, err := obslog.Init(obslog.Config{Level: logLevel, Format: "console", Console: true})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cl := wsclient.New(wsclient.Options{URL: url, Logger: logger.Named("ws")})
	if err := cl.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", url, err)
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = cl.Close(cctx)
	}()
	if err := cl.Join(ctx, wire.Join{PlayerID: playerID, Name: name, Rating: rating}); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	fmt.Printf("joined as %s (%d), waiting for an opponent...\n", playerID, rating)

	lines := readLines(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-cl.States():
			if st == wsclient.StateFailed {
				return errors.New("connection lost")
			}
			if st == wsclient.StateReconnecting {
				fmt.Println("connection lost, reconnecting...")
			}
		case env := <-cl.Messages():
			render(os.Stdout, env)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleInput(ctx, cl, line, logger); quit {
				return nil
			}
		}
	}
}

// readLines feeds stdin into a channel so that the main loop never blocks on input.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- strings.TrimSpace(sc.Text())
		}
	}()
	return out
}

func handleInput(ctx context.Context, cl *wsclient.Client, line string, logger *zap.Logger) bool {
	var err error
	switch strings.ToLower(line) {
	case "":
		return false
	case "quit", "exit":
		return true
	case "resign":
		err = cl.Resign(ctx)
	default:
		err = cl.Move(ctx, line)
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
		logger.Debug("input_failed", zap.String("line", line), zap.Error(err))
	}
	return false
}

func render(w io.Writer, env wire.Envelope) {
	switch env.Type {
	case wire.TypeMatchFound:
		var m wire.MatchFound
		if env.Bind(&m) == nil {
			fmt.Fprintf(w, "game %d: you play %s against %s (%d)\nfen %s\n", m.GameID, m.Colour, m.Opponent.Name, m.Opponent.Rating, m.InitialFEN)
		}
	case wire.TypeMove:
		var m wire.MoveBroadcast
		if env.Bind(&m) == nil {
			fmt.Fprintf(w, "%s  →  %s to play\nfen %s\n", m.UCI, m.ToPlay, m.FEN)
		}
	case wire.TypePause:
		var p wire.Pause
		if env.Bind(&p) == nil {
			fmt.Fprintf(w, "opponent disconnected, waiting until %s\n", time.UnixMilli(p.ResumeDeadlineMillis).Format(time.Kitchen))
		}
	case wire.TypeResumeOK:
		var r wire.ResumeOK
		if env.Bind(&r) == nil {
			fmt.Fprintf(w, "resumed game %d as %s, %s to play\nfen %s\n", r.GameID, r.YourColour, r.ToPlay, r.FEN)
		}
	case wire.TypeOpponentReconnected:
		fmt.Fprintln(w, "opponent reconnected")
	case wire.TypeGameOver:
		var g wire.GameOver
		if env.Bind(&g) == nil {
			fmt.Fprintf(w, "game over: %s (%s)\n", g.Result, g.Reason)
		}
	case wire.TypeError:
		var e wire.Error
		if env.Bind(&e) == nil {
			fmt.Fprintf(w, "! %s: %s\n", e.Code, e.Message)
		}
	default:
		fmt.Fprintf(w, "? %s %s\n", env.Type, string(env.Payload))
	}
}
