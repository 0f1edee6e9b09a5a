package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pixelwar/api"
	"pixelwar/claim"
	"pixelwar/config"
	"pixelwar/engine"
	"pixelwar/ledger"
	telemetry "pixelwar/observability/otel"
	"pixelwar/view"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("watch", stderr)
	var flags commonFlags
	flags.register(fs, true)
	var listen string
	var drainOnExit bool
	fs.StringVar(&listen, "api", "", "API listen address (defaults to api.listen)")
	fs.BoolVar(&drainOnExit, "drain-on-exit", false, "reclaim the session balance when stopping")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx, stop := signalContext()
	defer stop()

	s, err := openSession(ctx, flags)
	if err != nil {
		return fail(stderr, err)
	}
	defer s.Close()
	if err := s.requireGame(); err != nil {
		return fail(stderr, err)
	}

	tcfg := s.cfg.Telemetry
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: s.cfg.Environment,
		Endpoint:    tcfg.Endpoint,
		Insecure:    tcfg.Insecure,
		Headers:     tcfg.Headers,
		Metrics:     tcfg.Metrics,
		Traces:      tcfg.Traces,
	})
	if err != nil {
		return fail(stderr, fmt.Errorf("init telemetry: %w", err))
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	eng, err := s.rt.Engine(s.gameID)
	if err != nil {
		return fail(stderr, err)
	}
	eng.Start(ctx)

	if listen == "" {
		listen = s.cfg.API.Listen
	}
	var claims api.ClaimLog
	if s.rt.Journal != nil {
		claims = s.rt.Journal
	}
	server := api.New(api.Config{
		GameID:         s.gameID,
		JWTSecret:      s.cfg.API.JWTSecret,
		RateLimit:      s.cfg.API.RateLimit,
		RateBurst:      s.cfg.API.RateBurst,
		AllowedOrigins: s.cfg.API.AllowedOrigins,
	}, eng, claims, s.logger)
	serveErr := server.ListenAndServe(ctx, listen)

	if drainOnExit {
		drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		outcome := eng.Exit(drainCtx)
		cancel()
		fmt.Fprintf(stdout, "Session drain: %s\n", outcome)
	} else {
		eng.Stop()
	}
	if serveErr != nil {
		return fail(stderr, serveErr)
	}
	return 0
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var flags commonFlags
	flags.register(fs, false)
	var grid, maxPlayers int
	var duration time.Duration
	var stake string
	fs.IntVar(&grid, "grid", 10, "grid side length")
	fs.DurationVar(&duration, "duration", 10*time.Minute, "contest duration once started")
	fs.IntVar(&maxPlayers, "max-players", 4, "maximum number of players")
	fs.StringVar(&stake, "stake", "0.01", "stake per player in native units")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	stakeWei, err := config.Wei(stake)
	if err != nil {
		return fail(stderr, fmt.Errorf("stake: %w", err))
	}
	if grid <= 0 || maxPlayers <= 0 || duration <= 0 {
		return fail(stderr, fmt.Errorf("grid, max-players and duration must be positive"))
	}
	ctx, stop := signalContext()
	defer stop()
	s, err := openSession(ctx, flags)
	if err != nil {
		return fail(stderr, err)
	}
	defer s.Close()
	if err := s.checkedWrite(ctx); err != nil {
		return fail(stderr, fmt.Errorf("%s", ledger.UserMessage(err)))
	}
	id, err := s.rt.Accessor.CreateGame(ctx, s.rt.Primary, ledger.CreateParams{
		GridSize:   grid,
		Duration:   duration,
		MaxPlayers: maxPlayers,
		Stake:      stakeWei,
	})
	if err != nil {
		return fail(stderr, fmt.Errorf("create: %s", ledger.UserMessage(err)))
	}
	fmt.Fprintf(stdout, "Created record %d\n", id)
	s.setupSession(ctx, id, stdout)
	return 0
}

func runJoin(args []string, stdout, stderr io.Writer) int {
	return runGameWrite("join", args, stdout, stderr, func(ctx context.Context, s *session) error {
		if err := s.rt.Accessor.JoinGame(ctx, s.rt.Primary, s.gameID); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Joined record %d\n", s.gameID)
		s.setupSession(ctx, s.gameID, stdout)
		return nil
	})
}

func runStart(args []string, stdout, stderr io.Writer) int {
	return runGameWrite("start", args, stdout, stderr, func(ctx context.Context, s *session) error {
		if err := s.rt.Accessor.StartGame(ctx, s.rt.Primary, s.gameID); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Started record %d\n", s.gameID)
		return nil
	})
}

func runEnd(args []string, stdout, stderr io.Writer) int {
	return runGameWrite("end", args, stdout, stderr, func(ctx context.Context, s *session) error {
		if err := s.rt.Accessor.EndGame(ctx, s.rt.Primary, s.gameID); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Finalised record %d\n", s.gameID)
		return nil
	})
}

func runGameWrite(name string, args []string, stdout, stderr io.Writer, fn func(context.Context, *session) error) int {
	fs := newFlagSet(name, stderr)
	var flags commonFlags
	flags.register(fs, true)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx, stop := signalContext()
	defer stop()
	s, err := openSession(ctx, flags)
	if err != nil {
		return fail(stderr, err)
	}
	defer s.Close()
	if err := s.requireGame(); err != nil {
		return fail(stderr, err)
	}
	if err := s.checkedWrite(ctx); err != nil {
		return fail(stderr, fmt.Errorf("%s", ledger.UserMessage(err)))
	}
	if err := fn(ctx, s); err != nil {
		s.logger.Debug(name+" failed", slog.String("error", err.Error()))
		return fail(stderr, fmt.Errorf("%s: %s", name, ledger.UserMessage(err)))
	}
	return 0
}

func runClaim(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("claim", stderr)
	var flags commonFlags
	flags.register(fs, true)
	var x, y int
	var confirm bool
	fs.IntVar(&x, "x", -1, "cell column")
	fs.IntVar(&y, "y", -1, "cell row")
	fs.BoolVar(&confirm, "confirm", false, "ask for confirmation on stdin before submitting")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx, stop := signalContext()
	defer stop()
	s, err := openSession(ctx, flags)
	if err != nil {
		return fail(stderr, err)
	}
	defer s.Close()
	if err := s.requireGame(); err != nil {
		return fail(stderr, err)
	}
	if err := s.checkedWrite(ctx); err != nil {
		return fail(stderr, fmt.Errorf("%s", ledger.UserMessage(err)))
	}
	var opts []engine.Option
	if confirm {
		opts = append(opts, engine.WithGate(promptGate(os.Stdin, stdout)))
	}
	eng, err := s.rt.Engine(s.gameID, opts...)
	if err != nil {
		return fail(stderr, err)
	}
	defer eng.Stop()
	if !eng.RefreshRecord(ctx) {
		return fail(stderr, fmt.Errorf("could not read record %d", s.gameID))
	}
	eng.Reconcile(ctx)
	if err := eng.Claim(ctx, x, y); err != nil {
		return fail(stderr, fmt.Errorf("%s", claim.Message(err)))
	}
	fmt.Fprintf(stdout, "Claimed (%d, %d); %d paint tokens left\n", x, y, eng.Snapshot().Tokens)
	return 0
}

// promptGate asks the operator to approve each claim. Anything but "y" or
// "yes" cancels it.
func promptGate(in io.Reader, out io.Writer) claim.Gate {
	reader := bufio.NewReader(in)
	return claim.GateFunc(func(ctx context.Context, c view.Coord) (bool, error) {
		fmt.Fprintf(out, "Paint (%d, %d)? [y/N] ", c.X, c.Y)
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	})
}

func runFund(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("fund", stderr)
	var flags commonFlags
	flags.register(fs, false)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx, stop := signalContext()
	defer stop()
	s, err := openSession(ctx, flags)
	if err != nil {
		return fail(stderr, err)
	}
	defer s.Close()
	if err := s.checkedWrite(ctx); err != nil {
		return fail(stderr, fmt.Errorf("%s", ledger.UserMessage(err)))
	}
	if err := s.rt.Session.Fund(ctx); err != nil {
		s.logger.Debug("fund failed", slog.String("error", err.Error()))
		return fail(stderr, fmt.Errorf("fund: %s", ledger.UserMessage(err)))
	}
	fmt.Fprintf(stdout, "Session key %s balance %s\n", s.rt.Session.Address().Hex(), s.rt.Session.Balance())
	return 0
}

func runDrain(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("drain", stderr)
	var flags commonFlags
	flags.register(fs, false)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx, stop := signalContext()
	defer stop()
	s, err := openSession(ctx, flags)
	if err != nil {
		return fail(stderr, err)
	}
	defer s.Close()
	outcome := s.rt.Session.Drain(ctx)
	if err := s.rt.Session.Clear(); err != nil {
		s.logger.Warn("clear session credential", slog.String("error", err.Error()))
	}
	fmt.Fprintf(stdout, "Session drain: %s\n", outcome)
	return 0
}

func runInfo(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("info", stderr)
	var flags commonFlags
	flags.register(fs, true)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx, stop := signalContext()
	defer stop()
	s, err := openSession(ctx, flags)
	if err != nil {
		return fail(stderr, err)
	}
	defer s.Close()
	if err := s.requireGame(); err != nil {
		return fail(stderr, err)
	}
	eng, err := s.rt.Engine(s.gameID)
	if err != nil {
		return fail(stderr, err)
	}
	defer eng.Stop()
	if !eng.RefreshRecord(ctx) {
		return fail(stderr, fmt.Errorf("could not read record %d", s.gameID))
	}
	eng.Reconcile(ctx)
	s.rt.Session.Poll(ctx)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", strings.Repeat(" ", 2))
	if err := enc.Encode(eng.Snapshot()); err != nil {
		return fail(stderr, err)
	}
	return 0
}
