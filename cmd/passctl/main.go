// passctl drives the participant-progress client from a terminal: load and
// save records through the local cache, broadcast mission unlocks, export
// the local mirror, and mint operator tokens.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dalemusser/conspiracypass/internal/app/system/adminauth"
	"github.com/dalemusser/conspiracypass/internal/client/datamanager"
	"github.com/dalemusser/conspiracypass/internal/client/localcache"
	"github.com/dalemusser/conspiracypass/internal/client/remote"
	"github.com/dalemusser/conspiracypass/internal/client/responses"
	"github.com/dalemusser/conspiracypass/internal/domain/models"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var _ responses.Progress = (*datamanager.Manager)(nil)

type options struct {
	api        string
	redisURL   string
	adminCode  string
	tokenKey   string
	timeout    time.Duration
	tokenAge   time.Duration
	format     string
	out        string
	verbose    bool
	device     string
	timeSpent  float64
	pendingRef string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func run(argv []string, stdout io.Writer) error {
	var o options
	fs := pflag.NewFlagSet("passctl", pflag.ContinueOnError)
	fs.StringVar(&o.api, "api", envOr("PASS_API_URL", "http://localhost:8080"), "progress service base URL")
	fs.StringVar(&o.redisURL, "redis", envOr("PASS_REDIS_URL", "redis://localhost:6379/0"), "local cache Redis URL")
	fs.StringVar(&o.adminCode, "admin-code", envOr("PASS_ADMIN_CODE", ""), "admin code or operator token")
	fs.StringVar(&o.tokenKey, "token-key", envOr("PASS_TOKEN_KEY", ""), "operator token signing key (mint-token)")
	fs.DurationVar(&o.timeout, "timeout", remote.DefaultTimeout, "per-request timeout")
	fs.DurationVar(&o.tokenAge, "token-max-age", 24*time.Hour, "operator token lifetime (mint-token)")
	fs.StringVar(&o.format, "format", "csv", "export format: csv or xlsx")
	fs.StringVarP(&o.out, "out", "o", "", "export file (default stdout)")
	fs.StringVar(&o.device, "device", "", "device recorded with answers")
	fs.Float64Var(&o.timeSpent, "time-spent", 0, "seconds spent on a component (complete)")
	fs.StringVar(&o.pendingRef, "referral", "", "referral code captured before the session (session)")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")
	fs.Usage = func() { printHelp(fs) }

	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args := fs.Args()
	if len(args) == 0 {
		printHelp(fs)
		return errors.New("a command is required")
	}

	// mint-token needs neither the service nor the cache.
	if args[0] == "mint-token" {
		return mintToken(o, args[1:], stdout)
	}

	logger, err := newLogger(o.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc, err := remote.New(o.api, remote.WithTimeout(o.timeout), remote.WithLogger(logger))
	if err != nil {
		return err
	}
	cache, err := localcache.Open(ctx, o.redisURL, logger)
	if err != nil {
		return err
	}
	defer cache.Close()

	mgr := datamanager.New(rc, cache, datamanager.Config{AdminCode: o.adminCode, Logger: logger})
	defer mgr.Close()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "load":
		if err := wantArgs(cmd, rest, 1); err != nil {
			return err
		}
		p, err := mgr.LoadUserProgress(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(stdout, p)

	case "save":
		if err := wantArgs(cmd, rest, 2); err != nil {
			return err
		}
		return save(ctx, mgr, rest[0], rest[1], stdout)

	case "unlock", "lock":
		if err := wantArgs(cmd, rest, 1); err != nil {
			return err
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("mission id %q is not a number", rest[0])
		}
		var upd models.MissionUpdate
		if cmd == "unlock" {
			upd, err = mgr.UnlockMissionForAll(ctx, n)
		} else {
			upd, err = mgr.LockMissionForAll(ctx, n)
		}
		if err != nil {
			return err
		}
		return printJSON(stdout, upd)

	case "refresh":
		all, err := mgr.RefreshAllParticipants(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d participants mirrored\n", len(all))
		return nil

	case "export":
		return exportMirror(ctx, mgr, o, stdout)

	case "session":
		if err := wantArgs(cmd, rest, 1); err != nil {
			return err
		}
		p, err := mgr.StartSession(ctx, rest[0], o.pendingRef)
		if err != nil {
			return err
		}
		return printJSON(stdout, p)

	case "award":
		if err := wantArgs(cmd, rest, 3); err != nil {
			return err
		}
		pts, err := strconv.Atoi(rest[2])
		if err != nil {
			return fmt.Errorf("points %q is not a number", rest[2])
		}
		added, err := mgr.AwardSection(ctx, rest[0], rest[1], pts)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "awarded: %t\n", added)
		return nil

	case "answer":
		if err := wantArgs(cmd, rest, 4); err != nil {
			return err
		}
		rm := responses.New(mgr)
		rm.Device = o.device
		return rm.SaveAnswer(ctx, rest[0], rest[1], rest[2], parseValue(rest[3]))

	case "answers":
		if err := wantArgs(cmd, rest, 2); err != nil {
			return err
		}
		got, err := responses.New(mgr).GetAnswers(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}
		return printJSON(stdout, got)

	case "complete":
		if err := wantArgs(cmd, rest, 2); err != nil {
			return err
		}
		rm := responses.New(mgr)
		rm.Device = o.device
		done, err := rm.MarkComponentCompleted(ctx, rest[0], rest[1], o.timeSpent)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "completed: %t\n", done)
		return nil

	case "watch":
		fmt.Fprintln(stdout, "watching for changes; interrupt to stop")
		err := cache.Subscribe(ctx, func(ch localcache.Change) {
			fmt.Fprintf(stdout, "%s %s %s\n", ch.At.Format(time.RFC3339), ch.Key, ch.Code)
		})
		if err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func wantArgs(cmd string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s takes %d argument(s), got %d", cmd, n, len(args))
	}
	return nil
}

// save overlays the JSON object in raw onto the current record for code.
func save(ctx context.Context, mgr *datamanager.Manager, code, raw string, stdout io.Writer) error {
	var patch map[string]any
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		return fmt.Errorf("patch is not a JSON object: %w", err)
	}
	cur, err := mgr.LoadUserProgress(ctx, code)
	if err != nil {
		return err
	}
	b, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	var merged map[string]any
	if err := json.Unmarshal(b, &merged); err != nil {
		return err
	}
	for k, v := range patch {
		merged[k] = v
	}
	if b, err = json.Marshal(merged); err != nil {
		return err
	}
	var next models.Participant
	if err := json.Unmarshal(b, &next); err != nil {
		return fmt.Errorf("patch does not fit a participant record: %w", err)
	}
	if err := mgr.SaveProgress(ctx, code, next); err != nil {
		return err
	}
	p, err := mgr.LoadUserProgress(ctx, code)
	if err != nil {
		return err
	}
	return printJSON(stdout, p)
}

func exportMirror(ctx context.Context, mgr *datamanager.Manager, o options, stdout io.Writer) error {
	var w io.Writer = stdout
	if o.out != "" && o.out != "-" {
		f, err := os.Create(o.out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	switch strings.ToLower(o.format) {
	case "csv":
		return mgr.ExportAllParticipantsCSV(ctx, w)
	case "xlsx":
		if w == stdout && o.out == "" {
			return errors.New("xlsx export needs --out")
		}
		return mgr.ExportAllParticipantsXLSX(ctx, w)
	}
	return fmt.Errorf("unknown export format %q", o.format)
}

func mintToken(o options, args []string, stdout io.Writer) error {
	if err := wantArgs("mint-token", args, 1); err != nil {
		return err
	}
	if len(o.tokenKey) < 32 {
		return errors.New("--token-key must be at least 32 bytes")
	}
	auth := adminauth.New(o.adminCode, []byte(o.tokenKey), o.tokenAge)
	tok, err := auth.MintToken(args[0], time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, tok)
	return nil
}

// parseValue reads an answer as JSON when it parses, else as a plain string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printHelp(fs *pflag.FlagSet) {
	fmt.Fprint(os.Stderr, `passctl - participant progress client

Usage:
  passctl [flags] <command> [args]

Commands:
  load <code>                         fetch a participant (falls back to the local cache)
  save <code> <json>                  overlay a JSON object onto a participant and save
  session <code> [--referral CODE]    start a session for a participant
  award <code> <section> <points>     award a section once
  answer <code> <component> <q> <v>   save one answer
  answers <code> <component>          print a component's answers
  complete <code> <component>         mark a component completed once
  unlock <missionId>                  unlock a mission for everyone
  lock <missionId>                    lock a mission for everyone
  refresh                             mirror every participant into the local cache
  export [--format csv|xlsx] [--out FILE]
  watch                               print local cache change notifications
  mint-token <operator>               print a signed operator token

Flags:
`)
	fs.SetOutput(os.Stderr)
	fs.PrintDefaults()
}
