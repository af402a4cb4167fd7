package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/hush/internal/cfg"
	"github.com/linnemanlabs/hush/internal/digestlock"
	"github.com/linnemanlabs/hush/internal/source/amqpsource"
	"github.com/linnemanlabs/hush/internal/triage"
)

// env is what a one-shot command runs against.
type env struct {
	cfg      vc.Config
	log      log.Logger
	out      io.Writer
	svc      *triage.Service
	sinkKind string
	now      func() time.Time
}

type runFunc func(ctx context.Context, e *env, args []string) error

type command struct {
	name    string
	args    string
	summary string
	nargs   int // exact positional count, -1 for any
	// noService commands open the store themselves
	noService bool
	// setup registers command flags and returns the runner bound to them
	setup func(fs *flag.FlagSet) runFunc
}

var commands = []command{
	{name: "check", summary: "check store, policy, sink and optional brokers", nargs: 0, noService: true, setup: static(runCheck)},
	{name: "summary", summary: "show ledger statistics", nargs: 0, setup: setupSummary},
	{name: "policies", summary: "show the current policy", nargs: 0, setup: static(runPolicies)},
	{name: "add-vip", args: "<sender>", summary: "add a VIP sender", nargs: 1, setup: static(policyCommand(triage.OpAddVIP))},
	{name: "remove-vip", args: "<sender>", summary: "remove a VIP sender", nargs: 1, setup: static(policyCommand(triage.OpRemoveVIP))},
	{name: "add-keyword", args: "<keyword>", summary: "add a priority keyword", nargs: 1, setup: static(policyCommand(triage.OpAddKeyword))},
	{name: "remove-keyword", args: "<keyword>", summary: "remove a priority keyword", nargs: 1, setup: static(policyCommand(triage.OpRemoveKeyword))},
	{name: "mute", args: "<app> [until]", summary: "mute an app (2h, 3d, 14:00, 2pm; empty = until unmuted)", nargs: -1, setup: static(runMute)},
	{name: "unmute", args: "<app>", summary: "unmute an app", nargs: 1, setup: static(policyCommand(triage.OpUnmuteApp))},
	{name: "digest", summary: "build and deliver a digest now", nargs: 0, setup: setupDigest},
	{name: "test", summary: "classify a synthetic notification and send its toast", nargs: 0, setup: setupTest},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func static(fn runFunc) func(*flag.FlagSet) runFunc {
	return func(*flag.FlagSet) runFunc { return fn }
}

// runCommand parses flags, wires the service and runs c.
func runCommand(c command, args []string, out io.Writer) error {
	var (
		appCfg vc.Config
		logCfg log.Config
	)
	fs := flag.NewFlagSet(appName+" "+c.name, flag.ContinueOnError)
	appCfg.RegisterFlags(fs)
	logCfg.RegisterFlags(fs)
	run := c.setup(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: %s %s [flags] %s\n\n%s\n\n", appName, c.name, c.args, c.summary)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg.FillFromEnv(fs, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := errors.Join(appCfg.Validate(), logCfg.Validate()); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	pos := fs.Args()
	switch {
	case c.nargs >= 0 && len(pos) != c.nargs:
		return fmt.Errorf("%s takes %d argument(s): %s", c.name, c.nargs, c.args)
	case c.nargs < 0 && len(pos) == 0:
		return fmt.Errorf("%s requires arguments: %s", c.name, c.args)
	}

	lg, err := log.New(logCfg.ToOptions(appName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", "cli", "command", c.name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx, L)

	e := &env{cfg: appCfg, log: L, out: out, now: time.Now}
	if c.noService {
		return run(ctx, e, pos)
	}

	store, closeStore, err := openStore(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	defer closeStore()

	var notifier triage.Notifier
	notifier, e.sinkKind = newNotifier(&appCfg, L)
	opts, err := serviceOptions(&appCfg, triage.Hooks{}, nil)
	if err != nil {
		return err
	}
	e.svc = triage.NewService(store, notifier, L, opts)
	return run(ctx, e, pos)
}

func policyCommand(kind triage.OpKind) runFunc {
	return func(ctx context.Context, e *env, args []string) error {
		op, err := triage.ParsePolicyOp(string(kind), args[0], "", e.now())
		if err != nil {
			return err
		}
		return applyPolicy(ctx, e, op)
	}
}

func runMute(ctx context.Context, e *env, args []string) error {
	if len(args) > 2 {
		return errors.New("mute takes <app> [until]")
	}
	var until string
	if len(args) == 2 {
		until = args[1]
	}
	op, err := triage.ParsePolicyOp(string(triage.OpMuteApp), args[0], until, e.now())
	if err != nil {
		return err
	}
	return applyPolicy(ctx, e, op)
}

func applyPolicy(ctx context.Context, e *env, op triage.PolicyOp) error {
	change, err := e.svc.ManagePolicy(ctx, op)
	if err != nil {
		return err
	}
	if !change.Changed {
		fmt.Fprintf(e.out, "%s\n", change.Message)
		return nil
	}
	fmt.Fprintf(e.out, "%s (policy version %d)\n", change.Message, change.Version)
	return nil
}

func setupSummary(fs *flag.FlagSet) runFunc {
	hours := fs.Int("hours", 24, "hours to look back (0 = all time)")
	return func(ctx context.Context, e *env, _ []string) error {
		if *hours < 0 {
			return fmt.Errorf("invalid -hours %d (must be >= 0)", *hours)
		}
		st, err := e.svc.Stats(ctx, time.Duration(*hours)*time.Hour)
		if err != nil {
			return err
		}
		writeStats(e.out, st, *hours)
		return nil
	}
}

func writeStats(out io.Writer, st *triage.Stats, hours int) {
	window := "all time"
	if hours > 0 {
		window = fmt.Sprintf("last %d hours", hours)
	}
	fmt.Fprintf(out, "Notification summary (%s)\n", window)
	fmt.Fprintf(out, "Total received: %s\n", humanize.Comma(int64(st.Total)))
	fmt.Fprintf(out, "  surfaced:   %d\n", st.ByVerdict[triage.VerdictSurface])
	fmt.Fprintf(out, "  digest:     %d\n", st.ByVerdict[triage.VerdictDigest])
	fmt.Fprintf(out, "  suppressed: %d\n", st.ByVerdict[triage.VerdictSuppress])
	fmt.Fprintf(out, "Pending: %d", st.Pending)
	if !st.OldestPending.IsZero() {
		fmt.Fprintf(out, " (oldest %s)", humanize.Time(st.OldestPending))
	}
	fmt.Fprintln(out)

	if len(st.ByApp) > 0 {
		fmt.Fprintln(out, "\nBy app:")
		apps := slices.SortedFunc(maps.Keys(st.ByApp), func(a, b string) int {
			return cmp.Or(cmp.Compare(st.ByApp[b], st.ByApp[a]), cmp.Compare(a, b))
		})
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, app := range apps {
			fmt.Fprintf(tw, "  %s\t%d\n", app, st.ByApp[app])
		}
		_ = tw.Flush()
	}
	if len(st.TopSenders) > 0 {
		fmt.Fprintln(out, "\nTop senders:")
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		for _, sc := range st.TopSenders[:min(5, len(st.TopSenders))] {
			fmt.Fprintf(tw, "  %s\t%d\n", sc.Sender, sc.Count)
		}
		_ = tw.Flush()
	}
}

func runPolicies(ctx context.Context, e *env, _ []string) error {
	p, err := e.svc.Policy(ctx)
	if err != nil {
		return err
	}
	now := e.now()
	fmt.Fprintf(e.out, "Policy version %d (vip match: %s)\n", p.Version, p.VIPMatch)
	writeList(e.out, "VIP senders", p.VIPSenders)
	writeList(e.out, "Priority keywords", p.PriorityKeywords)
	writeList(e.out, "Suppress patterns", p.SuppressPatterns)

	var muted []string
	for _, app := range slices.Sorted(maps.Keys(p.AppRules)) {
		r := p.AppRules[app]
		if !r.MutedAt(now) {
			continue
		}
		if r.MuteUntil.IsZero() {
			muted = append(muted, r.App+" (until unmuted)")
		} else {
			muted = append(muted, fmt.Sprintf("%s (until %s, %s)", r.App, r.MuteUntil.Local().Format("2006-01-02 15:04"), humanize.Time(r.MuteUntil)))
		}
	}
	writeList(e.out, "Muted apps", muted)

	var sched []string
	for _, s := range p.DigestSchedule {
		sched = append(sched, s.Time+" "+s.Label)
	}
	writeList(e.out, "Digest schedule", sched)
	return nil
}

func writeList(out io.Writer, title string, items []string) {
	fmt.Fprintf(out, "\n%s:\n", title)
	if len(items) == 0 {
		fmt.Fprintln(out, "  (none)")
		return
	}
	for _, it := range slices.Sorted(slices.Values(items)) {
		fmt.Fprintf(out, "  - %s\n", it)
	}
}

func setupDigest(fs *flag.FlagSet) runFunc {
	label := fs.String("label", "on-demand", "digest label")
	hours := fs.Int("hours", 0, "only consume the last N hours (0 = everything pending)")
	return func(ctx context.Context, e *env, _ []string) error {
		if *hours < 0 {
			return fmt.Errorf("invalid -hours %d (must be >= 0)", *hours)
		}
		window := time.Duration(*hours) * time.Hour
		d, err := e.svc.TriggerDigest(ctx, *label, window)
		if err != nil {
			return err
		}
		fmt.Fprintln(e.out, d.Text)
		if !d.Empty() {
			fmt.Fprintf(e.out, "\ndigest %s archived %d notification(s); summary sent via %s\n", d.ID, d.Total, e.sinkKind)
		}
		return nil
	}
}

func setupTest(fs *flag.FlagSet) runFunc {
	app := fs.String("app", "Test App", "app name for the test notification")
	title := fs.String("title", "Test Notification", "notification title")
	body := fs.String("body", "This is a test notification from hush", "notification body")
	sender := fs.String("sender", "", "sender name")
	return func(ctx context.Context, e *env, _ []string) error {
		raw := triage.RawNotification{App: *app, Sender: *sender, Title: *title, Body: *body}
		d, err := e.svc.Classify(ctx, raw)
		if err != nil {
			return err
		}
		fmt.Fprintf(e.out, "verdict: %s (%s)\n", d.Verdict, d.Rationale)

		head := cmp.Or(*sender, *title)
		t := triage.Toast{
			App:       *app,
			Title:     *app + " | " + head,
			Body:      *body,
			Urgency:   d.Urgency,
			Rationale: "test notification",
		}
		if err := e.svc.SendToast(ctx, t); err != nil {
			return fmt.Errorf("toast delivery failed: %w", err)
		}
		fmt.Fprintf(e.out, "test toast sent via %s\n", e.sinkKind)
		return nil
	}
}

// runCheck reports each dependency on its own line and fails if any
// configured one is unreachable.
func runCheck(ctx context.Context, e *env, _ []string) error {
	var failed []string
	report := func(name string, err error, detail string) {
		if err != nil {
			failed = append(failed, name)
			fmt.Fprintf(e.out, "%-8s FAIL  %v\n", name, err)
			return
		}
		fmt.Fprintf(e.out, "%-8s ok    %s\n", name, detail)
	}

	store, closeStore, err := openStore(ctx, &e.cfg, e.log)
	if err != nil {
		report("store", err, "")
		report("policy", errors.New("skipped, store unavailable"), "")
	} else {
		defer closeStore()
		report("store", nil, storeDetail(&e.cfg))
		opts, err := serviceOptions(&e.cfg, triage.Hooks{}, nil)
		if err != nil {
			return err
		}
		svc := triage.NewService(store, nil, e.log, opts)
		if p, err := svc.Policy(ctx); err != nil {
			report("policy", err, "")
		} else {
			report("policy", nil, fmt.Sprintf("version %d, %d VIPs, %d keywords, %d app rules",
				p.Version, len(p.VIPSenders), len(p.PriorityKeywords), len(p.AppRules)))
		}
	}

	_, sink := newNotifier(&e.cfg, e.log)
	report("sink", nil, sink)

	if e.cfg.RedisAddr != "" {
		_, closeLock, err := digestlock.Dial(ctx, digestlock.Config{Addr: e.cfg.RedisAddr})
		if err == nil {
			_ = closeLock()
		}
		report("redis", err, e.cfg.RedisAddr)
	} else {
		report("redis", nil, "not configured")
	}

	if e.cfg.AMQPURL != "" {
		report("amqp", amqpsource.Ping(e.cfg.AMQPURL), "reachable")
	} else {
		report("amqp", nil, "not configured")
	}

	if len(failed) > 0 {
		return fmt.Errorf("check failed: %s", strings.Join(failed, ", "))
	}
	fmt.Fprintln(e.out, "all checks passed")
	return nil
}

func storeDetail(c *vc.Config) string {
	switch c.Store {
	case vc.StoreSQLite:
		return "sqlite " + c.DBPath
	case vc.StorePostgres:
		return "postgres"
	}
	return c.Store
}
