package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/voicepool/internal/core"
	"github.com/3cpo-dev/voicepool/internal/gateway"
	"github.com/3cpo-dev/voicepool/internal/gateway/discord"
	"github.com/3cpo-dev/voicepool/internal/gateway/memory"
	"github.com/3cpo-dev/voicepool/internal/pool"
	"github.com/3cpo-dev/voicepool/internal/telemetry"
)

// Resolve the gateway registry. The memory backend is seeded with the
// configured category so serve can run without a bot token.
func resolveRegistry(cfg core.Config) (*gateway.Registry, error) {
	reg := gateway.NewRegistry()
	mem := memory.New()
	mem.AddChannel(gateway.Channel{ID: cfg.Discord.CategoryID, Name: "voice", Kind: gateway.KindCategory})
	reg.Register(mem)
	if cfg.Gateway.Backend == "discord" {
		dg, err := discord.New(cfg.Discord.Token)
		if err != nil {
			return nil, err
		}
		reg.Register(dg)
	}
	return reg, nil
}

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// Run the pool manager
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to the gateway and manage the category's voice channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if backend, _ := cmd.Flags().GetString("backend"); backend != "" {
				cfg.Gateway.Backend = backend
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("backend", "", "gateway backend (discord, memory)")
	return cmd
}

func serve(ctx context.Context, cfg core.Config) error {
	collector := telemetry.InitGlobal(cfg.Telemetry.Enabled, time.Duration(cfg.Telemetry.MetricsInterval)*time.Second)
	defer telemetry.Shutdown()

	reg, err := resolveRegistry(cfg)
	if err != nil {
		return err
	}
	gw, err := reg.Get(cfg.Gateway.Backend)
	if err != nil {
		return err
	}

	opts := []pool.Option{pool.WithMetrics(collector)}
	var store *core.Store
	if cfg.Journal.Path != "" {
		store, err = core.NewStore(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		opts = append(opts, pool.WithJournal(store))
	}

	dg, isDiscord := gw.(*discord.Gateway)
	if isDiscord {
		if err := dg.Open(); err != nil {
			return err
		}
		defer dg.Close()
		readyCtx, cancel := context.WithTimeout(ctx, time.Minute)
		err := dg.WaitReady(readyCtx)
		cancel()
		if err != nil {
			return err
		}
	}

	limited := gateway.NewLimited(gw, gateway.LimitConfig{
		RequestsPerSecond: cfg.Gateway.RequestsPerSecond,
		Burst:             cfg.Gateway.Burst,
		CallTimeout:       cfg.CallTimeout(),
	})
	mgr := pool.New(limited, cfg.Discord.CategoryID, opts...)

	log.Info().Str("category", cfg.Discord.CategoryID).Str("backend", gw.Name()).Msg("Starting voice channel management")
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("voice pool disabled: %w", err)
	}

	disp := pool.NewDispatcher(mgr, cfg.Events.QueueSize, cfg.Events.Workers, collector)
	if isDiscord {
		dg.Subscribe(ctx, disp)
		if cfg.Discord.RegisterCommands {
			if err := dg.RegisterCommands(); err != nil {
				log.Warn().Err(err).Msg("Slash commands unavailable")
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return disp.Run(gctx) })
	if cfg.Telemetry.Enabled && cfg.Telemetry.MonitoringAddr != "" {
		ms := telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr, collector)
		ms.RegisterHealthCheck("pool", poolHealthCheck(mgr))
		ms.RegisterHealthCheck("goroutines", telemetry.GoroutineHealthCheck)
		if store != nil {
			ms.RegisterHealthCheck("journal", journalHealthCheck(store))
		}
		g.Go(func() error { return ms.Run(gctx) })
		g.Go(func() error { return telemetry.NewRuntimeSampler(collector, 0).Run(gctx) })
	}
	err = g.Wait()
	log.Info().Uint64("dropped_events", disp.Dropped()).Msg("Voice pool stopped")
	return err
}

func poolHealthCheck(mgr *pool.Manager) func() telemetry.HealthCheck {
	return func() telemetry.HealthCheck {
		check := telemetry.HealthCheck{Name: "pool", Status: telemetry.HealthStatusHealthy, Message: "pool invariants hold"}
		switch {
		case !mgr.Ready():
			check.Status = telemetry.HealthStatusUnhealthy
			check.Message = "pool not initialized"
		default:
			if err := mgr.State().Check(); err != nil {
				// over-provisioning heals on the next leave
				check.Status = telemetry.HealthStatusDegraded
				check.Message = err.Error()
			}
		}
		return check
	}
}

// journalHealthCheck reports a journal that stopped answering as degraded;
// the pool keeps running without its audit trail.
func journalHealthCheck(db interface{ Ping(context.Context) error }) func() telemetry.HealthCheck {
	return func() telemetry.HealthCheck {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		check := telemetry.HealthCheck{Name: "journal", Status: telemetry.HealthStatusHealthy, Message: "journal reachable", LastChecked: time.Now()}
		if err := db.Ping(ctx); err != nil {
			check.Status = telemetry.HealthStatusDegraded
			check.Message = err.Error()
		}
		return check
	}
}

// Run a scripted scale-up and scale-down against the in-memory gateway
func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Bootstrap an empty category in memory and fill one tier with members",
		RunE: func(cmd *cobra.Command, args []string) error {
			glyph, _ := cmd.Flags().GetString("tier")
			users, _ := cmd.Flags().GetInt("users")
			t, ok := pool.TierOf(glyph)
			if !ok {
				return fmt.Errorf("unknown tier %q", glyph)
			}
			return simulate(cmd.Context(), cmd.OutOrStdout(), t, users)
		},
	}
	cmd.Flags().String("tier", "4", "tier glyph to fill")
	cmd.Flags().Int("users", 9, "members to join, then leave")
	return cmd
}

func simulate(ctx context.Context, out io.Writer, t pool.Tier, users int) error {
	gw := memory.New()
	category := gw.AddCategory("voice")
	mgr := pool.New(gw, category)
	if err := mgr.Initialize(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "bootstrap:")
	printPool(out, gw, category)

	placed := map[string]string{}
	for i := 0; i < users; i++ {
		user := fmt.Sprintf("user-%d", i+1)
		target := vacancy(ctx, gw, mgr, t)
		if target == "" {
			fmt.Fprintf(out, "%s: no room left in tier %s\n", user, t)
			continue
		}
		gw.Join(user, target)
		placed[user] = target
		if err := mgr.OnJoin(ctx, target); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, "after joins:")
	printPool(out, gw, category)

	for i := 0; i < users; i++ {
		user := fmt.Sprintf("user-%d", i+1)
		ch, ok := placed[user]
		if !ok {
			continue
		}
		gw.Leave(user)
		if err := mgr.OnLeave(ctx, ch); err != nil {
			return err
		}
	}
	fmt.Fprintln(out, "after leaves:")
	printPool(out, gw, category)
	return mgr.State().Check()
}

// vacancy finds a channel of tier t with room for one more member.
func vacancy(ctx context.Context, gw *memory.Gateway, mgr *pool.Manager, t pool.Tier) string {
	for _, ref := range mgr.State().Refs(t) {
		members, err := gw.Members(ctx, ref)
		if err != nil {
			continue
		}
		if limit, ok := t.Limit(); !ok || len(members) < limit {
			return ref
		}
	}
	return ""
}

func printPool(out io.Writer, gw *memory.Gateway, category string) {
	for _, ch := range gw.Channels(category) {
		members, _ := gw.Members(context.Background(), ch.ID)
		limit := "∞"
		if ch.UserLimit > 0 {
			limit = fmt.Sprintf("%d", ch.UserLimit)
		}
		fmt.Fprintf(out, "  %d\t%s\t%s\t%d/%s\n", ch.Position, ch.ID, ch.Name, len(members), limit)
	}
}

// Print the tier catalog
func newTiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "List capacity tiers and their channel names",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			for _, t := range pool.Tiers() {
				limit := "unlimited"
				if n, ok := t.Limit(); ok {
					limit = fmt.Sprintf("%d", n)
				}
				fmt.Fprintf(out, "%s\t%s\t%s\t%q\n", string(t.Glyph()), t, limit, pool.ChannelName(t))
			}
			fmt.Fprintf(out, "max channels per tier: %d\n", pool.MaxChannelsPerTier)
		},
	}
}

// Show recent journal entries
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent pool actions from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			if cfg.Journal.Path == "" {
				return fmt.Errorf("journal disabled; set journal.path")
			}
			store, err := core.NewStore(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.At.Format(time.RFC3339), e.EventID, e.Action, e.Tier, e.ChannelID, strings.TrimSpace(e.Detail))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of entries")
	return cmd
}
