package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/developingchet/authguard/internal/access"
	"github.com/developingchet/authguard/internal/config"
	"github.com/developingchet/authguard/internal/feed"
	"github.com/developingchet/authguard/internal/limiter"
	"github.com/developingchet/authguard/internal/logger"
	"github.com/developingchet/authguard/internal/netrule"
	"github.com/developingchet/authguard/internal/server"
	"github.com/developingchet/authguard/internal/storage"
	"github.com/developingchet/authguard/internal/sweeper"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "authguard",
		Short:         "Rate limiting and network rules for authentication endpoints",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		checkCmd(),
		rulesCmd(),
		sweepCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the authguard daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg)
	log.Info().Str("version", Version).Str("backend", cfg.StoreBackend).Msg("authguard starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	repo, err := loadRepository(cfg, st.rules, log)
	if err != nil {
		return err
	}

	checker, err := buildChecker(cfg, st.counters, repo, log)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	var queue sweeper.QueueDepther
	if cfg.CrowdSecEnabled {
		feed.BinaryVersion = Version
		f, err := feed.New(cfg, repo, log)
		if err != nil {
			return fmt.Errorf("build feed: %w", err)
		}
		queue = f
		g.Go(func() error {
			return f.Run(gctx)
		})
	}

	sw := sweeper.New(st.counters, queue, cfg.CleanupInterval, log.With().Str("component", "sweeper").Logger())
	g.Go(func() error {
		return sw.Run(gctx)
	})

	srv := server.New(cfg, checker, st.counters, log)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("authguard stopped")
	return nil
}

const localStoreNote = "\n\nWith the bbolt backend a running daemon holds the database file lock;\n" +
	"this command then fails with a locked-database error. Stop the daemon or\n" +
	"use its HTTP API instead."

// stores bundles the counter and rule backends selected by STORE_BACKEND.
type stores struct {
	counters storage.CounterStore
	rules    storage.RuleStore
	closers  []io.Closer
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStores opens the configured backend. The redis backend shares counters
// across nodes but keeps rules in the node-local bbolt file.
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		m := storage.NewMemoryStore()
		return &stores{counters: m, rules: m, closers: []io.Closer{m}}, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		counters := storage.NewRedisStore(client, cfg.TableName)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := counters.Ping(pingCtx); err != nil {
			_ = counters.Close()
			return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
		}
		rules, err := storage.NewBboltStore(cfg.DataDir, cfg.TableName)
		if err != nil {
			_ = counters.Close()
			return nil, fmt.Errorf("open rule storage: %w", err)
		}
		return &stores{counters: counters, rules: rules, closers: []io.Closer{counters, rules}}, nil

	default:
		b, err := storage.NewBboltStore(cfg.DataDir, cfg.TableName)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		return &stores{counters: b, rules: b, closers: []io.Closer{b}}, nil
	}
}

// loadRepository hydrates the rule repository and seeds it from RULES_FILE
// when nothing has been persisted yet.
func loadRepository(cfg *config.Config, rules storage.RuleStore, log zerolog.Logger) (*netrule.Repository, error) {
	repo := netrule.NewRepository(rules, log.With().Str("component", "netrule").Logger())
	if err := repo.Load(); err != nil {
		return nil, fmt.Errorf("load network rules: %w", err)
	}
	if cfg.RulesFile == "" {
		return repo, nil
	}
	if !repositoryEmpty(repo) {
		log.Info().Str("file", cfg.RulesFile).Msg("rules already persisted; skipping seed file")
		return repo, nil
	}
	stats, err := repo.ImportFile(cfg.RulesFile)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", cfg.RulesFile, err)
	}
	log.Info().Str("file", cfg.RulesFile).Int("rules", stats.Rules).Int("hosts", stats.Hosts).
		Msg("seeded network rules")
	return repo, nil
}

func repositoryEmpty(repo *netrule.Repository) bool {
	for _, tier := range []netrule.Tier{netrule.TierGlobal, netrule.TierOwner, netrule.TierInstance} {
		if len(repo.Scopes(tier)) > 0 {
			return false
		}
	}
	return len(repo.ListDisallowedHosts()) == 0
}

func buildChecker(cfg *config.Config, counters storage.CounterStore, repo *netrule.Repository, log zerolog.Logger) (*access.Checker, error) {
	engine, err := limiter.New(counters, limiter.Config{
		Expiry:       cfg.CounterExpiry,
		CounterTypes: access.CounterTypes,
	}, log.With().Str("component", "limiter").Logger())
	if err != nil {
		return nil, fmt.Errorf("build rate limiter: %w", err)
	}
	defaultAction, err := netrule.ParseAction(cfg.NetworkDefaultAction)
	if err != nil {
		return nil, fmt.Errorf("NETWORK_DEFAULT_ACTION: %w", err)
	}
	resolver := netrule.NewResolver(repo, defaultAction, log.With().Str("component", "resolver").Logger())
	return access.New(resolver, engine, access.Limits{
		ByHost:       access.Limit{Scale: cfg.LoginHostScale, Limit: cfg.LoginHostLimit},
		ByIdentifier: access.Limit{Scale: cfg.LoginIdentifierScale, Limit: cfg.LoginIdentifierLimit},
	}, log.With().Str("component", "access").Logger()), nil
}

// checkCmd runs one access check against the configured store and prints the
// decision as JSON. It counts as an attempt.
func checkCmd() *cobra.Command {
	var req server.CheckRequest
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate one login attempt and print the decision",
		Long:  "Evaluate one login attempt and print the decision as JSON. The attempt is counted." + localStoreNote,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			repo, err := loadRepository(cfg, st.rules, log)
			if err != nil {
				return err
			}
			checker, err := buildChecker(cfg, st.counters, repo, log)
			if err != nil {
				return err
			}

			d, err := checker.Check(ctx, access.Attempt{
				Host:       req.Host,
				Identifier: req.Identifier,
				InstanceID: req.InstanceID,
				OwnerID:    req.OwnerID,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(server.CheckResponse{
				Allowed:      d.Allowed,
				Reason:       string(d.Reason),
				Tier:         string(d.Network.Tier),
				RuleID:       d.Network.RuleID,
				Counter:      string(d.Counter),
				Count:        d.Count,
				Limit:        d.Limit,
				RetryAfterMs: d.RetryAfter.Milliseconds(),
			})
		},
	}
	cmd.Flags().StringVar(&req.Host, "host", "", "client address (required)")
	cmd.Flags().StringVar(&req.Identifier, "identifier", "", "account identifier")
	cmd.Flags().StringVar(&req.InstanceID, "instance", "", "instance id")
	cmd.Flags().StringVar(&req.OwnerID, "owner", "", "owner id")
	_ = cmd.MarkFlagRequired("host")
	return cmd
}

// rulesCmd groups the network rule subcommands.
func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage network rules",
		Long:  "Import and list persisted network rules and disallowed hosts." + localStoreNote,
	}
	cmd.AddCommand(rulesImportCmd(), rulesListCmd())
	return cmd
}

func rulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Add the rules and disallowed hosts of a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(repo *netrule.Repository) error {
				stats, err := repo.ImportFile(args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "imported rules=%d hosts=%d skipped_hosts=%d\n",
					stats.Rules, stats.Hosts, stats.SkippedHosts)
				return err
			})
		},
	}
}

func rulesListCmd() *cobra.Command {
	var tier string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print persisted rules and disallowed hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepository(cmd, func(repo *netrule.Repository) error {
				return printRules(cmd.OutOrStdout(), repo, tier)
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "only list one tier (disallowed, instance, owner, global)")
	return cmd
}

// withRepository loads config and the rule repository for a one-shot command.
func withRepository(cmd *cobra.Command, fn func(*netrule.Repository) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := buildLogger(cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	repo := netrule.NewRepository(st.rules, log)
	if err := repo.Load(); err != nil {
		return fmt.Errorf("load network rules: %w", err)
	}
	return fn(repo)
}

func printRules(out io.Writer, repo *netrule.Repository, only string) error {
	tiers := []netrule.Tier{netrule.TierDisallowed, netrule.TierInstance, netrule.TierOwner, netrule.TierGlobal}
	if only != "" {
		valid := false
		for _, t := range tiers {
			if string(t) == only {
				valid = true
			}
		}
		if !valid {
			return fmt.Errorf("unknown tier %q", only)
		}
		tiers = []netrule.Tier{netrule.Tier(only)}
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tSCOPE\tTARGET\tACTION\tPRECEDENCE\tID")
	for _, tier := range tiers {
		if tier == netrule.TierDisallowed {
			for _, h := range repo.ListDisallowedHosts() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t-\t%s\n", tier, h.Source, h.Host, netrule.ActionDeny, h.ID)
			}
			continue
		}
		scopes := repo.Scopes(tier)
		for _, scope := range scopes {
			for _, r := range repo.ListRules(tier, scope) {
				scopeCol := r.ScopeID
				if scopeCol == "" {
					scopeCol = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", tier, scopeCol, r.Target(), r.Action, r.Precedence, r.ID)
			}
		}
	}
	return tw.Flush()
}

// sweepCmd runs a single expiry sweep and exits.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired counters once and exit",
		Long:  "Remove expired counters once and exit." + localStoreNote,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			st, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			pruned, err := st.counters.SweepExpired(ctx, time.Now())
			if err != nil {
				return err
			}
			log.Debug().Int("count", pruned).Msg("manual sweep complete")
			fmt.Fprintf(cmd.OutOrStdout(), "sweep complete: removed=%d\n", pruned)
			return nil
		},
	}
}

// healthcheckCmd exits non-zero unless the running daemon reports ready.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + healthHost(cfg.HealthAddr) + "/readyz")
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

// healthHost turns a listen address such as ":8081" into a dialable one.
func healthHost(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "127.0.0.1" + addr
	}
	return addr
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "authguard %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		return zerolog.New(cw).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(logger.NewRedactWriter(os.Stderr)).Level(level).With().Timestamp().Logger()
}
