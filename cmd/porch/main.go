package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/ovaphlow/pitchfork/service-porch-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/directory"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/firewall"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/inspector"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/listener"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/presence"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/setting"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/state/repo"
	"github.com/ovaphlow/pitchfork/service-porch-go/internal/user"
	"github.com/ovaphlow/pitchfork/service-porch-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-porch-go/pkg/utilities"
)

type flags struct {
	envFile     string
	environment string
	filtersets  string
	detection   string
}

func parseFlags() flags {
	var f flags
	pflag.StringVar(&f.envFile, "env-file", "", "dotenv file to load before reading the environment")
	pflag.StringVarP(&f.environment, "config", "c", "", "environment document (overrides ENVIRONMENT_FILE)")
	pflag.StringVar(&f.filtersets, "filtersets", "", "filterset document (overrides FILTERSETS_FILE)")
	pflag.StringVar(&f.detection, "detection", "", "log detection document (overrides DETECTION_FILE)")
	pflag.Parse()
	return f
}

func main() {
	f := parseFlags()

	// an explicit env file must exist; the default .env is best-effort
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", f.envFile, err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load()
	}

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	if err := run(f, sugar); err != nil {
		sugar.Errorw("porch stopped", "err", err)
		_ = lg.Sync()
		os.Exit(1)
	}
	sugar.Info("goodbye")
}

func run(f flags, sugar *zap.SugaredLogger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if f.environment != "" {
		cfg.EnvironmentFile = f.environment
	}
	if f.filtersets != "" {
		cfg.FiltersetsFile = f.filtersets
	}
	if f.detection != "" {
		cfg.DetectionFile = f.detection
	}
	if err := promptPassword(&cfg.LDAP); err != nil {
		return err
	}

	env, err := config.LoadEnvironment(cfg.EnvironmentFile)
	if err != nil {
		return err
	}
	filtersets, err := config.LoadFiltersets(cfg.FiltersetsFile)
	if err != nil {
		return err
	}
	detection, err := presence.LoadDetection(cfg.DetectionFile)
	if err != nil {
		return err
	}
	parser, err := presence.NewParser(detection)
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.DetectionFile, err)
	}
	sugar.Infow("starting porch",
		"environment", cfg.EnvironmentFile,
		"rooms", len(env.Networks),
		"filtersets", len(filtersets),
		"store", cfg.StoreBackend,
		"firewall", cfg.Firewall.Enabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backing, closeBacking, err := openRepository(ctx, cfg.StoreBackend)
	if err != nil {
		return err
	}
	defer closeBacking()
	store := state.New(backing)
	defer store.Close()

	dir, err := directory.Dial(ctx, cfg.LDAP.Directory(), sugar.Named("directory"))
	if err != nil {
		return err
	}
	defer dir.Close()

	// a nil *OPNsense must not end up inside the interface
	var fw firewall.Firewall
	if cfg.Firewall.Enabled() {
		fw = firewall.NewOPNsense(cfg.Firewall.OPNsense(), net.DefaultResolver, sugar.Named("firewall"))
	} else {
		sugar.Warn("no firewall configured; filters are tracked but not enforced")
	}

	m := metrics.New()
	m.ObserveStore(store)

	users := user.NewService(user.Options{
		Store:      store,
		Directory:  dir,
		Firewall:   fw,
		Routes:     env.Graph(),
		Filtersets: filtersets,
		Schema:     env.LDAP,
		Logger:     sugar.Named("user"),
	})
	insp := inspector.New(inspector.Options{
		Users:         users,
		Environment:   env,
		Resolver:      net.DefaultResolver,
		ImplicitTrust: cfg.ImplicitTrustAtBoot,
		Metrics:       m,
		Logger:        sugar.Named("inspector"),
	})
	if err := insp.Reconcile(ctx); err != nil {
		return fmt.Errorf("boot reconciliation: %w", err)
	}

	handler := presence.NewHandler(presence.Options{
		Users:       users,
		Inspector:   insp,
		Environment: env,
		Parser:      parser,
		Metrics:     m,
		Logger:      sugar.Named("presence"),
	})

	extLog, closeExtLog, err := listener.ExtSystemLog(cfg.ExtSystemLogFile)
	if err != nil {
		return err
	}
	defer closeExtLog()

	sessions := listener.New(listener.Config{
		Name:        "session-events",
		Network:     cfg.EventProtocol,
		Addr:        net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.EventPort)),
		ReadTimeout: 60 * time.Second,
	}, listener.SessionEvents(listener.NewDecoder(cfg.EventTokenSecret), handler, sugar.Named("session")), sugar)
	extSystem := listener.New(listener.Config{
		Name:        "ext-system",
		Network:     cfg.ExtSystemProto,
		Addr:        net.JoinHostPort(cfg.ListenAddr, strconv.Itoa(cfg.ExtSystemPort)),
		ReadTimeout: 15 * time.Second,
	}, listener.ExtSystemLines(extLog), sugar)

	srv := &http.Server{
		Addr: cfg.AdminAddr,
		Handler: router.RegisterRoutes(router.Deps{
			Users:          users,
			Settings:       setting.NewService(env, filtersets, cfg.Firewall.Enabled()),
			Metrics:        m,
			AdminTokenHash: cfg.AdminTokenHash,
			Logger:         sugar.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return insp.Run(gctx) })
	g.Go(func() error { return sessions.Serve(gctx) })
	g.Go(func() error { return extSystem.Serve(gctx) })
	g.Go(func() error {
		return presence.Follow(gctx, cfg.ExtSystemLogFile, users.Clock(), cfg.FollowPollInterval, func(line string) {
			handler.HandleLine(gctx, line)
		})
	})
	g.Go(func() error {
		sugar.Infow("admin api listening", "addr", cfg.AdminAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sugar.Info("shutting down")
		// give a short grace period for in-flight requests
		doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(doneCtx); err != nil {
			sugar.Warnf("http server shutdown failed: %v", err)
		}
		return nil
	})

	sugar.Info("porch is running; press Ctrl+C to stop")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openRepository(ctx context.Context, backend string) (state.Repository, func(), error) {
	if backend == config.BackendMemory {
		return state.NewMemory(), func() {}, nil
	}
	db, err := database.Connect(database.ConfigFromEnv())
	if err != nil {
		return nil, nil, fmt.Errorf("db connect: %w", err)
	}
	r := repo.NewSQLRepo(db)
	if err := r.EnsureTable(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return r, func() { db.Close() }, nil
}

// promptPassword asks for the directory bind password when none is
// configured and stdin is a terminal.
func promptPassword(l *config.LDAP) error {
	if l.Password != "" || l.BindDN == "" || !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", l.BindDN)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	l.Password = string(pw)
	return nil
}
