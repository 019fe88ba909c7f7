package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/assessor/internal/auth"
	"github.com/pavelanni/assessor/internal/bank"
	"github.com/pavelanni/assessor/internal/engagement"
	"github.com/pavelanni/assessor/internal/handler"
	appI18n "github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/lock"
	"github.com/pavelanni/assessor/internal/policy"
	"github.com/pavelanni/assessor/internal/selector"
	"github.com/pavelanni/assessor/internal/session"
	"github.com/pavelanni/assessor/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "assessor",
		Short: "Adaptive assessment engine",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), exportCmd(), hashPasswordCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `assessor --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db-driver", store.DriverSQLite, "Database driver (sqlite, postgres)")
	f.String("db", "assessor.db", "SQLite database path or Postgres connection string")
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP assessment server",
		RunE:  runServe,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.StringSliceP("questions", "q", nil, "Question-bank JSON files to import at startup (repeatable)")
	f.StringSlice("subjects", nil, "Subjects offered (default: every subject in the bank)")
	f.String("jwt-secret", "", "HMAC secret for student tokens (or set ASSESSOR_JWT_SECRET)")
	f.Duration("token-ttl", 12*time.Hour, "Student token lifetime")
	f.String("admin-user", "admin", "Admin user name")
	f.String("admin-password-hash", "", "Bcrypt hash of the admin password (see hash-password)")
	f.StringSlice("cors-origins", []string{"*"}, "Allowed CORS origins")
	f.String("redis-addr", "", "Redis address for the shared session lock (empty = in-process lock)")
	f.Duration("lock-ttl", 10*time.Second, "Expiry of a held session lock")
	f.String("llm-url", "", "OpenAI-compatible API base URL for generated hints (empty = disabled)")
	f.String("llm-key", "", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.StringP("lang", "l", "en", "Default message language (en, ru)")
	f.Duration("session-ttl", 24*time.Hour, "Lifetime of a session before it is closed")
	f.Int("max-questions", 50, "Maximum questions per session")
	f.Int("max-generated-hints", 2, "Generated hints allowed per question after authored ones")
	addLogFlags(cmd)
	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import question-bank JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	addStoreFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export session reports as JSON",
		RunE:  runExport,
	}
	addStoreFlags(cmd)
	f := cmd.Flags()
	f.Duration("session-ttl", 24*time.Hour, "Lifetime of a session before it is closed")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [PASSWORD]",
		Short: "Print a bcrypt hash for --admin-password-hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("ASSESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("assessor")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/assessor")
	v.AddConfigPath("/etc/assessor")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// tuning mirrors the nested config sections.
type tuning struct {
	Policy     policy.Config     `mapstructure:"policy"`
	Engagement engagement.Config `mapstructure:"engagement"`
	Selector   selector.Config   `mapstructure:"selector"`
}

// bindTuningEnv registers every nested tuning key with viper so that
// ASSESSOR_POLICY_STEP and friends reach Unmarshal. AutomaticEnv alone only
// answers lookups of keys viper already knows about.
func bindTuningEnv(v *viper.Viper) {
	t := reflect.TypeOf(tuning{})
	for i := range t.NumField() {
		section := t.Field(i)
		for j := range section.Type.NumField() {
			key := section.Type.Field(j).Tag.Get("mapstructure")
			if key == "" || key == "-" {
				continue
			}
			_ = v.BindEnv(section.Tag.Get("mapstructure") + "." + key)
		}
	}
}

// sessionConfig builds the session settings. The policy, engagement and
// selector sections of the config file, or their ASSESSOR_<SECTION>_<KEY>
// environment variables, override the stock tuning.
func sessionConfig(v *viper.Viper) (session.Config, error) {
	cfg := session.DefaultConfig()
	cfg.MaxQuestions = v.GetInt("max-questions")
	cfg.SessionTTL = v.GetDuration("session-ttl")
	cfg.Subjects = v.GetStringSlice("subjects")
	cfg.MaxGeneratedHints = v.GetInt("max-generated-hints")

	bindTuningEnv(v)
	tune := tuning{Policy: cfg.Policy, Engagement: cfg.Engagement, Selector: cfg.Selector}
	if err := v.Unmarshal(&tune); err != nil {
		return cfg, fmt.Errorf("tuning config: %w", err)
	}
	cfg.Policy, cfg.Engagement, cfg.Selector = tune.Policy, tune.Engagement, tune.Selector

	if err := cfg.Policy.Validate(); err != nil {
		return cfg, fmt.Errorf("policy config: %w", err)
	}
	if err := cfg.Engagement.Validate(); err != nil {
		return cfg, fmt.Errorf("engagement config: %w", err)
	}
	if cfg.Selector.InitialBand <= 0 {
		return cfg, fmt.Errorf("selector config: initial-band must be positive")
	}
	if cfg.MaxQuestions < 1 || cfg.SessionTTL <= 0 {
		return cfg, fmt.Errorf("max-questions and session-ttl must be positive")
	}
	return cfg, nil
}

func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	db, err := store.New(ctx, v.GetString("db-driver"), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := importFiles(ctx, db, v.GetStringSlice("questions")); err != nil {
		return fmt.Errorf("load questions: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	secret := v.GetString("jwt-secret")
	if secret == "" {
		return fmt.Errorf("jwt secret is required: set --jwt-secret flag or ASSESSOR_JWT_SECRET env var")
	}
	tokens, err := auth.NewService(secret, v.GetDuration("token-ttl"))
	if err != nil {
		return fmt.Errorf("create token service: %w", err)
	}
	admin := auth.NewAdmin(v.GetString("admin-user"), v.GetString("admin-password-hash"))
	if !admin.Enabled() {
		slog.Warn("admin endpoints disabled: no admin password hash configured")
	}

	var locker lock.Locker = lock.NewMemory()
	if addr := v.GetString("redis-addr"); addr != "" {
		rl, err := lock.DialRedis(ctx, addr, v.GetDuration("lock-ttl"))
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rl.Close()
		locker = rl
		slog.Info("using redis session lock", "addr", addr)
	}

	var hints session.HintGenerator
	if url := v.GetString("llm-url"); url != "" {
		hints = llm.New(url, v.GetString("llm-key"), v.GetString("llm-model"))
		slog.Info("generated hints enabled", "url", url, "model", v.GetString("llm-model"))
	}

	cfg, err := sessionConfig(v)
	if err != nil {
		return err
	}
	manager := session.New(db, locker, hints, cfg)
	h := handler.New(db, manager, tokens, admin)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: v.GetStringSlice("cors-origins"),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting server",
		"addr", addr,
		"db_driver", v.GetString("db-driver"),
		"lang", lang,
		"session_ttl", cfg.SessionTTL,
		"max_questions", cfg.MaxQuestions,
		"subjects", cfg.Subjects,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(cmd.Context(), v)
	if err != nil {
		return err
	}
	defer db.Close()

	return importFiles(cmd.Context(), db, args)
}

func importFiles(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if _, err := bank.Import(ctx, db, path, data); err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(cmd.Context(), v)
	if err != nil {
		return err
	}
	defer db.Close()

	reports, err := db.SessionReports(cmd.Context(), v.GetDuration("session-ttl"))
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}
