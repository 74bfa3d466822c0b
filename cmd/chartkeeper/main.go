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
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medspa/chartkeeper/internal/config"
	"github.com/medspa/chartkeeper/internal/domain/addendum"
	"github.com/medspa/chartkeeper/internal/domain/auditlog"
	"github.com/medspa/chartkeeper/internal/domain/charting"
	"github.com/medspa/chartkeeper/internal/platform/apperr"
	"github.com/medspa/chartkeeper/internal/platform/auth"
	"github.com/medspa/chartkeeper/internal/platform/cardcheck"
	"github.com/medspa/chartkeeper/internal/platform/db"
	"github.com/medspa/chartkeeper/internal/platform/mediastore"
	"github.com/medspa/chartkeeper/internal/platform/middleware"
	"github.com/medspa/chartkeeper/internal/platform/permission"
	"github.com/medspa/chartkeeper/internal/platform/recordhash"
	"github.com/medspa/chartkeeper/internal/platform/telemetry"
	"github.com/medspa/chartkeeper/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "chartkeeper",
		Short: "Clinical record lifecycle server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(hashCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads configuration and connects to the database.
func openPool(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaFlag(cmd, cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (defaults to MIGRATIONS_SCHEMA)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := schemaFlag(cmd, cfg)
			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (defaults to MIGRATIONS_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func schemaFlag(cmd *cobra.Command, cfg *config.Config) string {
	if s, _ := cmd.Flags().GetString("schema"); s != "" {
		return s
	}
	return cfg.MigrationsSchema
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// hashCmd recomputes a record hash from a chart export, for offline
// verification without database access.
func hashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Compute the record hash of a chart export",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			canonical, _ := cmd.Flags().GetBool("canonical")

			var in io.Reader = cmd.InOrStdin()
			if path != "" && path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return writeHash(in, cmd.OutOrStdout(), canonical)
		},
	}
	cmd.Flags().String("file", "-", "Chart export JSON (- for stdin)")
	cmd.Flags().Bool("canonical", false, "Also print the canonical document that is hashed")
	return cmd
}

func writeHash(r io.Reader, w io.Writer, canonical bool) error {
	var content recordhash.Content
	if err := json.NewDecoder(r).Decode(&content); err != nil {
		return fmt.Errorf("decode chart export: %w", err)
	}
	if content.ID == "" {
		return errors.New("chart export has no id")
	}
	if canonical {
		fmt.Fprintln(w, string(recordhash.Canonical(content)))
	}
	fmt.Fprintln(w, recordhash.Compute(content))
	return nil
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries for one entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinicRaw, _ := cmd.Flags().GetString("clinic")
			entityType, _ := cmd.Flags().GetString("entity-type")
			entityRaw, _ := cmd.Flags().GetString("entity-id")
			clinicID, err := uuid.Parse(clinicRaw)
			if err != nil {
				return fmt.Errorf("--clinic: %w", err)
			}
			entityID, err := uuid.Parse(entityRaw)
			if err != nil {
				return fmt.Errorf("--entity-id: %w", err)
			}

			ctx := db.WithClinic(context.Background(), clinicID)
			_, pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			entries, err := auditlog.NewPGSink(pool).ListForEntity(ctx, clinicID, entityType, entityID)
			if err != nil {
				return err
			}
			printAuditEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	listCmd.Flags().String("clinic", "", "Clinic id")
	listCmd.Flags().String("entity-type", auditlog.EntityChart, "Entity type (Chart, Encounter, Addendum, ...)")
	listCmd.Flags().String("entity-id", "", "Entity id")
	cmd.AddCommand(listCmd)

	return cmd
}

func printAuditEntries(w io.Writer, entries []*auditlog.Entry) {
	fmt.Fprintf(w, "%-25s %-24s %-36s %s\n", "CREATED AT", "ACTION", "USER", "DETAILS")
	for _, e := range entries {
		details, _ := json.Marshal(e.Details)
		fmt.Fprintf(w, "%-25s %-24s %-36s %s\n", e.CreatedAt.UTC().Format(time.RFC3339), e.Action, e.UserID, details)
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return logger
}

// authMiddleware picks header-based identities in development and bearer
// tokens everywhere else.
func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// services groups the domain services mounted under /api/v1.
type services struct {
	charting *charting.Service
	addendum *addendum.Service
}

func newServices(cfg *config.Config, pool *pgxpool.Pool, media mediastore.Store, tp *telemetry.TelemetryProvider, logger zerolog.Logger) (*services, error) {
	gate, err := permission.NewGate()
	if err != nil {
		return nil, fmt.Errorf("load permission policy: %w", err)
	}
	cards, err := cardcheck.New()
	if err != nil {
		return nil, fmt.Errorf("load card templates: %w", err)
	}
	tx := db.NewTransactor(pool)
	sink := auditlog.NewPGSink(pool)

	chartSvc := charting.NewService(charting.NewRepo(pool), tx, sink, gate, cards, media)
	chartSvc.SetLogger(logger)
	chartSvc.SetMetrics(tp)
	chartSvc.SetEnforceSignValidation(cfg.EnforceSignValidation)

	addSvc := addendum.NewService(addendum.NewRepo(pool), tx, sink, gate)
	addSvc.SetLogger(logger)
	addSvc.SetMetrics(tp)

	return &services{charting: chartSvc, addendum: addSvc}, nil
}

// newEcho assembles the HTTP server: middleware chain, operational
// endpoints, and the versioned API.
func newEcho(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, tp *telemetry.TelemetryProvider, svcs *services) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler
	e.Validator = middleware.NewRequestValidator()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
	}))
	e.Use(echomw.Secure())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(tp.MetricsMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", tp.PrometheusHandler())

	api := e.Group("/api/v1")
	api.Use(authMiddleware(cfg))
	// Throttle before a pooled connection is acquired for the request.
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	if pool != nil {
		api.Use(db.ClinicScope(pool))
	}

	if svcs != nil {
		charting.NewHandler(svcs.charting).RegisterRoutes(api)
		addendum.NewHandler(svcs.addendum).RegisterRoutes(api)
	}
	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info().Int32("max_conns", cfg.DBMaxConns).Msg("database pool ready")

	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{Namespace: "chartkeeper", RuntimeMetrics: true})
	tp.RegisterPoolStats(func() (int32, int32, int32) {
		s := pool.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})

	media, err := mediastore.Open(ctx, cfg.MediaDriver, mediastore.S3Config{
		Bucket:    cfg.MediaS3Bucket,
		Region:    cfg.MediaS3Region,
		Endpoint:  cfg.MediaS3Endpoint,
		PathStyle: cfg.MediaS3PathStyle,
	})
	if err != nil {
		return fmt.Errorf("open media store: %w", err)
	}
	if cfg.MediaDriver == config.MediaDriverMemory {
		logger.Warn().Msg("media driver is in-memory; uploads are lost on restart")
	}

	svcs, err := newServices(cfg, pool, media, tp, logger)
	if err != nil {
		return err
	}
	e := newEcho(cfg, logger, pool, tp, svcs)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
