package db

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ClinicIDKey contextKey = "clinic_id"
	DBConnKey   contextKey = "db_conn"
)

// ClinicScope acquires one connection per request and pins the caller's
// clinic on it as app.clinic_id, which the row-level security policies in
// the schema read. The clinic comes from the "clinic_id" echo context value
// set by the auth middleware; requests without one pass through unscoped.
func ClinicScope(pool *pgxpool.Pool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, _ := c.Get("clinic_id").(string)
			if raw == "" {
				return next(c)
			}
			clinicID, err := uuid.Parse(raw)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer func() {
				// Connections go back to a shared pool; clear the scope first.
				_, _ = conn.Exec(context.Background(), "SELECT set_config('app.clinic_id', '', false)")
				conn.Release()
			}()

			if _, err := conn.Exec(ctx, "SELECT set_config('app.clinic_id', $1, false)", clinicID.String()); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "clinic resolution failed")
			}

			ctx = WithClinic(ctx, clinicID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithClinic returns a context scoped to the given clinic.
func WithClinic(ctx context.Context, clinicID uuid.UUID) context.Context {
	return context.WithValue(ctx, ClinicIDKey, clinicID)
}

// ConnFromContext retrieves the request-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// ClinicFromContext retrieves the clinic the connection is scoped to.
func ClinicFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ClinicIDKey).(uuid.UUID)
	return id, ok
}
