package circuitbreaker

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DBWrapper wraps a sqlx database handle with circuit breaker
type DBWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDBWrapper creates a database wrapper with circuit breaker
func NewDBWrapper(db *sqlx.DB, logger *zap.Logger) *DBWrapper {
	config := GetDatabaseConfig().ToConfig()
	cb := NewCircuitBreaker("postgres", config, logger)

	GlobalMetricsCollector.RegisterCircuitBreaker("postgres", "database", cb)

	return &DBWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

// ExecContext wraps sqlx ExecContext with circuit breaker
func (dw *DBWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result

	err := dw.cb.Execute(ctx, func() error {
		var execErr error
		result, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})

	GlobalMetricsCollector.RecordRequest("postgres", "database", dw.cb.State(), err == nil)
	return result, err
}

// SelectContext wraps sqlx SelectContext with circuit breaker
func (dw *DBWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	err := dw.cb.Execute(ctx, func() error {
		return dw.db.SelectContext(ctx, dest, query, args...)
	})

	GlobalMetricsCollector.RecordRequest("postgres", "database", dw.cb.State(), err == nil)
	return err
}

// Close closes the underlying database handle
func (dw *DBWrapper) Close() error {
	return dw.db.Close()
}

// DB returns the underlying handle for operations not covered by the wrapper
func (dw *DBWrapper) DB() *sqlx.DB {
	return dw.db
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DBWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
