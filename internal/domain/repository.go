// Package domain defines the core interfaces and types for vatcalc.
package domain

import (
	"context"
	"time"
)

// Repository persists rules and calculation results. Serving the engine's
// rule lookups straight from it means an edited rule takes effect on the
// next calculation.
type Repository interface {
	RuleSource
	GlobalRuleSource

	// SaveRule inserts or replaces a rule by ID. Rules are deactivated,
	// never deleted, so stored calculations keep resolvable rule IDs.
	SaveRule(ctx context.Context, rule *Rule) error
	GetRule(ctx context.Context, ruleID string) (*Rule, error)

	// ListRules returns active and inactive rules, optionally for one country.
	ListRules(ctx context.Context, countryCode string) ([]*Rule, error)
	DeactivateRule(ctx context.Context, ruleID string) error

	// SaveCalculation keeps the first row stored under an ID.
	SaveCalculation(ctx context.Context, calc *StoredCalculation) error
	GetCalculation(ctx context.Context, calcID string) (*StoredCalculation, error)

	Ping(ctx context.Context) error
	Close() error
}

// RepositoryConfig selects and tunes the SQL backend.
type RepositoryConfig struct {
	// Driver is "sqlite" (community) or "postgres" (pro).
	Driver string

	// SQLitePath is a file path, or ":memory:" for a throwaway database.
	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Pool limits. Zero leaves the database/sql default.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
