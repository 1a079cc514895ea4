// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/vatcalc/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

const dateLayout = time.DateOnly

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if !inMemory(cfg) {
		configurePool(db, cfg)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func configurePool(db *sql.DB, cfg domain.RepositoryConfig) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

func inMemory(cfg domain.RepositoryConfig) bool {
	return cfg.Driver == "sqlite" && cfg.SQLitePath == memorySQLitePath
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const ruleColumns = `
	id, country_code, scope, type, name, description, expression,
	effective_from, effective_to, priority, parameters, conditions,
	is_active, created_at, updated_at
`

// SaveRule inserts or replaces a rule. CreatedAt survives updates.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}
	if rule.EffectiveFrom.IsZero() {
		return fmt.Errorf("%w: rule %s has no effectiveFrom", ErrInvalidInput, rule.ID)
	}

	params, err := json.Marshal(nonNilParams(rule.Parameters))
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	conds, err := json.Marshal(nonNilConds(rule.Conditions))
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}

	var effectiveTo sql.NullString
	if rule.EffectiveTo != nil {
		effectiveTo = sql.NullString{String: rule.EffectiveTo.UTC().Format(dateLayout), Valid: true}
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO pricing_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			country_code = excluded.country_code,
			scope = excluded.scope,
			type = excluded.type,
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			effective_from = excluded.effective_from,
			effective_to = excluded.effective_to,
			priority = excluded.priority,
			parameters = excluded.parameters,
			conditions = excluded.conditions,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.CountryCode, string(rule.EffectiveScope()), string(rule.Type),
		rule.Name, rule.Description, rule.Expression,
		rule.EffectiveFrom.UTC().Format(dateLayout), effectiveTo,
		rule.Priority, string(params), string(conds),
		boolToInt(rule.IsActive), rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// GetRule retrieves a rule by ID, active or not.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM pricing_rules WHERE id = ?`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules lists every stored rule for a country, or all rules when
// countryCode is empty. Inactive rules are included.
func (r *SQLRepository) ListRules(ctx context.Context, countryCode string) ([]*domain.Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM pricing_rules`
	var args []any
	if countryCode != "" {
		query += ` WHERE country_code = ?`
		args = append(args, countryCode)
	}
	query += ` ORDER BY country_code, priority DESC, name, id`

	return r.queryRules(ctx, query, args...)
}

// DeactivateRule switches a rule off. Rules are never deleted.
func (r *SQLRepository) DeactivateRule(ctx context.Context, ruleID string) error {
	query := `UPDATE pricing_rules SET is_active = 0, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// GetApplicableRules returns the active country-scoped rules whose window
// contains asOf. Conditions are left to the caller.
func (r *SQLRepository) GetApplicableRules(ctx context.Context, countryCode string, asOf time.Time) ([]*domain.Rule, error) {
	day := asOf.UTC().Format(dateLayout)
	query := `SELECT ` + ruleColumns + ` FROM pricing_rules
		WHERE country_code = ? AND scope = ? AND is_active = 1
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to > ?)
		ORDER BY priority DESC, name, id`

	return r.queryRules(ctx, query, countryCode, string(domain.ScopeCountry), day, day)
}

// GetGlobalRules returns the active request-scoped rules whose window contains asOf.
func (r *SQLRepository) GetGlobalRules(ctx context.Context, asOf time.Time) ([]*domain.Rule, error) {
	day := asOf.UTC().Format(dateLayout)
	query := `SELECT ` + ruleColumns + ` FROM pricing_rules
		WHERE scope = ? AND is_active = 1
		  AND effective_from <= ?
		  AND (effective_to IS NULL OR effective_to > ?)
		ORDER BY priority DESC, name, id`

	return r.queryRules(ctx, query, string(domain.ScopeRequest), day, day)
}

func (r *SQLRepository) queryRules(ctx context.Context, query string, args ...any) ([]*domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*domain.Rule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}

	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var (
		rule          domain.Rule
		scope, typ    string
		description   sql.NullString
		effectiveFrom string
		effectiveTo   sql.NullString
		params, conds string
		active        int
	)

	err := row.Scan(
		&rule.ID, &rule.CountryCode, &scope, &typ,
		&rule.Name, &description, &rule.Expression,
		&effectiveFrom, &effectiveTo,
		&rule.Priority, &params, &conds,
		&active, &rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rule.Scope = domain.RuleScope(scope)
	rule.Type = domain.RuleType(typ)
	rule.Description = description.String
	rule.IsActive = active != 0

	rule.EffectiveFrom, err = time.Parse(dateLayout, effectiveFrom)
	if err != nil {
		return nil, fmt.Errorf("rule %s: effective_from: %w", rule.ID, err)
	}
	if effectiveTo.Valid && effectiveTo.String != "" {
		to, err := time.Parse(dateLayout, effectiveTo.String)
		if err != nil {
			return nil, fmt.Errorf("rule %s: effective_to: %w", rule.ID, err)
		}
		rule.EffectiveTo = &to
	}

	if err := json.Unmarshal([]byte(params), &rule.Parameters); err != nil {
		return nil, fmt.Errorf("rule %s: parameters: %w", rule.ID, err)
	}
	if err := json.Unmarshal([]byte(conds), &rule.Conditions); err != nil {
		return nil, fmt.Errorf("rule %s: conditions: %w", rule.ID, err)
	}

	return &rule, nil
}

// SaveCalculation stores a calculation. IDs are derived from the request and
// rule snapshot, so a repeat of the same calculation keeps the first row.
func (r *SQLRepository) SaveCalculation(ctx context.Context, calc *domain.StoredCalculation) error {
	if calc == nil || calc.Result.ID == "" {
		return fmt.Errorf("%w: calculation id is required", ErrInvalidInput)
	}

	request, err := json.Marshal(calc.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	result, err := json.Marshal(calc.Result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	if calc.CreatedAt.IsZero() {
		calc.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO calculations (
			id, as_of, total_cost, currency, snapshot_hash,
			request, result, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		calc.Result.ID, calc.Result.AsOf.UTC().Format(dateLayout),
		calc.Result.TotalCost.String(), calc.Result.Currency, calc.Result.RuleSnapshotHash,
		string(request), string(result), calc.CreatedAt,
	)
	return err
}

// GetCalculation retrieves a stored calculation by ID.
func (r *SQLRepository) GetCalculation(ctx context.Context, calcID string) (*domain.StoredCalculation, error) {
	query := `SELECT request, result, created_at FROM calculations WHERE id = ?`

	var calc domain.StoredCalculation
	var request, result string

	err := r.db.QueryRowContext(ctx, r.rebind(query), calcID).Scan(&request, &result, &calc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(request), &calc.Request); err != nil {
		return nil, fmt.Errorf("calculation %s: request: %w", calcID, err)
	}
	if err := json.Unmarshal([]byte(result), &calc.Result); err != nil {
		return nil, fmt.Errorf("calculation %s: result: %w", calcID, err)
	}

	return &calc, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilParams(p []domain.Parameter) []domain.Parameter {
	if p == nil {
		return []domain.Parameter{}
	}
	return p
}

func nonNilConds(c []domain.Condition) []domain.Condition {
	if c == nil {
		return []domain.Condition{}
	}
	return c
}
