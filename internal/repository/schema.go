package repository

// Schema definitions for the vatcalc database.
// Compatible with both SQLite and PostgreSQL. Dates are stored as YYYY-MM-DD
// text so window comparisons behave the same on both drivers, and money is
// stored as decimal text.

const schemaPricingRules = `
CREATE TABLE IF NOT EXISTS pricing_rules (
    id TEXT PRIMARY KEY,
    country_code TEXT NOT NULL DEFAULT '',
    scope TEXT NOT NULL DEFAULT 'country',
    type TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    effective_from TEXT NOT NULL,
    effective_to TEXT,
    priority INTEGER NOT NULL DEFAULT 0,
    parameters TEXT NOT NULL,
    conditions TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pricing_rules_country ON pricing_rules(country_code, is_active);
CREATE INDEX IF NOT EXISTS idx_pricing_rules_scope ON pricing_rules(scope, is_active);
CREATE INDEX IF NOT EXISTS idx_pricing_rules_window ON pricing_rules(effective_from, effective_to);
`

const schemaCalculations = `
CREATE TABLE IF NOT EXISTS calculations (
    id TEXT PRIMARY KEY,
    as_of TEXT NOT NULL,
    total_cost TEXT NOT NULL,
    currency TEXT NOT NULL,
    snapshot_hash TEXT NOT NULL,
    request TEXT NOT NULL,
    result TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_calculations_as_of ON calculations(as_of);
CREATE INDEX IF NOT EXISTS idx_calculations_snapshot ON calculations(snapshot_hash);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaPricingRules,
		schemaCalculations,
	}
}
