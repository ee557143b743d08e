// Package provision creates and repairs tenant storage namespaces. Structural
// changes are described as an explicit, versioned list of change units and
// recorded per namespace in a ledger table, so provisioning is idempotent and
// resumable regardless of how far a previous attempt got.
package provision

import "sort"

// DeferredSentinel is the ledger marker meaning only the minimal onboarding
// units have been applied and the rest were deliberately deferred.
const DeferredSentinel = "_minimal_only"

// LedgerTable is the namespace-local bookkeeping table name.
const LedgerTable = "schema_changes"

// ChangeUnit is one logical structural change. Units are applied in ID order,
// each in its own transaction, and recorded in the ledger when done.
// Statements use the {schema} placeholder for the target namespace.
type ChangeUnit struct {
	ID         string
	Module     string
	Minimal    bool
	Tables     []string
	Statements []string
}

// Changeset is the full ordered list of structural changes for a tenant
// namespace. Appending new units is the only supported evolution; existing
// units are immutable once shipped.
var Changeset = []ChangeUnit{
	{
		ID:      "0001_core_settings",
		Module:  "core",
		Minimal: true,
		Tables:  []string{"tenant_settings"},
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS {schema}.tenant_settings (
				key TEXT PRIMARY KEY,
				value JSONB NOT NULL DEFAULT '{}'::jsonb,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
	},
	{
		ID:      "0002_core_members",
		Module:  "core",
		Minimal: true,
		Tables:  []string{"members"},
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS {schema}.members (
				id UUID PRIMARY KEY,
				user_id TEXT NOT NULL UNIQUE,
				display_name TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL DEFAULT 'member',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
	},
	{
		ID:      "0003_billing_invoices",
		Module:  "billing",
		Minimal: true,
		Tables:  []string{"invoices"},
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS {schema}.invoices (
				id UUID PRIMARY KEY,
				number TEXT NOT NULL UNIQUE,
				customer_name TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'draft',
				total_cents BIGINT NOT NULL DEFAULT 0,
				currency TEXT NOT NULL DEFAULT 'USD',
				issued_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
	},
	{
		ID:     "0004_billing_invoice_lines",
		Module: "billing",
		Tables: []string{"invoice_lines"},
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS {schema}.invoice_lines (
				id UUID PRIMARY KEY,
				invoice_id UUID NOT NULL REFERENCES {schema}.invoices(id) ON DELETE CASCADE,
				description TEXT NOT NULL,
				quantity NUMERIC(12,3) NOT NULL DEFAULT 1,
				unit_price_cents BIGINT NOT NULL DEFAULT 0,
				tax_rate_id UUID
			)`,
			`CREATE INDEX IF NOT EXISTS invoice_lines_invoice_idx ON {schema}.invoice_lines (invoice_id)`,
		},
	},
	{
		ID:     "0005_billing_tax_rates",
		Module: "billing",
		Tables: []string{"tax_rates"},
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS {schema}.tax_rates (
				id UUID PRIMARY KEY,
				name TEXT NOT NULL,
				rate_ppm BIGINT NOT NULL,
				region TEXT NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL DEFAULT TRUE
			)`,
		},
	},
	{
		ID:     "0006_ads_campaigns",
		Module: "ads",
		Tables: []string{"campaigns"},
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS {schema}.campaigns (
				id UUID PRIMARY KEY,
				name TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'paused',
				daily_budget_cents BIGINT NOT NULL DEFAULT 0,
				starts_at TIMESTAMPTZ,
				ends_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
	},
	{
		ID:     "0007_ads_ad_groups",
		Module: "ads",
		Tables: []string{"ad_groups"},
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS {schema}.ad_groups (
				id UUID PRIMARY KEY,
				campaign_id UUID NOT NULL REFERENCES {schema}.campaigns(id) ON DELETE CASCADE,
				name TEXT NOT NULL,
				bid_cents BIGINT NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS ad_groups_campaign_idx ON {schema}.ad_groups (campaign_id)`,
		},
	},
	{
		ID:     "0008_marketplace_listings",
		Module: "marketplace",
		Tables: []string{"listings"},
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS {schema}.listings (
				id UUID PRIMARY KEY,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				price_cents BIGINT NOT NULL DEFAULT 0,
				currency TEXT NOT NULL DEFAULT 'USD',
				status TEXT NOT NULL DEFAULT 'draft',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
	},
	{
		ID:     "0009_marketplace_offers",
		Module: "marketplace",
		Tables: []string{"offers"},
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS {schema}.offers (
				id UUID PRIMARY KEY,
				listing_id UUID NOT NULL REFERENCES {schema}.listings(id) ON DELETE CASCADE,
				buyer_user_id TEXT NOT NULL,
				amount_cents BIGINT NOT NULL,
				status TEXT NOT NULL DEFAULT 'open',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS offers_listing_idx ON {schema}.offers (listing_id)`,
		},
	},
	{
		ID:     "0010_messaging_channels",
		Module: "messaging",
		Tables: []string{"channels"},
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS {schema}.channels (
				id UUID PRIMARY KEY,
				kind TEXT NOT NULL,
				external_ref TEXT NOT NULL DEFAULT '',
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
	},
	{
		ID:     "0011_messaging_messages",
		Module: "messaging",
		Tables: []string{"messages"},
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS {schema}.messages (
				id UUID PRIMARY KEY,
				channel_id UUID NOT NULL REFERENCES {schema}.channels(id) ON DELETE CASCADE,
				direction TEXT NOT NULL,
				body TEXT NOT NULL DEFAULT '',
				sent_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS messages_channel_idx ON {schema}.messages (channel_id)`,
		},
	},
}

// MinimalUnits returns the onboarding subset in order.
func MinimalUnits() []ChangeUnit {
	var units []ChangeUnit
	for _, u := range Changeset {
		if u.Minimal {
			units = append(units, u)
		}
	}
	return units
}

// ExpectedTables is the table set of a fully provisioned namespace, ledger
// included, sorted by name.
func ExpectedTables() []string {
	tables := []string{LedgerTable}
	for _, u := range Changeset {
		tables = append(tables, u.Tables...)
	}
	sort.Strings(tables)
	return tables
}

// MinimalTables is the table set present after minimal provisioning.
func MinimalTables() []string {
	tables := []string{LedgerTable}
	for _, u := range Changeset {
		if u.Minimal {
			tables = append(tables, u.Tables...)
		}
	}
	sort.Strings(tables)
	return tables
}
