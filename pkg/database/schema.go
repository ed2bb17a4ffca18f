package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the timeline schema. Statements are idempotent.
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.WithComponent("database").Info("Creating database schema...")

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	db.logger.WithComponent("database").Info("Database schema created successfully")
	return nil
}

var schemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS btree_gist;`,
	createScheduledEventsTable,
	createScheduledEventsIndexes,
	createDeadlineSetsTable,
	createProposalsTable,
	createPatientsTable,
}

// SQL DDL statements for table creation
const (
	// no_active_overlap is the authoritative guard for the non-overlap invariant:
	// two concurrent writers that both pass the in-process check cannot both commit.
	createScheduledEventsTable = `
		CREATE TABLE IF NOT EXISTS scheduled_events (
			id TEXT PRIMARY KEY,
			resource_id TEXT NOT NULL,
			kind VARCHAR(20) NOT NULL CHECK (kind IN ('appointment', 'surgery')),
			status VARCHAR(20) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'cancelled')),
			start_time TIMESTAMP WITH TIME ZONE NOT NULL,
			end_time TIMESTAMP WITH TIME ZONE NOT NULL,
			patient_ref TEXT NOT NULL,
			title VARCHAR(200) NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			CONSTRAINT valid_interval CHECK (end_time > start_time),
			CONSTRAINT no_active_overlap EXCLUDE USING gist (
				resource_id WITH =,
				tstzrange(start_time, end_time, '[)') WITH &&
			) WHERE (status = 'active')
		);`

	createScheduledEventsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_scheduled_events_resource_start ON scheduled_events(resource_id, start_time);
		CREATE INDEX IF NOT EXISTS idx_scheduled_events_status ON scheduled_events(status);
		CREATE INDEX IF NOT EXISTS idx_scheduled_events_patient_ref ON scheduled_events(patient_ref);`

	createDeadlineSetsTable = `
		CREATE TABLE IF NOT EXISTS deadline_sets (
			patient_ref TEXT PRIMARY KEY,
			anchor_kind VARCHAR(30) NOT NULL,
			anchor_date DATE NOT NULL,
			planned_date DATE,
			deadlines JSONB NOT NULL,
			warning TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	// proposals and patients are owned by other modules of the dashboard;
	// they are created here only so a standalone deployment can run.
	createProposalsTable = `
		CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			patient_ref TEXT NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'draft',
			sent_at TIMESTAMP WITH TIME ZONE,
			accepted_at TIMESTAMP WITH TIME ZONE,
			planned_procedure_date DATE,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createPatientsTable = `
		CREATE TABLE IF NOT EXISTS patients (
			id TEXT PRIMARY KEY,
			display_name VARCHAR(200) NOT NULL
		);`
)
