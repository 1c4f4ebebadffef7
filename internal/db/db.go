package db

import (
	"fmt"

	"agenda/internal/appointment"
	"agenda/internal/auth"
	"agenda/internal/chain"
	"agenda/internal/jobs"
	"agenda/internal/ledger"
	"agenda/internal/warning"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func Connect(dsn string, debug bool) (*gorm.DB, error) {
	level := gormLogger.Warn
	if debug {
		level = gormLogger.Info
	}
	// TranslateError maps unique violations to gorm.ErrDuplicatedKey
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(level),
	})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	// Tables
	if err := gdb.AutoMigrate(
		&jobs.Job{},
		&appointment.Appointment{},
		&appointment.Funding{},
		&appointment.Contact{},
		&ledger.PackageOrder{},
		&ledger.SessionConsumption{},
		&ledger.PendingOrder{},
		&warning.Warning{},
		&chain.State{},
		&auth.Operator{},
	); err != nil {
		return err
	}

	// At most one live job per dedup key. Finished jobs keep their key for lookups.
	if err := gdb.Exec(`
create unique index if not exists uq_jobs_live_dedup
on jobs(dedup_key)
where dedup_key is not null and status = 'scheduled';
`).Error; err != nil {
		return err
	}

	// One instance per chain position
	if err := gdb.Exec(`
create unique index if not exists uq_appointments_chain_position
on appointments(chain_id, chain_position)
where chain_id is not null;
`).Error; err != nil {
		return err
	}

	stmts := []string{
		`create unique index if not exists uq_fundings_participant on fundings(appointment_id, participant_id);`,
		`create unique index if not exists uq_consumptions_order_appt on session_consumptions(order_id, appointment_id);`,
		`create unique index if not exists uq_pending_orders_participant on pending_orders(appointment_id, participant_id);`,
		`create index if not exists idx_jobs_due on jobs(status, run_at, priority desc);`,
		`create index if not exists idx_jobs_lock on jobs(status, lease_expires_at);`,
		`create index if not exists idx_warnings_owner_status on warnings(owner_id, status, id desc);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
