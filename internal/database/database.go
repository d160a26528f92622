package database

import (
	"fmt"
	"log"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers as "sqlite", which sqlx does not know the bindvar style of
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// driverFor maps a DATABASE_URL onto a database/sql driver name and DSN.
// postgres:// and postgresql:// go to lib/pq, sqlite:// to the embedded sqlite driver.
func driverFor(dbURL string) (string, string, error) {
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		return "postgres", dbURL, nil
	case strings.HasPrefix(dbURL, "sqlite://"):
		dsn := strings.TrimPrefix(dbURL, "sqlite://")
		if dsn == "" {
			return "", "", fmt.Errorf("sqlite URL has no path")
		}
		return "sqlite", dsn, nil
	}
	return "", "", fmt.Errorf("unsupported database URL scheme: %q", dbURL[:min(12, len(dbURL))])
}

func Connect(dbURL string) (*sqlx.DB, error) {
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Println("🔌 DATABASE CONNECTION ATTEMPT")
	log.Printf("   📍 Database URL length: %d characters", len(dbURL))

	driver, dsn, err := driverFor(dbURL)
	if err != nil {
		log.Println("❌ DATABASE URL REJECTED")
		log.Printf("   Error message: %v", err)
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		return nil, err
	}
	log.Printf("   📍 Driver: %s", driver)
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	log.Println("🔄 Step 1: Attempting sqlx.Connect()...")
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("❌ DATABASE CONNECTION FAILED AT sqlx.Connect()")
		log.Printf("   Error type: %T", err)
		log.Printf("   Error message: %v", err)
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Println("✅ Step 1 Complete: sqlx.Connect() succeeded")

	// sqlite allows a single writer
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	log.Println("🔄 Step 2: Testing connection with Ping()...")
	if err := db.Ping(); err != nil {
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("❌ DATABASE CONNECTION FAILED AT Ping()")
		log.Printf("   Error type: %T", err)
		log.Printf("   Error message: %v", err)
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Println("✅ Step 2 Complete: Ping() succeeded")

	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Println("✅ DATABASE CONNECTION SUCCESSFUL")
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	return db, nil
}

// Migrate creates the tables. The SQL is kept to the subset postgres and sqlite share.
func Migrate(db *sqlx.DB) error {
	migrations := []string{
		// One row per parent: the child they last selected and their push token
		`CREATE TABLE IF NOT EXISTS parent_sessions (
			user_id TEXT PRIMARY KEY,
			selected_admission INTEGER,
			device_token TEXT,
			updated_at BIGINT NOT NULL
		)`,

		// Latest position per vehicle, updated via UPSERT
		`CREATE TABLE IF NOT EXISTS vehicle_current_location (
			vehicle_no TEXT PRIMARY KEY,
			trip_id TEXT,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			speed DOUBLE PRECISION,
			heading DOUBLE PRECISION,
			timestamp BIGINT NOT NULL
		)`,

		// Every accepted fix, for replaying a trip after the fact
		`CREATE TABLE IF NOT EXISTS vehicle_fixes (
			vehicle_no TEXT NOT NULL,
			trip_id TEXT,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			speed DOUBLE PRECISION,
			heading DOUBLE PRECISION,
			timestamp BIGINT NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_vehicle_fixes_vehicle_timestamp ON vehicle_fixes(vehicle_no, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_vehicle_fixes_trip_id ON vehicle_fixes(trip_id)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Println("✓ Database migrations completed")
	return nil
}
