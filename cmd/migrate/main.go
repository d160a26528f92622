package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"schoolbus-tracker/internal/database"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := database.Connect(dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migration completed successfully!")

	var result struct {
		ParentSessions  int `db:"parent_sessions"`
		TrackedVehicles int `db:"tracked_vehicles"`
		RecordedFixes   int `db:"recorded_fixes"`
	}

	query := `
		SELECT
			(SELECT COUNT(*) FROM parent_sessions) AS parent_sessions,
			(SELECT COUNT(*) FROM vehicle_current_location) AS tracked_vehicles,
			(SELECT COUNT(*) FROM vehicle_fixes) AS recorded_fixes
	`
	if err := db.Get(&result, query); err != nil {
		log.Fatalf("Failed to query summary: %v", err)
	}

	fmt.Println("\n============================================================")
	fmt.Println("MIGRATION SUMMARY")
	fmt.Println("============================================================")
	fmt.Printf("Parent sessions:         %d\n", result.ParentSessions)
	fmt.Printf("Tracked vehicles:        %d\n", result.TrackedVehicles)
	fmt.Printf("Recorded fixes:          %d\n", result.RecordedFixes)
	fmt.Println("============================================================")
}
