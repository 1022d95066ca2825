// Command main runs the database seeder for CampusLink.
package main

import (
	"flag"
	"log"

	"campuslink/internal/config"
	"campuslink/internal/database"
	"campuslink/internal/seed"
)

func main() {
	numProfiles := flag.Int("profiles", 50, "Number of profiles to create")
	numGroups := flag.Int("groups", 10, "Number of group/course conversations to create")
	maxMessages := flag.Int("max-messages", 25, "Maximum messages per conversation")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	dryRun := flag.Bool("dry-run", false, "Log what would be created without writing")
	flag.Parse()

	log.Println("Database Seeder")
	log.Println("===============")
	log.Printf("Target: %d profiles, %d groups, clean=%v dry-run=%v\n",
		*numProfiles, *numGroups, *shouldClean, *dryRun)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := seed.Seed(db, seed.Options{
		NumProfiles: *numProfiles,
		NumGroups:   *numGroups,
		MaxMessages: *maxMessages,
		ShouldClean: *shouldClean,
		DryRun:      *dryRun,
	}); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}

	log.Println("All done! The database is populated with demo conversations.")
}
