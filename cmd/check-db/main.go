// Package main is a diagnostic tool for testing backend connectivity and
// inspecting live organization data. It connects to the configured registry and
// partition store, pings both, and prints every registered organization next
// to the state of its partition. Partitions with no owning organization are
// listed as orphans. The binary exits with a non-zero code when a backend is
// unreachable or the registry and store disagree, so it can gate deployments.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/org-partitions/org-service/internal/config"
	"github.com/org-partitions/org-service/internal/db"
	"github.com/org-partitions/org-service/internal/partition"
	_ "github.com/org-partitions/org-service/internal/partition/mongo"
	"github.com/org-partitions/org-service/internal/registry"
	_ "github.com/org-partitions/org-service/internal/registry/mongo"
	_ "github.com/org-partitions/org-service/internal/registry/postgres"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var mongoDB *mongo.Database
	if cfg.UsesMongo() {
		client, err := db.ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.AppName, cfg.Mongo.ConnectTimeout)
		if err != nil {
			log.Fatalf("Failed to connect: %v", err)
		}
		defer client.Disconnect(context.Background())
		mongoDB = client.Database(cfg.Mongo.Database)
		fmt.Printf("Mongo: connected (database %s)\n", cfg.Mongo.Database)
	}

	var sqlDB *sql.DB
	if cfg.Registry.Backend == "postgres" {
		sqlDB, err = db.Connect(cfg.Database.GetDSN(), 2, 1)
		if err != nil {
			log.Fatalf("Failed to connect: %v", err)
		}
		defer sqlDB.Close()
		fmt.Printf("Postgres: connected (database %s)\n", cfg.Database.Name)
	}

	reg, err := registry.New(cfg.Registry.Backend, registry.Deps{Config: cfg, Mongo: mongoDB, DB: sqlDB})
	if err != nil {
		log.Fatalf("Failed to open registry: %v", err)
	}
	store, err := partition.New(cfg.Partitions.Backend, partition.Deps{Config: cfg, Mongo: mongoDB})
	if err != nil {
		log.Fatalf("Failed to open partition store: %v", err)
	}

	if err := reg.Ping(ctx); err != nil {
		log.Fatalf("Registry ping failed: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("Partition store ping failed: %v", err)
	}

	orgs, err := reg.List(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	ids, err := store.List(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	present := make(map[string]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}

	problems := 0

	fmt.Println("=== ORGANIZATIONS ===")
	owned := make(map[string]bool, len(orgs))
	for _, org := range orgs {
		owned[org.PartitionID] = true
		state := "missing"
		if present[org.PartitionID] {
			n, err := store.Count(ctx, org.PartitionID)
			if err != nil {
				log.Printf("Warning: failed to count %s: %v", org.PartitionID, err)
				state = "unknown"
			} else {
				state = fmt.Sprintf("%d documents", n)
			}
		} else {
			problems++
		}
		fmt.Printf("Organization: %s (partition %s, admin %s) - %s\n", org.Name, org.PartitionID, org.AdminEmail, state)
	}
	if len(orgs) == 0 {
		fmt.Println("No organizations found!")
	}

	fmt.Println("\n=== ORPHAN PARTITIONS ===")
	orphans := 0
	for _, id := range ids {
		if strings.HasPrefix(id, partition.Prefix) && !owned[id] {
			fmt.Printf("Partition: %s\n", id)
			orphans++
		}
	}
	if orphans == 0 {
		fmt.Println("None")
	}

	if problems+orphans > 0 {
		fmt.Printf("\n%d missing and %d orphaned partitions; run `server sweep` to repair\n", problems, orphans)
		os.Exit(1)
	}
}
