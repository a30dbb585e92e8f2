// Command seed bootstraps a fresh deployment with the primary AG account.
// It runs migrations first, then creates the account unless one already exists.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/noah-isme/mailtrack-api/internal/models"
	"github.com/noah-isme/mailtrack-api/internal/repository"
	"github.com/noah-isme/mailtrack-api/pkg/config"
	"github.com/noah-isme/mailtrack-api/pkg/database"
)

func main() {
	var (
		email    string
		fullName string
		password string
		force    bool
	)

	flag.StringVar(&email, "email", "ag@example.gov", "email of the primary AG account")
	flag.StringVar(&fullName, "name", "Accountant General", "full name of the primary AG account")
	flag.StringVar(&password, "password", "", "initial password (required)")
	flag.BoolVar(&force, "force", false, "create the account even if a primary AG already exists")
	flag.Parse()

	if password == "" {
		password = os.Getenv("SEED_AG_PASSWORD")
	}
	if password == "" {
		log.Fatal("no password given: pass -password or set SEED_AG_PASSWORD")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()

	if cfg.Database.MigrationsDir != "" {
		if err := database.Migrate(db, cfg.Database.MigrationsDir); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	users := repository.NewUserRepository(db)

	if !force {
		existing, err := users.FindPrimaryAG(ctx)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			log.Fatalf("failed to check for existing primary AG: %v", err)
		}
		if existing != nil {
			fmt.Printf("primary AG already exists (%s), nothing to do\n", existing.Email)
			return
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("failed to hash password: %v", err)
	}

	ag := &models.User{
		Email:        email,
		PasswordHash: string(hash),
		FullName:     fullName,
		Role:         models.RoleAG,
		IsPrimaryAG:  true,
		Active:       true,
	}
	if err := users.Create(ctx, ag); err != nil {
		log.Fatalf("failed to create primary AG: %v", err)
	}

	fmt.Printf("created primary AG %s (%s)\n", ag.FullName, ag.Email)
}
