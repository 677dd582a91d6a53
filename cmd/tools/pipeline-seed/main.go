// cmd/tools/pipeline-seed/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"crm-pipeline/internal/common/config"
	"crm-pipeline/internal/common/database"
	"crm-pipeline/internal/common/errors"
	"crm-pipeline/internal/common/logger"
	"crm-pipeline/internal/pipeline"
	"crm-pipeline/pkg/fixtures"
)

const seedActor = "pipeline-seed"

func main() {
	seedCmd := flag.NewFlagSet("seed", flag.ExitOnError)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)

	seedPath := seedCmd.String("path", "configs/seed.yaml", "Path to fixture file")
	migrate := seedCmd.Bool("migrate", false, "Apply the schema before seeding")
	validatePath := validateCmd.String("path", "configs/seed.yaml", "Path to fixture file")

	if len(os.Args) < 2 {
		help()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "seed":
		seedCmd.Parse(os.Args[2:])
		if err := seed(*seedPath, *migrate); err != nil {
			fmt.Printf("Seeding failed: %v\n", err)
			os.Exit(1)
		}

	case "validate":
		validateCmd.Parse(os.Args[2:])
		f, err := loadFixtures(*validatePath)
		if err != nil {
			fmt.Printf("Fixture validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Fixture validation passed. Found %d applications.\n", len(f.Applications))

	case "help":
		fallthrough
	default:
		help()
	}
}

func loadFixtures(path string) (*fixtures.File, error) {
	f, err := fixtures.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load fixtures: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// seed creates every fixture application and moves it to its target stage
// through the regular service path, so activity and outbox rows are written
// exactly as for a live move. Existing applications are skipped.
func seed(path string, migrate bool) error {
	f, err := loadFixtures(path)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	log := logger.NewZapAdapter(logger.New(cfg.Logging.Level, "console", "stderr"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg, err := database.NewPostgres(cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Ping(ctx); err != nil {
		return err
	}
	if migrate {
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}

	svc := pipeline.NewService(pipeline.NewPostgresRepository(pg.DB), cfg.Pipeline, log)

	created, skipped := 0, 0
	for _, fx := range f.Applications {
		app, err := svc.CreateApplication(ctx, fx.NewApplication(seedActor))
		if err != nil {
			if errors.Normalize(err).Code == errors.ErrCodeDuplicateApplication {
				skipped++
				continue
			}
			return fmt.Errorf("create %s: %w", fx.BusinessName, err)
		}
		created++

		target, _ := fx.TargetStage()
		if target == app.Stage {
			continue
		}
		if _, err := svc.Move(ctx, pipeline.MoveRequest{
			ApplicationID: app.ID,
			ToStage:       string(target),
			Note:          fx.Note,
			Actor:         seedActor,
		}); err != nil {
			return fmt.Errorf("move %s to %s: %w", fx.BusinessName, target, err)
		}
	}

	fmt.Printf("Seeded %d applications (%d already present).\n", created, skipped)
	return nil
}

func help() {
	fmt.Print(`
Usage: pipeline-seed <command> [flags]

Commands:
  seed      Create fixture applications and move them to their stages
  validate  Validate a fixture file without touching the database
  help      Show this help message

Examples:
  pipeline-seed validate -path configs/seed.yaml
  pipeline-seed seed -path configs/seed.yaml -migrate

Use 'pipeline-seed <command> -h' for more information about a command.
` + "\n")
}
