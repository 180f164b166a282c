// Command seed-db loads a floor plan (dining tables and menu) for local
// development and tests.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/tablepos/internal/domain/menu"
	"github.com/xenking/tablepos/internal/domain/table"
	"github.com/xenking/tablepos/internal/storage/postgres"
)

type floorPlan struct {
	Tables []struct {
		ID       string `json:"id"`
		Label    string `json:"label"`
		Capacity int    `json:"capacity"`
	} `json:"tables"`
	Menu []struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Price     decimal.Decimal `json:"price"`
		Available bool            `json:"available"`
	} `json:"menu"`
}

// catalog is implemented by *postgres.Catalog.
type catalog interface {
	UpsertTable(ctx context.Context, t table.Table) error
	UpsertMenuItem(ctx context.Context, mi menu.Item) error
}

func main() {
	var (
		databaseURL string
		floorFile   string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&floorFile, "floor-file", "db/seed/floor.json", "path to floor plan JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, floorFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, floorFile string) error {
	plan, err := readFloorPlan(floorFile)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return seed(ctx, postgres.NewCatalog(pool), plan)
}

func readFloorPlan(path string) (*floorPlan, error) {
	slog.Info("reading floor plan", slog.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read floor plan")
	}
	var plan floorPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, errors.Wrap(err, "parse floor plan")
	}

	labels := make(map[string]string, len(plan.Tables))
	for _, t := range plan.Tables {
		if t.ID == "" || t.Label == "" {
			return nil, errors.Errorf("table %q: id and label are required", t.ID)
		}
		if other, ok := labels[t.Label]; ok {
			return nil, errors.Errorf("tables %q and %q share label %q", other, t.ID, t.Label)
		}
		labels[t.Label] = t.ID
	}
	for _, mi := range plan.Menu {
		if mi.ID == "" || mi.Price.IsNegative() {
			return nil, errors.Errorf("menu item %q: id and a non-negative price are required", mi.ID)
		}
	}
	return &plan, nil
}

func seed(ctx context.Context, c catalog, plan *floorPlan) error {
	slog.Info("upserting tables", slog.Int("count", len(plan.Tables)))
	for _, t := range plan.Tables {
		if err := c.UpsertTable(ctx, table.Table{
			ID:       t.ID,
			Label:    t.Label,
			Capacity: t.Capacity,
			Status:   table.StatusFree,
		}); err != nil {
			return errors.Wrapf(err, "upsert table %s", t.ID)
		}
		slog.Info("upserted table", slog.String("id", t.ID), slog.String("label", t.Label))
	}

	slog.Info("upserting menu", slog.Int("count", len(plan.Menu)))
	for _, mi := range plan.Menu {
		if err := c.UpsertMenuItem(ctx, menu.Item{
			ID:        mi.ID,
			Name:      mi.Name,
			Price:     mi.Price,
			Available: mi.Available,
		}); err != nil {
			return errors.Wrapf(err, "upsert menu item %s", mi.ID)
		}
		slog.Info("upserted menu item", slog.String("id", mi.ID), slog.String("name", mi.Name))
	}
	return nil
}
