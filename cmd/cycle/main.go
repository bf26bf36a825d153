// Command cycle runs or closes a payout period once, outside the server's
// schedule. It must not run while the engine server is up: both would write
// the same tree.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"mlmengine/internal/network"
	"mlmengine/internal/repository/postgres"
	"mlmengine/internal/scheduler"
	"mlmengine/pkg/config"
	"mlmengine/pkg/logger"
)

const usage = "Usage: cycle [run [PERIOD]|close PERIOD|settle]"

func main() {
	cfg := config.Load()
	log := logger.New("payout-cycle")

	if len(os.Args) < 2 {
		log.Fatal(usage, nil)
	}
	command := os.Args[1]

	plan, err := config.LoadPlan(cfg.Plan.Path)
	if err != nil {
		log.Fatal("Failed to load compensation plan", map[string]interface{}{"error": err.Error()})
	}

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	svc, err := network.NewService(plan, postgres.NewStore(db), log, network.Config{
		QueueSize:          cfg.Payout.CommandQueueSize,
		ResetVolumeOnClose: cfg.Payout.ResetVolumeOnClose,
		PeriodLayout:       cfg.Payout.PeriodLayout,
	})
	if err != nil {
		log.Fatal("Failed to build network engine", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := svc.Load(ctx); err != nil {
		log.Fatal("Failed to restore network state", map[string]interface{}{"error": err.Error()})
	}
	go func() { _ = svc.Run(ctx) }()

	period := network.PreviousPeriodKey(time.Now(), cfg.Payout.PeriodLayout)
	if len(os.Args) > 2 {
		period = os.Args[2]
	}

	switch command {
	case "run":
		summary, err := svc.RunCycle(ctx, period)
		if err != nil {
			log.Fatal("Payout cycle failed", map[string]interface{}{"period": period, "error": err.Error()})
		}
		fmt.Printf("Period %s: %d entries added, %d advanced, %d flagged, %d demoted\n",
			summary.PeriodKey, summary.EntriesAdded, summary.Advanced, summary.Flagged, summary.Demoted)

	case "close":
		if len(os.Args) < 3 {
			log.Fatal(usage, nil)
		}
		if err := svc.ClosePeriod(ctx, period); err != nil {
			log.Fatal("Period close failed", map[string]interface{}{"period": period, "error": err.Error()})
		}
		log.Info("Period closed", map[string]interface{}{"period": period})

	case "settle":
		payouts, err := scheduler.NewScheduler(svc, cfg.Payout.Cron, cfg.Payout.PeriodLayout, log)
		if err != nil {
			log.Fatal("Invalid payout schedule", map[string]interface{}{"error": err.Error()})
		}
		if err := payouts.RunPayout(ctx); err != nil {
			log.Fatal("Payout failed", map[string]interface{}{"error": err.Error()})
		}

	default:
		log.Fatal("Unknown command", map[string]interface{}{"command": command})
	}
}
