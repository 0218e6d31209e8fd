package sshmetrics

import (
	"context"
	"log"

	"github.com/robfig/cron/v3"

	"github.com/servoxhq/servox/internal/database"
)

// StartScheduler begins the five-minute sweep over deployed instances.
// Each instance is refreshed in its own goroutine; the per-instance
// in-flight guard in FetchAndStore keeps overlapping polls from racing.
// The returned cron is stopped by the caller on shutdown.
func StartScheduler(c *Collector) *cron.Cron {
	cr := cron.New()
	_, err := cr.AddFunc("@every 5m", func() { sweepDeployed(c) })
	if err != nil {
		log.Printf("[metrics] scheduler setup failed: %v", err)
		return cr
	}
	cr.Start()
	log.Printf("[metrics] scheduler started (every 5m)")
	return cr
}

func sweepDeployed(c *Collector) {
	orders, err := database.ListDeployedOrders()
	if err != nil {
		log.Printf("[metrics] list deployed instances: %v", err)
		return
	}
	for i := range orders {
		target, err := TargetFromOrder(&orders[i])
		if err != nil {
			log.Printf("[metrics] skipping instance %d: %v", orders[i].ID, err)
			continue
		}
		go c.FetchAndStore(context.Background(), target)
	}
}
