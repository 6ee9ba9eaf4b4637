// Command apiserver runs the job submission HTTP API, generalizing the
// teacher's apiserver entrypoint (internal/httpapi.NewRouter wired from
// db/config/redis) into the job-core's own collaborators.
package main

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/cncaiprojem/jobcore/internal/config"
	"github.com/cncaiprojem/jobcore/internal/httpapi"
	"github.com/cncaiprojem/jobcore/internal/httpapi/handlers"
	"github.com/cncaiprojem/jobcore/internal/jobcore/broker"
	"github.com/cncaiprojem/jobcore/internal/jobcore/cancel"
	"github.com/cncaiprojem/jobcore/internal/jobcore/dispatch"
	"github.com/cncaiprojem/jobcore/internal/jobcore/jobstore"
	"github.com/cncaiprojem/jobcore/internal/jobcore/progress"
)

func main() {
	cfg := config.Load()

	gdb, err := gorm.Open(mysql.Open(cfg.DBDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	if err := gdb.AutoMigrate(&jobstore.Job{}, &jobstore.AuditEntry{}); err != nil {
		log.Fatalf("automigrate: %v", err)
	}
	store := jobstore.New(gdb)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})

	ctx := context.Background()
	conn, ch, err := broker.Connect(ctx, cfg.RabbitURL, cfg.BrokerDialAttempts, cfg.BrokerDialDelay)
	if err != nil {
		log.Fatalf("broker connect: %v", err)
	}
	defer conn.Close()
	defer ch.Close()
	if err := ch.Confirm(false); err != nil {
		log.Fatalf("confirm mode: %v", err)
	}

	pub := progress.NewPublisher(ch, rdb)
	disp := dispatch.New(store, ch, pub)
	cancelSvc := cancel.New(rdb, store)

	h := handlers.NewHandler(store, disp, cancelSvc)
	router := httpapi.NewRouter(h)

	log.Printf("apiserver listening on %s", cfg.HTTPAddr)
	if err := router.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("http server: %v", err)
	}
}
