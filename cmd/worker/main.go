package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/bootstrap"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/config"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/workers"
)

func main() {
	log.Println("Starting workers...")

	if err := config.LoadConfig(os.Getenv("LEADFLOW_CONFIG_PATH")); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	rt, err := bootstrap.New(config.App)
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer rt.Close()

	rotationWorker := workers.NewRotationWorker(rt.Automation, config.App.Rotation.SweepInterval)
	segmentWorker := workers.NewSegmentRefreshWorker(rt.Automation.Segments, config.App.Segments.RefreshInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	log.Println("Starting notification worker...")
	rt.StartNotifications()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Println("Starting rotation worker...")
		rotationWorker.StartRotationWorker(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		segmentWorker.StartSegmentRefreshWorker(ctx)
	}()

	log.Println("Workers started successfully. Press Ctrl+C to stop.")
	<-ctx.Done()

	log.Println("Shutting down workers...")
	wg.Wait()
	// sweeps have returned, flush their reassignment notifications
	rt.StopNotifications()
	log.Println("Workers stopped")
}
