package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/bootstrap"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/internal/config"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/router"
)

func main() {
	log.Println("Starting automation API...")

	if err := config.LoadConfig(os.Getenv("LEADFLOW_CONFIG_PATH")); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	rt, err := bootstrap.New(config.App)
	if err != nil {
		log.Fatalf("Failed to initialize runtime: %v", err)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt.StartNotifications()

	srv := &http.Server{
		Addr:              ":" + config.App.Port,
		Handler:           router.NewGinRouter(rt.Automation, rt.PG, rt.Redis),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down API...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
	}
	// in-flight requests are done, flush what they dispatched
	rt.StopNotifications()
	log.Println("API stopped")
}
