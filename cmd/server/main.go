package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	appMiddleware "edgesession/server/seedwork/application/middleware"
	"edgesession/server/seedwork/infrastructure/container"
)

func main() {
	c, err := container.NewContainer()
	if err != nil {
		log.Fatalf("failed to build container: %v", err)
	}

	if c.Config.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(appMiddleware.Logger(), appMiddleware.CORS(), appMiddleware.ErrorHandler(), gin.Recovery())

	c.GetSessionRoutes().SetupRoutes(router.Group(""))

	srv := &http.Server{
		Addr:    ":" + c.Config.Server.Port,
		Handler: router,
	}

	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}
}
