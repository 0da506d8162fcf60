package approuters

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Deskwire/internal/configuration"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func StartServer(container *configuration.Container) {
	// WebSocket handler; the gateway authenticates before upgrading.
	http.HandleFunc("/dw/ws", container.Gateway.ServeWS)

	socketServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", container.Config.Server.SocketPort),
		Handler:     nil, // uses DefaultServeMux
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	appServer := createAppServer(container)

	// Channel to listen for errors from servers
	serverErrors := make(chan error, 3)

	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	if container.Consumer != nil {
		go func() {
			if err := container.Consumer.Run(ingestCtx); err != nil {
				serverErrors <- fmt.Errorf("ingest consumer error: %w", err)
			}
		}()
	}

	// Start socket server
	go func() {
		log.Printf("Socket server starting at ws://localhost:%d", container.Config.Server.SocketPort)
		if err := socketServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("socket server error: %w", err)
		}
	}()

	// Start application server
	go func() {
		log.Printf("Application server starting at http://localhost:%d", container.Config.Server.AppPort)
		if err := appServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("app server error: %w", err)
		}
	}()

	// Listen for shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		log.Printf("Server error: %v", err)
	case sig := <-quit:
		log.Printf("Received signal: %v. Initiating graceful shutdown...", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown sequence: stop pulling new ingest records, then stop accepting
	// HTTP, then drain live connections via Container.Close.
	log.Println("Stopping ingest consumer...")
	stopIngest()

	log.Println("Shutting down socket server...")
	if err := socketServer.Shutdown(ctx); err != nil {
		log.Printf("Socket server shutdown error: %v", err)
	}

	log.Println("Shutting down application server...")
	if err := appServer.Shutdown(ctx); err != nil {
		log.Printf("App server shutdown error: %v", err)
	}

	log.Println("Graceful shutdown complete")
}

func createAppServer(container *configuration.Container) *http.Server {
	router := gin.Default()

	origins := container.Config.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:4200"}
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Org-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Welcome to Deskwire Application Server!",
		})
	})

	ConversationRouters(router, container)
	MonitorRouters(router, container)

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", container.Config.Server.AppPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
