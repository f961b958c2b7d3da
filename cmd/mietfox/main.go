package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/mietwerk/mietfox/app/controllers"
	"github.com/mietwerk/mietfox/internal/pkg/billing"
	"github.com/mietwerk/mietfox/internal/pkg/cache"
	"github.com/mietwerk/mietfox/internal/pkg/database"
	"github.com/mietwerk/mietfox/internal/pkg/env"
	"github.com/mietwerk/mietfox/internal/pkg/mail"
	"github.com/mietwerk/mietfox/internal/pkg/router"
	"github.com/mietwerk/mietfox/internal/pkg/sweep"
)

func main() {
	app, sweeper := NewApplication()
	sweeper.Start()

	// graceful shutdown: finish the in-flight sweep pass before exiting
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		sweeper.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() (*fiber.App, *sweep.Sweeper) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	// billing wiring: one repository, one reconciliation core, one dispatcher
	repo := billing.NewRepository(database.GetDB())
	provider := billing.NewProviderClientFromEnv()
	service := billing.NewService(repo, provider)
	dispatcher := billing.NewDispatcher(service, repo)
	ingestor := billing.NewIngestor(repo, dispatcher, env.GetEnv("BILLING_WEBHOOK_SECRET", ""))
	service.SetNotifier(mail.NotifyBillingOps)
	sweeper := sweep.NewSweeper(repo, dispatcher, sweep.DefaultConfig())

	controllers.Setup(controllers.Deps{
		Ingestor: ingestor,
		Service:  service,
		Sweeper:  sweeper,
	})

	app := fiber.New(fiber.Config{
		AppName:   "mietfox",
		BodyLimit: 1 << 20, // webhook envelopes are small
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app, sweeper
}
