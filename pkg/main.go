package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	ringlink "github.com/vollawetscher/ringlink/pkg/internal"
	"github.com/vollawetscher/ringlink/pkg/internal/database"
	"github.com/vollawetscher/ringlink/pkg/internal/http"
	"github.com/vollawetscher/ringlink/pkg/internal/http/api"
	"github.com/vollawetscher/ringlink/pkg/internal/services"
	"github.com/vollawetscher/ringlink/pkg/internal/store"
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

func main() {
	// Configure settings
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.SetConfigName("settings")
	viper.SetConfigType("toml")

	// Load settings
	if err := viper.ReadInConfig(); err != nil {
		log.Panic().Err(err).Msg("An error occurred when loading settings.")
	}

	fmt.Println(color.New(color.FgHiCyan, color.Bold).Sprintf("RingLink v%s", ringlink.AppVersion))

	// Connect to database
	if err := database.NewSource(); err != nil {
		log.Fatal().Err(err).Msg("An error occurred when connect to database.")
	} else if err := database.RunMigration(database.C); err != nil {
		log.Fatal().Err(err).Msg("An error occurred when running database auto migration.")
	}

	// Connect media service
	services.SetupLiveKit()

	// Wire the coordination core
	backend := store.NewPostgres(database.C)
	monitor := services.NewRoomMonitor()
	notifier := services.NewWebhookNotifier()

	var issuer services.TokenIssuer = services.LiveKitIssuer{}
	if endpoint := viper.GetString("calling.token_endpoint"); endpoint != "" {
		issuer = services.RemoteIssuer{Endpoint: endpoint}
	}

	hub := services.NewHub(backend, issuer, services.LiveKitRooms{}, notifier, monitor)
	hub.Start()

	// Server
	http.NewServer(api.Deps{
		Store:   backend,
		Hub:     hub,
		Monitor: monitor,
	})
	go http.Listen()

	// Configure timed tasks
	quartz := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger)))
	quartz.AddFunc("@every 1m", func() { services.SweepExpiredInvitations(backend) })
	quartz.AddFunc("@every 1m", func() { services.SweepStalePresence(backend) })
	quartz.AddFunc("@every 60m", services.DoAutoDatabaseCleanup)
	quartz.Start()

	// Messages
	log.Info().Msgf("RingLink v%s is started...", ringlink.AppVersion)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msgf("RingLink v%s is quitting...", ringlink.AppVersion)

	quartz.Stop()
	hub.Stop()
}
