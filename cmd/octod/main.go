package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"octotelematics-backend/lib/configutil"
	"octotelematics-backend/lib/restyutil"
	"octotelematics-backend/lib/scrapers/octo"
	"octotelematics-backend/lib/serviceutil"
	"octotelematics-backend/lib/telemetry"
	"octotelematics-backend/services/telematics"
)

type Config struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// defaults to 1440 (daily) when unset
	PollIntervalMinutes int    `json:"poll_interval_minutes"`
	Port                int    `json:"port"`
	BaseUrl             string `json:"base_url"`
	Verbose             bool   `json:"verbose"`
}

func main() {
	ctx := serviceutil.SignalContext()

	config, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	if config.PollIntervalMinutes < 0 {
		serviceutil.Fatal(
			"failed to read config",
			fmt.Errorf("poll_interval_minutes must be a positive integer"),
		)
	}
	if config.Port == 0 {
		config.Port = 8460
	}

	telemetry.InitSlog(config.Verbose)
	err = telemetry.SetupFromEnv(ctx, "octod")
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	defer telemetry.Shutdown(context.Background())
	telemetry.InstrumentPerfStats(ctx)

	if config.Verbose {
		octo.SetRestyInstrumentOutput(restyutil.NewFilesystemOutput(".dev/resty/octo"))
	}

	poller, err := telematics.NewPoller(ctx, telematics.Options{
		BaseUrl:  config.BaseUrl,
		Username: config.Username,
		Password: config.Password,
	})
	if err != nil {
		serviceutil.Fatal("failed to initialize poller", err)
	}
	sensor := telematics.NewSensor(poller)

	go sensor.RunDaemon(ctx, time.Duration(config.PollIntervalMinutes)*time.Minute)

	mux := http.NewServeMux()
	mux.Handle("/measurement", sensor)
	go serviceutil.StartHttpServer(config.Port, mux)

	<-ctx.Done()
}
