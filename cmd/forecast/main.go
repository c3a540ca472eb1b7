package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/stupiduntilnot/pollbot/internal/config"
	"github.com/stupiduntilnot/pollbot/internal/logging"
	"github.com/stupiduntilnot/pollbot/internal/weather"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("forecast", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	apiKey := fs.String("key", "", "Yandex weather API key (default $POLLBOT_WEATHER_API_KEY)")
	endpoint := fs.String("endpoint", "", "forecast endpoint (default $POLLBOT_WEATHER_ENDPOINT or the public API)")
	lat := fs.Float64("lat", 0, "latitude")
	lon := fs.Float64("lon", 0, "longitude")
	verbose := fs.Bool("v", false, "log requests")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	key := *apiKey
	if key == "" {
		key = os.Getenv("POLLBOT_WEATHER_API_KEY")
	}
	if key == "" {
		fmt.Fprintln(stderr, "POLLBOT_WEATHER_API_KEY (or -key) is required")
		return 2
	}
	ep := *endpoint
	if ep == "" {
		ep = os.Getenv("POLLBOT_WEATHER_ENDPOINT")
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, closeLog, err := logging.New(logging.Options{Level: level, Format: "console"}, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer closeLog()

	var where *weather.Location
	latSet, lonSet := false, false
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "lat":
			latSet = true
		case "lon":
			lonSet = true
		}
	})
	if latSet != lonSet {
		fmt.Fprintln(stderr, "-lat and -lon must be given together")
		return 2
	}
	if latSet {
		where = &weather.Location{Lat: *lat, Lon: *lon}
	}

	f := weather.NewYandexForecaster(key, ep, weather.WithLogger(logging.Component(logger, "weather")))
	forecast, err := f.ForecastWeather(ctx, where)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, forecast)
	return 0
}
