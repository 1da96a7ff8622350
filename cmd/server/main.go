package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/toncenter/telemetry/internal/privacy"
	"github.com/toncenter/telemetry/internal/server"
	"github.com/toncenter/telemetry/internal/store"
	"github.com/toncenter/telemetry/internal/valset"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("failed to run: %v", err)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	metricsAddrFlag := flag.String("metrics-addr", ":2112", "Address to listen on for prometheus metrics")

	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	// Optional .env for local development; production uses real env vars.
	_ = godotenv.Load()

	verbose := *verboseFlag
	log := newLogger(verbose)

	// Set up prometheus metrics server if enabled.
	if *metricsAddrFlag != "" {
		server.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	salt, err := loadSalt()
	if err != nil {
		return err
	}

	grantsFile := os.Getenv("API_KEYS_FILE")
	if grantsFile == "" {
		return fmt.Errorf("API_KEYS_FILE is required")
	}
	grants, err := server.LoadGrants(grantsFile)
	if err != nil {
		return err
	}

	countryDB, asnDB := openGeoIP(log)
	if countryDB != nil {
		defer countryDB.Close()
	}
	if asnDB != nil {
		defer asnDB.Close()
	}

	codec, err := privacy.NewCodec(log, salt, countryDB, asnDB)
	if err != nil {
		return fmt.Errorf("failed to create privacy codec: %w", err)
	}

	conn, err := store.OpenClickHouse(ctx,
		store.WithAddr(envOr("CLICKHOUSE_ADDR", "localhost:9000")),
		store.WithDatabase(envOr("CLICKHOUSE_DB", "default")),
		store.WithUser(envOr("CLICKHOUSE_USER", "default")),
		store.WithPassword(os.Getenv("CLICKHOUSE_PASSWORD")),
		store.WithSecure(os.Getenv("CLICKHOUSE_SECURE") == "true"),
		store.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	clock := clockwork.NewRealClock()
	telemetryStore, err := store.New(log, conn, store.TelemetryTable, clock, store.DefaultRetention)
	if err != nil {
		return err
	}
	overlayStore, err := store.New(log, conn, store.OverlayTable, clock, store.DefaultRetention)
	if err != nil {
		return err
	}
	if err := telemetryStore.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := overlayStore.EnsureSchema(ctx); err != nil {
		return err
	}

	electionsURL := os.Getenv("ELECTIONS_URL")
	if electionsURL == "" {
		return fmt.Errorf("ELECTIONS_URL is required")
	}
	cycles, err := valset.NewElectionsClient(electionsURL, 5*time.Second)
	if err != nil {
		return err
	}

	srv, err := server.New(log, server.Config{
		Telemetry:    telemetryStore,
		Overlays:     overlayStore,
		Codec:        codec,
		CyclesClient: cycles,
		Grants:       grants,
		Clock:        clock,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	defer listener.Close()

	log.Info("listening on", "address", listener.Addr().String())
	errCh := srv.Start(ctx, cancel, listener)
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("context done, stopping")
	}
	return nil
}

// loadSalt reads the origin-hash salt from TELEMETRY_SALT (hex) or
// TELEMETRY_SALT_FILE. The salt must outlive restarts, so there is no
// generated fallback.
func loadSalt() ([]byte, error) {
	if hexSalt := os.Getenv("TELEMETRY_SALT"); hexSalt != "" {
		return privacy.ParseSalt(hexSalt)
	}
	if path := os.Getenv("TELEMETRY_SALT_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read salt file: %w", err)
		}
		return privacy.ParseSalt(string(data))
	}
	return nil, fmt.Errorf("TELEMETRY_SALT or TELEMETRY_SALT_FILE is required")
}

// openGeoIP opens whichever enrichment databases are configured. Missing
// databases disable enrichment rather than failing startup.
func openGeoIP(log *slog.Logger) (countryDB, asnDB *geoip2.Reader) {
	if path := os.Getenv("GEOIP_COUNTRY_DB"); path != "" {
		db, err := geoip2.Open(path)
		if err != nil {
			log.Warn("failed to open geoip country database, country enrichment disabled", "path", path, "error", err)
		} else {
			countryDB = db
		}
	}
	if path := os.Getenv("GEOIP_ASN_DB"); path != "" {
		db, err := geoip2.Open(path)
		if err != nil {
			log.Warn("failed to open geoip asn database, isp enrichment disabled", "path", path, "error", err)
		} else {
			asnDB = db
		}
	}
	return countryDB, asnDB
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
