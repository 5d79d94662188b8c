package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/pose.report/internal/api"
	"github.com/banshee-data/pose.report/internal/config"
	"github.com/banshee-data/pose.report/internal/db"
	"github.com/banshee-data/pose.report/internal/fusion"
	"github.com/banshee-data/pose.report/internal/fusion/network"
	"github.com/banshee-data/pose.report/internal/gnss"
	"github.com/banshee-data/pose.report/internal/version"
)

var (
	devMode    = flag.Bool("dev", false, "Run in dev mode (mock GNSS receiver)")
	listen     = flag.String("listen", ":8080", "HTTP listen address")
	udpListen  = flag.String("udp", ":4040", "UDP listen address for sensor samples")
	serialPort = flag.String("serial", "", "GNSS receiver serial port (e.g. /dev/ttyUSB0)")
	baudRate   = flag.Int("baud", 9600, "GNSS receiver baud rate")
	dbFile     = flag.String("db", "pose_data.db", "Pose log database path ('' disables logging)")
	configPath = flag.String("config", "", "Tuning config JSON path")
)

const devFixtures = "fixtures.nmea"

func loadTuning() *config.TuningConfig {
	if *configPath == "" {
		return config.EmptyTuningConfig()
	}
	cfg, err := config.LoadTuningConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load tuning config: %v", err)
	}
	return cfg
}

func openGNSSPort() gnss.Port {
	if *devMode {
		data, err := os.ReadFile(devFixtures)
		if err != nil {
			log.Fatalf("failed to open fixtures file: %v", err)
		}
		return gnss.NewMockPort(strings.Split(string(data), "\n"))
	}
	port, err := gnss.NewReceiverPort(*serialPort, *baudRate)
	if err != nil {
		log.Fatalf("failed to open GNSS port %s: %v", *serialPort, err)
	}
	return port
}

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("pose.report %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	tuning := loadTuning()
	datum := gnss.Datum{
		Latitude:  tuning.GetDatumLat(),
		Longitude: tuning.GetDatumLon(),
		Altitude:  tuning.GetDatumAlt(),
	}

	filter := fusion.NewFilter(fusion.ConfigFromTuning(tuning))
	pipeline := fusion.NewPipeline(filter,
		fusion.PipelineConfigFromTuning(tuning),
		fusion.SourcesFromTuning(tuning))

	var poseLog api.PoseLog
	var database *db.DB
	if *dbFile != "" {
		var err error
		database, err = db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()

		sink, err := database.NewSessionSink("fusion server")
		if err != nil {
			log.Fatalf("Failed to start log session: %v", err)
		}
		pipeline.SetSink(sink)
		poseLog = database
		log.Printf("Logging poses to %s (session %s)", *dbFile, sink.SessionID())
	}

	// Create a wait group for the UDP listener, GNSS monitor, broadcast
	// and HTTP server routines
	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// feed IMU / pose / odometry sample datagrams into the pipeline
	listener := network.NewUDPListener(network.UDPListenerConfig{
		Address: *udpListen,
		Handler: pipeline,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("UDP listener failed: %v", err)
		}
		log.Print("UDP listener routine terminated")
	}()

	// GNSS receiver: parse GGA sentences, project into the local frame
	// and feed them to the pipeline as the "gnss" source
	if *serialPort != "" || *devMode {
		port := openGNSSPort()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := port.Monitor(ctx); err != nil && err != context.Canceled {
				log.Printf("failed to monitor GNSS port: %v", err)
			}
			log.Print("GNSS monitor routine terminated")
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			gnss.Decode(ctx, port, func(fix gnss.Fix) {
				if err := pipeline.HandlePosition("gnss", fix.Stamp, datum.ENU(fix)); err != nil {
					log.Printf("error handling GNSS fix: %v", err)
				}
			})
			log.Print("GNSS decode routine terminated")
		}()
	}

	// broadcast loop: publish the fused estimate on the configured cadence
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pipeline.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("pipeline stopped: %v", err)
		}
		log.Print("broadcast routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		apiMux := api.NewServer(pipeline, poseLog).ServeMux()
		mux.Handle("/api/", apiMux)

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	// Wait for all goroutines to finish
	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
