// Command replay feeds a recorded sample log (one JSON packet per
// line, same format as the UDP listener accepts) through the fusion
// pipeline and reports the resulting estimates. Useful for tuning
// noise parameters offline against a captured run.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/banshee-data/pose.report/internal/config"
	"github.com/banshee-data/pose.report/internal/db"
	"github.com/banshee-data/pose.report/internal/fusion"
	"github.com/banshee-data/pose.report/internal/fusion/network"
)

var (
	configPath = flag.String("config", "", "Tuning config JSON path")
	dbFile     = flag.String("db", "", "Optional database to record replayed estimates into")
	every      = flag.Int("every", 100, "Print the estimate every N packets (0 disables)")
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: replay [flags] <samples.jsonl>\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	tuning := config.EmptyTuningConfig()
	if *configPath != "" {
		var err error
		tuning, err = config.LoadTuningConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load tuning config: %v", err)
		}
	}

	filter := fusion.NewFilter(fusion.ConfigFromTuning(tuning))
	pipeline := fusion.NewPipeline(filter,
		fusion.PipelineConfigFromTuning(tuning),
		fusion.SourcesFromTuning(tuning))

	var sink fusion.PoseSink
	if *dbFile != "" {
		database, err := db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()
		sessionSink, err := database.NewSessionSink("replay " + flag.Arg(0))
		if err != nil {
			log.Fatalf("Failed to start log session: %v", err)
		}
		sink = sessionSink
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("Failed to open sample log: %v", err)
	}
	defer f.Close()

	stats := network.NewPacketStats()
	lineNo := 0
	corrected := 0
	scan := bufio.NewScanner(f)
	for scan.Scan() {
		lineNo++
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		stats.AddPacket(len(line))
		pkt, err := network.ParseSamplePacket([]byte(line))
		if err != nil {
			stats.AddParseFailure()
			log.Printf("line %d: %v", lineNo, err)
			continue
		}
		if err := network.Dispatch(pipeline, pkt); err != nil {
			log.Printf("line %d: %v", lineNo, err)
			continue
		}
		if pkt.Type != network.PacketTypeImu {
			corrected++
		}

		if *every > 0 && lineNo%*every == 0 {
			printEstimate(pipeline, lineNo)
		}

		// Feed the sink on every packet rather than on a wall-clock
		// cadence; replay runs faster than real time.
		if sink != nil {
			if pose, err := pipeline.Estimate(); err == nil {
				if err := sink.RecordPose(pose); err != nil {
					log.Printf("line %d: failed to record pose: %v", lineNo, err)
				}
			}
		}
	}
	if err := scan.Err(); err != nil {
		log.Fatalf("Failed reading sample log: %v", err)
	}

	packets, bytes, parseFails, _ := stats.GetAndReset()
	log.Printf("Replayed %d packets (%d bytes, %d corrections, %d parse failures)",
		packets, bytes, corrected, parseFails)
	printEstimate(pipeline, lineNo)
}

func printEstimate(pipeline *fusion.Pipeline, lineNo int) {
	pose, err := pipeline.Estimate()
	if err != nil {
		log.Printf("line %d: %v", lineNo, err)
		return
	}
	log.Printf("line %d: position=(%.3f, %.3f, %.3f) mode=%s",
		lineNo, pose.Position[0], pose.Position[1], pose.Position[2], pipeline.Mode())
}
