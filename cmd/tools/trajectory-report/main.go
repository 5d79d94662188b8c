// Command trajectory-report renders the logged pose trajectory from a
// fusion database as an interactive HTML chart and a static PNG.
package main

import (
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/pose.report/internal/db"
)

var (
	dbFile    = flag.String("db", "pose_data.db", "Pose log database path")
	outputDir = flag.String("out", "reports", "Output directory for report files")
	limit     = flag.Int("limit", 10000, "Maximum number of poses to load")
)

func main() {
	flag.Parse()

	database, err := db.OpenDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	records, err := database.Poses(*limit)
	if err != nil {
		log.Fatalf("Failed to load poses: %v", err)
	}
	if len(records) == 0 {
		log.Fatal("No poses in database")
	}

	// Poses come back newest first; reverse into chronological order.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		log.Fatalf("Failed to create output dir: %v", err)
	}

	htmlFile := filepath.Join(*outputDir, "trajectory.html")
	if err := renderHTML(records, htmlFile); err != nil {
		log.Fatalf("Failed to render HTML chart: %v", err)
	}
	log.Printf("Wrote %s", htmlFile)

	pngFile := filepath.Join(*outputDir, "trajectory.png")
	if err := renderPNG(records, pngFile); err != nil {
		log.Fatalf("Failed to render PNG plot: %v", err)
	}
	log.Printf("Wrote %s (%d poses)", pngFile, len(records))
}

// renderHTML draws the XY track as an echarts scatter, colored by
// elapsed time so the direction of travel is visible.
func renderHTML(records []db.PoseRecord, path string) error {
	start := records[0].Pose.Stamp
	data := make([]opts.ScatterData, 0, len(records))
	maxElapsed := 0.0
	for _, rec := range records {
		elapsed := rec.Pose.Stamp.Sub(start).Seconds()
		if elapsed > maxElapsed {
			maxElapsed = elapsed
		}
		data = append(data, opts.ScatterData{Value: []interface{}{
			rec.Pose.Position[0], rec.Pose.Position[1], elapsed,
		}})
	}
	if maxElapsed == 0 {
		maxElapsed = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Fused Trajectory", Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: "Fused Trajectory", Subtitle: fmt.Sprintf("poses=%d duration=%.1fs", len(records), maxElapsed)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "East (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "North (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxElapsed),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#31688e", "#35b779", "#fde725"}},
		}),
	)
	scatter.AddSeries("trajectory", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scatter.Render(f)
}

// renderPNG draws position components against elapsed time.
func renderPNG(records []db.PoseRecord, path string) error {
	p := plot.New()
	p.Title.Text = "Position vs Time"
	p.X.Label.Text = "Elapsed (s)"
	p.Y.Label.Text = "Position (m)"

	start := records[0].Pose.Stamp
	axes := []string{"east", "north", "up"}
	for axis := 0; axis < 3; axis++ {
		pts := make(plotter.XYs, len(records))
		for i, rec := range records {
			pts[i].X = rec.Pose.Stamp.Sub(start).Seconds()
			pts[i].Y = rec.Pose.Position[axis]
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		line.Width = vg.Points(1)
		line.Color = axisColor(axis)
		p.Add(line)
		p.Legend.Add(axes[axis], line)
	}

	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

func axisColor(axis int) color.Color {
	switch axis {
	case 0:
		return color.RGBA{R: 214, G: 39, B: 40, A: 255}
	case 1:
		return color.RGBA{R: 31, G: 119, B: 180, A: 255}
	default:
		return color.RGBA{R: 44, G: 160, B: 44, A: 255}
	}
}
