// Command umbra-report renders the recorded learning-rate traces of a run as
// an HTML line chart. It is a debugging aid for inspecting how the per-pixel
// learning rate reacts to foreground and shadow episodes.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/mbrek/umbra/internal/store"
)

func main() {
	var (
		dbPath = flag.String("db", "", "sqlite database written by umbra")
		runID  = flag.String("run", "", "run id (defaults to the most recent run)")
		out    = flag.String("out", "eta-report.html", "output HTML file")
	)
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "-db is required")
		flag.Usage()
		os.Exit(2)
	}

	st, err := store.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	id := *runID
	if id == "" {
		runs, err := st.Runs().List()
		if err != nil {
			log.Fatalf("Failed to list runs: %v", err)
		}
		if len(runs) == 0 {
			log.Fatal("No runs recorded in this database")
		}
		id = runs[0].ID
	}

	run, err := st.Runs().GetByID(id)
	if err != nil {
		log.Fatalf("Failed to load run %s: %v", id, err)
	}

	probes, err := st.Runs().Probes(id)
	if err != nil {
		log.Fatalf("Failed to list probes: %v", err)
	}
	if len(probes) == 0 {
		log.Fatalf("Run %s has no recorded learning-rate samples", id)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			PageTitle: "Umbra learning-rate traces",
			Width:     "1100px",
			Height:    "550px",
		}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Per-pixel learning rate over time",
			Subtitle: fmt.Sprintf("run=%s source=%s frames=%d", run.ID, run.Source, run.Frames),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "eta", Type: "log"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "frame"}),
	)

	var xAxis []int
	for i, probe := range probes {
		samples, err := st.Runs().EtaSamples(id, probe[0], probe[1])
		if err != nil {
			log.Fatalf("Failed to load samples for probe %v: %v", probe, err)
		}

		if i == 0 {
			xAxis = make([]int, len(samples))
			for j, s := range samples {
				xAxis[j] = s.FrameIndex
			}
			line.SetXAxis(xAxis)
		}

		data := make([]opts.LineData, len(samples))
		for j, s := range samples {
			data[j] = opts.LineData{Value: s.Eta}
		}
		name := fmt.Sprintf("pixel %d,%d", probe[0], probe[1])
		line.AddSeries(name, data)
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *out, err)
	}
	defer f.Close()

	if err := line.Render(f); err != nil {
		log.Fatalf("Failed to render chart: %v", err)
	}

	fmt.Printf("Wrote %s (%d probes)\n", *out, len(probes))
}
