package main

import (
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mbrek/umbra/internal/agmm"
	"github.com/mbrek/umbra/internal/app"
	"github.com/mbrek/umbra/internal/capture"
	"github.com/mbrek/umbra/internal/server"
	"github.com/mbrek/umbra/internal/store"
	"github.com/mbrek/umbra/internal/tray"
)

func main() {
	var (
		videoPath     = flag.String("video", "", "path to the input video file")
		deviceID      = flag.Int("device", -1, "capture device id (used when -video is empty)")
		dbPath        = flag.String("db", "", "sqlite database recording run statistics")
		httpAddr      = flag.String("http", "", "address of the observability HTTP server (e.g. :8080)")
		maskOut       = flag.String("mask-out", "", "path of the output video receiving the final mask")
		logFile       = flag.String("logfile", "", "rotate logs into this file instead of stderr")
		workers       = flag.Int("workers", 0, "per-frame worker count (0 = default)")
		gaussians     = flag.Int("gaussians", agmm.DefaultGaussians, "mixture components per pixel")
		disableShadow = flag.Bool("disable-shadow", false, "skip shadow detection")
		traceEta      = flag.Bool("trace-eta", false, "record per-pixel learning-rate history in memory")
		probesFlag    = flag.String("probes", "", "comma-separated row:col probe pixels, e.g. 120:160,10:10")
		useTray       = flag.Bool("tray", false, "show a system tray control")
	)
	flag.Parse()

	if *logFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   *logFile,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		})
	}

	var (
		source     capture.Source
		sourceName string
	)
	switch {
	case *videoPath != "":
		source = capture.NewVideoSource(*videoPath)
		sourceName = *videoPath
	case *deviceID >= 0:
		source = capture.NewDeviceSource(*deviceID)
		sourceName = fmt.Sprintf("device:%d", *deviceID)
	default:
		fmt.Fprintln(os.Stderr, "either -video or -device is required")
		flag.Usage()
		os.Exit(2)
	}

	probes, err := parseProbes(*probesFlag)
	if err != nil {
		log.Fatalf("Invalid -probes: %v", err)
	}

	params := agmm.DefaultParams()
	params.Gaussians = *gaussians
	params.TraceEta = *traceEta

	var st *store.Store
	if *dbPath != "" {
		st, err = store.New(*dbPath)
		if err != nil {
			log.Fatalf("Failed to initialize store: %v", err)
		}
		defer st.Close()
	}

	application := app.New(app.Config{
		Source:        source,
		Store:         st,
		SourceName:    sourceName,
		MaskOutput:    *maskOut,
		Params:        params,
		Workers:       *workers,
		DisableShadow: *disableShadow,
		Probes:        probes,
	})

	if err := application.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	if *httpAddr != "" {
		srv := server.New(server.Config{Store: st, App: application})
		go func() {
			log.Printf("Observability server on %s", *httpAddr)
			if err := srv.ListenAndServe(*httpAddr); err != nil {
				log.Printf("HTTP server failed: %v", err)
			}
		}()
	}

	if *useTray {
		runWithTray(application)
		return
	}

	// Headless: run until the stream ends or a signal arrives.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	doneCh := make(chan struct{})
	go func() {
		application.Wait()
		close(doneCh)
	}()

	select {
	case <-sigCh:
		log.Println("Interrupted")
	case <-doneCh:
	}
	application.Stop()
}

// runWithTray blocks inside the tray event loop, wiring the toggle and quit
// actions to the application.
func runWithTray(application *app.App) {
	t := tray.New()
	t.OnToggle(application.SetEnabled)
	t.OnQuit(application.Stop)

	application.OnFrame(func(s app.FrameStats) {
		t.SetLastFrame(fmt.Sprintf("#%d fg=%d sh=%d %.1fms",
			s.Index, s.ForegroundPixels, s.ShadowPixels, s.ProcessMillis))
	})

	t.Run()
}

// parseProbes parses "row:col,row:col" into probe points (X is the column).
func parseProbes(s string) ([]image.Point, error) {
	if s == "" {
		return nil, nil
	}
	var probes []image.Point
	for _, part := range strings.Split(s, ",") {
		rowStr, colStr, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("probe %q is not row:col", part)
		}
		row, err := strconv.Atoi(rowStr)
		if err != nil {
			return nil, fmt.Errorf("probe row %q: %w", rowStr, err)
		}
		col, err := strconv.Atoi(colStr)
		if err != nil {
			return nil, fmt.Errorf("probe col %q: %w", colStr, err)
		}
		probes = append(probes, image.Point{X: col, Y: row})
	}
	return probes, nil
}
