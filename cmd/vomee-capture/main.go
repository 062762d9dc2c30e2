package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vomee-capture-go/internal/config"
	"vomee-capture-go/internal/frame"
	"vomee-capture-go/internal/radar"
	"vomee-capture-go/internal/recorder"
	"vomee-capture-go/internal/server"
	"vomee-capture-go/internal/source"
	"vomee-capture-go/internal/syncer"
)

func main() {
	var (
		configPath       = flag.String("config", "", "Path to YAML config file")
		port             = flag.Int("port", 0, "HTTP port for the control surface")
		outputDir        = flag.String("output-dir", "", "Directory for session recordings")
		radarAddr        = flag.String("radar-addr", "", "UDP listen address for the radar capture card")
		cameraEndpoint   = flag.String("camera-endpoint", "", "ZMQ endpoint for camera frames")
		skeletonEndpoint = flag.String("skeleton-endpoint", "", "ZMQ endpoint for pose frames")
		partialPolicy    = flag.String("partial-policy", "", "Timeout policy for incomplete sets (emit|drop)")
		sim              = flag.Bool("sim", false, "Run with simulated sources")
		autoStart        = flag.Bool("auto-start", false, "Start a recording session immediately")
		statsEvery       = flag.Duration("stats-every", 30*time.Second, "Interval between stats log lines")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "output-dir":
			cfg.OutputDir = *outputDir
		case "radar-addr":
			cfg.RadarListenAddr = *radarAddr
		case "camera-endpoint":
			cfg.CameraEndpoint = *cameraEndpoint
		case "skeleton-endpoint":
			cfg.SkeletonEndpoint = *skeletonEndpoint
		case "partial-policy":
			cfg.SyncPartialPolicy = *partialPolicy
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	processor := radar.New(radar.Config{
		Adc:            cfg.Adc,
		AngleBins:      cfg.AngleBins,
		Window:         cfg.Window,
		DopplerAzimuth: cfg.DopplerAzimuth,
		FramePeriod:    cfg.FramePeriod(),
		QueueDepth:     cfg.RadarQueue,
	}, nil)

	matcher := syncer.New(syncer.Config{
		Tolerance:   cfg.SyncTolerance(),
		Wait:        cfg.SyncWait(),
		QueueDepth:  cfg.SyncQueue,
		PartialEmit: cfg.SyncPartialPolicy == config.PartialEmit,
		Radar:       cfg.EnableRadar,
		Camera:      cfg.EnableCamera,
		Skeleton:    cfg.EnableSkeleton,
	})

	rec := recorder.New(cfg)
	rec.SetRadarPathFn(processor.PathHistory)
	rec.SetSyncStatsFn(matcher.Stats)

	var (
		rawFrames  <-chan frame.RawAdcFrame
		cameraIn   <-chan *frame.CameraFrame
		skeletonIn <-chan *frame.SkeletonFrame

		radarSrc    *source.RadarUDP
		cameraSrc   *source.CameraZMQ
		skeletonSrc *source.SkeletonZMQ
	)
	if *sim {
		log.Printf("running with simulated sources")
		if cfg.EnableRadar {
			rawFrames = source.SimulateRadar(ctx, cfg.Adc, cfg.FramePeriod())
		}
		if cfg.EnableCamera {
			cameraIn = source.SimulateCamera(ctx, 320, 240, cfg.FramePeriod())
		}
		if cfg.EnableSkeleton {
			skeletonIn = source.SimulateSkeleton(ctx, cfg.FramePeriod())
		}
	} else {
		var err error
		if cfg.EnableRadar {
			radarSrc = source.NewRadarUDP(cfg.RadarListenAddr, cfg.Adc)
			if rawFrames, err = radarSrc.Run(ctx); err != nil {
				log.Fatalf("radar source: %v", err)
			}
		}
		if cfg.EnableCamera {
			cameraSrc = source.NewCameraZMQ(cfg.CameraEndpoint)
			if cameraIn, err = cameraSrc.Run(ctx); err != nil {
				log.Fatalf("camera source: %v", err)
			}
		}
		if cfg.EnableSkeleton {
			skeletonSrc = source.NewSkeletonZMQ(cfg.SkeletonEndpoint)
			if skeletonIn, err = skeletonSrc.Run(ctx); err != nil {
				log.Fatalf("skeleton source: %v", err)
			}
		}
	}

	// Raw cubes go to the recorder before processing so the raw stream is
	// complete even when the processor drops frames under load.
	var products <-chan *frame.RadarProduct
	if cfg.EnableRadar {
		procIn := make(chan frame.RawAdcFrame, 4)
		go func() {
			defer close(procIn)
			for f := range rawFrames {
				if cfg.RecordRaw {
					rec.AdmitRaw(f)
				}
				select {
				case <-ctx.Done():
					return
				case procIn <- f:
				}
			}
		}()
		products = processor.Run(ctx, procIn)
	}

	sets := matcher.Run(ctx, products, cameraIn, skeletonIn)
	go func() {
		for set := range sets {
			rec.Admit(set)
		}
	}()

	if *autoStart {
		dir, err := rec.Start()
		if err != nil {
			log.Fatalf("auto-start: %v", err)
		}
		log.Printf("recording to %s", dir)
	}

	statusFn := func() map[string]any {
		status := rec.Status()
		status["radar_path"] = string(processor.Path())
		status["processor"] = processor.Stats()
		status["sync"] = matcher.Stats()
		sources := map[string]any{}
		if radarSrc != nil {
			sources["radar"] = radarSrc.Stats()
		}
		if cameraSrc != nil {
			sources["camera"] = cameraSrc.Stats()
		}
		if skeletonSrc != nil {
			sources["skeleton"] = skeletonSrc.Stats()
		}
		if len(sources) > 0 {
			status["sources"] = sources
		}
		return status
	}

	uiMessages := make(chan any, 16)
	go func() {
		defer close(uiMessages)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				payload := statusFn()
				payload["type"] = "status"
				select {
				case uiMessages <- payload:
				default:
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(*statsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ps := processor.Stats()
				ss := matcher.Stats()
				log.Printf("stats: path=%s processed=%d dropped=%d timeouts=%d sync_full=%d sync_partial=%d sync_dropped=%d",
					processor.Path(), ps.Processed, ps.Dropped, ps.Timeouts,
					ss.EmittedFull, ss.EmittedPartial, ss.Dropped)
			}
		}
	}()

	log.Printf("control surface at http://localhost:%d", cfg.Port)
	if err := server.Run(ctx, cfg.Port, uiMessages, rec, statusFn); err != nil {
		log.Printf("server stopped: %v", err)
	}

	if rec.State() != recorder.StateIdle {
		if _, err := rec.Stop(); err != nil {
			log.Printf("final stop: %v", err)
		}
	}
}
