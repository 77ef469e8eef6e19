// Package main provides the cadenza player entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"

	"github.com/cadenza-player/cadenza/internal/app/device"
	"github.com/cadenza-player/cadenza/internal/app/filter"
	"github.com/cadenza-player/cadenza/internal/app/gain"
	"github.com/cadenza-player/cadenza/internal/app/player"
	"github.com/cadenza-player/cadenza/internal/app/recommend"
	"github.com/cadenza-player/cadenza/internal/domain/queue"
	"github.com/cadenza-player/cadenza/internal/domain/track"
	"github.com/cadenza-player/cadenza/internal/infra/config"
	"github.com/cadenza-player/cadenza/internal/infra/fakeaudio"
	"github.com/cadenza-player/cadenza/internal/infra/library"
	"github.com/cadenza-player/cadenza/internal/infra/logger"
	"github.com/cadenza-player/cadenza/internal/infra/mpdaudio"
)

var (
	app        = kingpin.New("cadenza", "Gapless audio player")
	configPath = app.Flag("config", "Path to config file").Default("config/cadenza.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file").String()

	runCmd   = app.Command("run", "Start the player (default)").Default()
	runFiles = runCmd.Arg("files", "Audio files queued at startup").Strings()

	devicesCmd = app.Command("devices", "List output devices and exit")

	scanCmd = app.Command("scan", "Scan the music library and exit")

	// providers command
	providersCmd = app.Command("providers", "List autoplay providers and filters, then exit")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	// Handle providers command before any config is needed
	if command == providersCmd.FullCommand() {
		printProviders()
		return
	}

	// Load config first; the logger section lives in it
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	// Initialize logger, command-line flags win over the config file
	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}
	if *verbose {
		loggerConfig.Level = "debug"
	}
	if *logfile != "" {
		loggerConfig.File = *logfile
	}
	if err := logger.Init(loggerConfig); err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	switch command {
	case devicesCmd.FullCommand():
		err = listDevices(cfg)
	case scanCmd.FullCommand():
		err = scanLibrary(cfg)
	default:
		err = run(cfg)
	}
	if err != nil {
		zlog.Error().Msgf("cadenza error: %v", err)
		os.Exit(1)
	}
}

// run wires the player together and blocks until a shutdown signal.
// Using a separate function ensures defer statements run even when
// returning with an error.
func run(cfg *config.Config) error {
	ctx := context.Background()

	store := library.NewStore(cfg.Library.DatabasePath)
	if err := store.Open(); err != nil {
		return errors.Wrap(err, "failed to open library database")
	}
	defer store.Close()

	if cfg.Library.RescanOnStart {
		scanner := library.NewScanner(store)
		if _, err := scanner.Scan(ctx, cfg.Library.MusicDirs); err != nil {
			zlog.Warn().Msgf("startup library scan failed: error=%v", err)
		}
	}

	// The defers below unwind in reverse build order, so the watchers
	// close before the connection they share.
	var engine player.Engine
	var host device.Host

	switch cfg.Audio.Engine {
	case "mpd":
		client := mpdaudio.NewClient(cfg.Audio.MPD.Address, cfg.Audio.MPD.Password)
		if err := client.Connect(); err != nil {
			return errors.Wrap(err, "failed to connect to mpd")
		}
		defer client.Close()

		eng, err := mpdaudio.NewEngine(client)
		if err != nil {
			return errors.Wrap(err, "failed to create mpd engine")
		}
		defer eng.Close()

		out, err := mpdaudio.NewHost(client)
		if err != nil {
			return errors.Wrap(err, "failed to create mpd output host")
		}
		defer out.Close()

		engine, host = eng, out

	case "fake":
		engine = fakeaudio.NewEngine(3 * time.Minute)
		host = fakeaudio.NewHost()

	default:
		return errors.Newf("unsupported audio engine: %s", cfg.Audio.Engine)
	}

	mode, err := gain.ParseMode(cfg.Gain.Mode)
	if err != nil {
		return err
	}
	gainStage := gain.New(gain.Options{
		Mode:            mode,
		PreampDB:        cfg.Gain.PreampDB,
		PreventClipping: cfg.Gain.PreventClipping,
	})

	devices := device.NewManager(host, device.Options{
		PreferredUID:    cfg.Audio.Device.Preferred,
		Exclusive:       cfg.Audio.Device.Exclusive,
		MatchSampleRate: cfg.Audio.Device.MatchSampleRate,
		SettleDelay:     cfg.Audio.Device.SettleDelay(),
	})
	if err := devices.Start(); err != nil {
		return errors.Wrap(err, "failed to start device manager")
	}
	defer devices.Stop()

	deps := player.Deps{
		Engine:  engine,
		Queue:   queue.New(),
		Gain:    gainStage,
		Devices: devices,
		Stats:   store,
	}

	if cfg.Autoplay.Enabled {
		chain, err := recommend.NewChainFromConfig(ctx, cfg, store)
		if err != nil {
			return errors.Wrap(err, "failed to create autoplay providers")
		}
		deps.Autoplay = chain

		filters, err := filter.NewChainFromConfig(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to create autoplay filters")
		}
		deps.Filters = filters
	}

	ctrl, err := player.NewController(deps, player.Options{
		TickInterval:     cfg.Audio.TickInterval(),
		GaplessThreshold: cfg.Audio.GaplessThreshold(),
		PreviousRestart:  cfg.Audio.PreviousRestartWindow(),
		InitialVolume:    cfg.Audio.Volume,
		AutoplayEnabled:  cfg.Autoplay.Enabled,
		AutoplayBatch:    cfg.Autoplay.BatchSize,
		AutoplayLead:     cfg.Autoplay.LeadTime(),
		AutoplaySeeds:    cfg.Autoplay.SeedCount,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create player")
	}
	defer ctrl.Close()

	// Drain the event stream; Close ends it. Without a UI the log is
	// the only observer.
	go logEvents(ctrl.Events())

	// File arguments seed the queue; without them the whole library does.
	var tracks []track.Track
	if len(*runFiles) > 0 {
		tracks, err = resolveTracks(ctx, store, *runFiles)
		if err != nil {
			return err
		}
	} else {
		tracks, err = store.AllTracks(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to load library tracks")
		}
	}

	if len(tracks) > 0 {
		if err := ctrl.SetQueue(tracks, 0); err != nil {
			return errors.Wrap(err, "failed to set queue")
		}
		if err := ctrl.Play(); err != nil {
			return errors.Wrap(err, "failed to start playback")
		}
	} else {
		zlog.Info().Msg("nothing to queue, player idle")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	zlog.Info().Msgf("cadenza running: engine=%s", cfg.Audio.Engine)
	<-sigCh
	zlog.Info().Msg("received shutdown signal...")

	return nil
}

// resolveTracks maps file arguments to library tracks, falling back to
// reading tags directly for files outside the library.
func resolveTracks(ctx context.Context, store *library.Store, files []string) ([]track.Track, error) {
	tracks := make([]track.Track, 0, len(files))

	for _, f := range files {
		path, err := filepath.Abs(f)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resolve path: %s", f)
		}

		t, err := store.TrackByURL(ctx, path)
		if err != nil {
			return nil, err
		}
		if t == nil {
			t, err = library.ReadTrack(path)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read track: %s", path)
			}
			zlog.Debug().Msgf("track not in library, using file tags: path=%s", path)
		}

		tracks = append(tracks, *t)
	}

	return tracks, nil
}

// logEvents logs playback events until the channel closes.
func logEvents(events <-chan player.Event) {
	for ev := range events {
		switch ev.Type {
		case player.EventTrackChanged:
			if ev.Track != nil {
				zlog.Info().Msgf("now playing: artist=%s title=%s", ev.Track.Artist, ev.Track.Title)
			}
		case player.EventStateChanged:
			zlog.Info().Msgf("playback state: state=%s", ev.State)
		case player.EventAutoplayFailed:
			zlog.Warn().Msg("autoplay returned no tracks, playback will stop at queue end")
		default:
			zlog.Debug().Msgf("playback event: type=%s", ev.Type)
		}
	}
}

// listDevices prints the output devices the configured engine exposes.
func listDevices(cfg *config.Config) error {
	var host device.Host

	switch cfg.Audio.Engine {
	case "mpd":
		client := mpdaudio.NewClient(cfg.Audio.MPD.Address, cfg.Audio.MPD.Password)
		if err := client.Connect(); err != nil {
			return errors.Wrap(err, "failed to connect to mpd")
		}
		defer client.Close()

		out, err := mpdaudio.NewHost(client)
		if err != nil {
			return errors.Wrap(err, "failed to create mpd output host")
		}
		defer out.Close()
		host = out

	case "fake":
		host = fakeaudio.NewHost()

	default:
		return errors.Newf("unsupported audio engine: %s", cfg.Audio.Engine)
	}

	devices, err := host.Enumerate()
	if err != nil {
		return errors.Wrap(err, "failed to enumerate devices")
	}
	def, _ := host.DefaultDevice()

	fmt.Println("Output devices:")
	for _, d := range devices {
		marker := " "
		if d.ID == def.ID {
			marker = "*"
		}
		fmt.Printf("  %s %-16s %s\n", marker, d.ID, d.Name)
	}
	return nil
}

// scanLibrary runs a full library scan and prints the result.
func scanLibrary(cfg *config.Config) error {
	store := library.NewStore(cfg.Library.DatabasePath)
	if err := store.Open(); err != nil {
		return errors.Wrap(err, "failed to open library database")
	}
	defer store.Close()

	scanner := library.NewScanner(store)
	res, err := scanner.Scan(context.Background(), cfg.Library.MusicDirs)
	if err != nil {
		return errors.Wrap(err, "library scan failed")
	}

	fmt.Printf("Scanned %d files: %d stored, %d pruned, %d failed\n",
		res.Scanned, res.Stored, res.Pruned, res.Failed)
	return nil
}

// printProviders prints available autoplay providers and filters.
func printProviders() {
	fmt.Println("Autoplay providers:")
	fmt.Println("  library - least-recently-played rotation from the local library")
	fmt.Println("  lastfm  - Last.fm similar tracks resolved against the library")
	fmt.Println("  spotify - Spotify recommendations resolved against the library")

	registry := filter.GetRegistered()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println()
	fmt.Println("Candidate filters:")
	for _, name := range names {
		f := registry[name]()
		codes := strings.Join(f.ReturnCodes(), ", ")
		fmt.Printf("  %-24s - %s [codes: %s]\n", f.Name(), f.Description(), codes)
	}
}
