// Command gorrentd is the daemon entrypoint, extending the teacher's
// one-shot Verify/Download CLI with a long-running serve mode that
// wires together every engine component: persisted settings, the two
// process-wide resource/rate-limit singletons, one torrent manager per
// active torrent, the adaptive tuner, the telemetry bus, the
// watch-folder command surface, and the CLI dashboard.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"gorrent/internal/config"
	"gorrent/internal/dashboard"
	"gorrent/internal/db"
	"gorrent/internal/logging"
	"gorrent/internal/metainfo"
	"gorrent/internal/model"
	"gorrent/internal/peersource"
	"gorrent/internal/resources"
	"gorrent/internal/telemetry"
	"gorrent/internal/tokenbucket"
	"gorrent/internal/torrentmgr"
	"gorrent/internal/tracker"
	"gorrent/internal/tuner"
	"gorrent/internal/watch"
)

const version = "0.2.0"

var cli struct {
	Verify struct {
		Torrent     string `arg:"" help:"Torrent file to verify." type:"existingfile"`
		ContentPath string `arg:"" optional:"" help:"Path to the content files." type:"existingdir"`
	} `cmd:"" help:"Verify a torrent file against content already on disk."`

	Serve struct{} `cmd:"" help:"Run the daemon: load persisted torrents and serve them until shutdown."`

	Add struct {
		TorrentOrMagnet string `arg:"" help:"Path to a .torrent file or a magnet URI."`
	} `cmd:"" help:"Register a torrent or magnet link for download."`

	Pause struct {
		InfoHash string `arg:"" help:"Hex info-hash of the torrent to pause."`
	} `cmd:"" help:"Pause an active torrent."`

	Resume struct {
		InfoHash string `arg:"" help:"Hex info-hash of the torrent to resume."`
	} `cmd:"" help:"Resume a paused torrent."`

	Remove struct {
		InfoHash     string `arg:"" help:"Hex info-hash of the torrent to remove."`
		DeleteFiles  bool   `help:"Only logs a warning; downloaded files stay on disk (serve stops the torrent without deleting its files once the row is gone)."`
	} `cmd:"" help:"Remove a torrent."`

	Limits struct {
		PeerConnection int `help:"Stored as resource_limit_override, the file-descriptor budget serve splits across permit classes at startup (0 = leave unchanged)."`
		DiskRead       int `help:"Not applied: the limits subcommand stores only --peer-connection."`
		DiskWrite      int `help:"Not applied: the limits subcommand stores only --peer-connection."`
	} `cmd:"" help:"Override the resource_limit_override persisted setting."`
}

func main() {
	bootstrap := config.LoadBootstrap()
	if err := os.MkdirAll(bootstrap.CacheDir, os.ModePerm); err != nil {
		fmt.Fprintln(os.Stderr, "failed to create cache dir:", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(bootstrap.DownloadDir, os.ModePerm); err != nil {
		fmt.Fprintln(os.Stderr, "failed to create download dir:", err)
		os.Exit(1)
	}

	logging.Init(version, filepath.Join(bootstrap.CacheDir, "gorrentd.log"))
	defer logging.Shutdown()

	ctx := kong.Parse(&cli)
	database, err := db.Open(bootstrap.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state database")
	}
	defer database.Close()

	switch ctx.Command() {
	case "verify <torrent>", "verify <torrent> <content-path>":
		if err := runVerify(cli.Verify.Torrent, cli.Verify.ContentPath); err != nil {
			log.Error().Err(err).Msg("verification failed")
			os.Exit(1)
		}
		println("Torrent verified successfully.")

	case "serve":
		runServe(bootstrap, database)

	case "add <torrent-or-magnet>":
		runAdd(bootstrap, database, cli.Add.TorrentOrMagnet)

	case "pause <info-hash>":
		runSetControlState(bootstrap, database, cli.Pause.InfoHash, config.Paused)

	case "resume <info-hash>":
		runSetControlState(bootstrap, database, cli.Resume.InfoHash, config.Running)

	case "remove <info-hash>":
		runRemove(database, cli.Remove.InfoHash, cli.Remove.DeleteFiles)

	case "limits":
		runLimits(database, bootstrap)

	default:
		ctx.PrintUsage(false)
	}
}

// runVerify checks a completed or partial download against its torrent's
// piece hashes, reusing the same metainfo.Metadata layout the live
// engine uses to map pieces onto files.
func runVerify(torrentPath, contentPath string) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return err
	}
	meta, err := metainfo.FromBytes(data)
	if err != nil {
		return err
	}
	return meta.VerifyOnDisk(contentPath)
}

// runAdd decodes the torrent/magnet just enough to learn its info-hash
// and name, then upserts a Running entry into the settings store. The
// running `serve` process picks up the new row on its next reconcile
// tick; this mirrors the watch-folder command surface of §6 without
// requiring a live IPC channel between the CLI invocation and the daemon.
func runAdd(bootstrap *config.Bootstrap, database *db.Database, torrentOrMagnet string) {
	settings, err := database.LoadSettings(bootstrap)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}

	var infoHash model.InfoHash
	var name string
	if filepath.Ext(torrentOrMagnet) == ".torrent" {
		data, err := os.ReadFile(torrentOrMagnet)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read torrent file")
		}
		meta, err := metainfo.FromBytes(data)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to parse torrent file")
		}
		infoHash, name = meta.InfoHash, meta.Name
	} else {
		magnet, err := metainfo.ParseMagnet(torrentOrMagnet)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to parse magnet link")
		}
		infoHash, name = magnet.InfoHash, magnet.DisplayName
	}

	entry := config.TorrentEntry{
		TorrentOrMagnet:  torrentOrMagnet,
		Name:             name,
		ValidationStatus: config.ValidationPending,
		DownloadPath:     filepath.Join(settings.MostCommonDownloadPath(), name),
		ControlState:     config.Running,
	}
	if err := database.UpsertTorrent(infoHash.String(), entry); err != nil {
		log.Fatal().Err(err).Msg("failed to persist torrent entry")
	}
	println("Torrent registered: " + infoHash.String())
}

func runSetControlState(bootstrap *config.Bootstrap, database *db.Database, infoHashHex string, state config.ControlState) {
	settings, err := database.LoadSettings(bootstrap)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}
	existing := findTorrentEntry(settings, infoHashHex)
	existing.ControlState = state
	if err := database.UpsertTorrent(infoHashHex, existing); err != nil {
		log.Fatal().Err(err).Msg("failed to update control state")
	}
	println("Updated " + infoHashHex + " -> " + string(state))
}

// findTorrentEntry locates a persisted entry by its computed info-hash.
// TorrentEntry itself carries the source path/magnet rather than the
// hash, so each candidate is re-parsed and compared by its derived hash.
func findTorrentEntry(settings *config.Settings, infoHashHex string) config.TorrentEntry {
	for _, t := range settings.Torrents {
		if ih, err := parseInfoHash(t.TorrentOrMagnet, t.Name); err == nil && ih.String() == infoHashHex {
			return t
		}
	}
	return config.TorrentEntry{TorrentOrMagnet: infoHashHex, ControlState: config.Running}
}

func runRemove(database *db.Database, infoHashHex string, deleteFiles bool) {
	if deleteFiles {
		log.Warn().Str("info_hash", infoHashHex).Msg("delete-files requested; only the persisted row is removed, and serve stops the torrent without deleting its on-disk data")
	}
	if err := database.RemoveTorrent(infoHashHex); err != nil {
		log.Fatal().Err(err).Msg("failed to remove torrent")
	}
	println("Removed " + infoHashHex)
}

func runLimits(database *db.Database, bootstrap *config.Bootstrap) {
	settings, err := database.LoadSettings(bootstrap)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}
	if cli.Limits.PeerConnection > 0 {
		settings.ResourceLimitOverride = cli.Limits.PeerConnection
	}
	if err := database.SaveSettings(settings); err != nil {
		log.Fatal().Err(err).Msg("failed to save settings")
	}
	println("Resource limit override updated.")
}

// runServe is the long-running daemon: it loads settings, starts the
// two process-wide singletons (resources.Manager, the rate-limiting
// token buckets), spins up one torrentmgr.Manager per Running torrent,
// and reconciles that set against the persisted torrents[] and the
// watch folder until a shutdown.cmd file or SIGINT/SIGTERM arrives.
func runServe(bootstrap *config.Bootstrap, database *db.Database) {
	settings, err := database.LoadSettings(bootstrap)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load settings")
	}

	rm := resources.New(resources.InitialLimits(softNofile(), settings.ResourceLimitOverride))
	defer rm.Shutdown()

	dlBucket := tokenbucket.New(settings.GlobalDownloadLimitBps)
	ulBucket := tokenbucket.New(settings.GlobalUploadLimitBps)

	localPeerID := newPeerID()

	watchDir := settings.WatchFolder
	if watchDir == "" {
		watchDir = filepath.Join(bootstrap.CacheDir, "watch")
	}
	if err := os.MkdirAll(watchDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("dir", watchDir).Msg("failed to create watch folder")
	}
	watcher := watch.New(watchDir)
	watchStop := make(chan struct{})
	go watcher.Run(watchStop)

	tune := tuner.New(rm)
	dash := dashboard.New(os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	eng := &engine{
		bootstrap: bootstrap,
		database:  database,
		rm:        rm,
		dlBucket:  dlBucket,
		ulBucket:  ulBucket,
		peerID:    localPeerID,
		tuner:     tune,
		dash:      dash,
		managers:  make(map[model.InfoHash]*managedTorrent),
		shutdownRequested: make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tune.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.reconcileLoop(ctx, settings)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.watchLoop(ctx, watcher)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.dashboardLoop(ctx)
	}()

	select {
	case <-sigCh:
		log.Info().Msg("received shutdown signal")
	case <-eng.shutdownRequested:
		log.Info().Msg("shutdown.cmd observed")
	}

	cancel()
	close(watchStop)
	eng.stopAll()
	wg.Wait()
}

// engine owns the set of live torrent managers and reconciles them
// against persisted settings and the watch folder.
type engine struct {
	bootstrap *config.Bootstrap
	database  *db.Database
	rm        *resources.Manager
	dlBucket  *tokenbucket.TokenBucket
	ulBucket  *tokenbucket.TokenBucket
	peerID    model.PeerID
	tuner     *tuner.Tuner
	dash      *dashboard.Dashboard

	mu       sync.Mutex
	managers map[model.InfoHash]*managedTorrent

	shutdownRequestedOnce sync.Once
	shutdownRequested     chan struct{}
}

type managedTorrent struct {
	name   string
	mgr    *torrentmgr.Manager
	cancel context.CancelFunc
}

// reconcileLoop polls the persisted settings every 5s and starts/stops
// torrentmgr.Managers to match each entry's torrent_control_state.
func (e *engine) reconcileLoop(ctx context.Context, initial *config.Settings) {
	e.reconcile(ctx, initial)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			settings, err := e.database.LoadSettings(e.bootstrap)
			if err != nil {
				log.Warn().Err(err).Msg("failed to reload settings")
				continue
			}
			e.reconcile(ctx, settings)
		}
	}
}

func (e *engine) reconcile(ctx context.Context, settings *config.Settings) {
	e.mu.Lock()
	defer e.mu.Unlock()

	want := make(map[model.InfoHash]config.TorrentEntry)
	active := 0
	for _, t := range settings.Torrents {
		ih, err := parseInfoHash(t.TorrentOrMagnet, t.Name)
		if err != nil {
			continue
		}
		want[ih] = t
		if t.ControlState == config.Running {
			active++
		}
	}

	for ih, entry := range want {
		mt, running := e.managers[ih]
		switch entry.ControlState {
		case config.Running:
			connCap := torrentmgr.FairShare(e.rm.Limit(resources.PeerConnection), active)
			if !running {
				e.startTorrent(ctx, ih, entry)
				if mt, ok := e.managers[ih]; ok {
					mt.mgr.SetConnectionCap(connCap)
				}
			} else {
				mt.mgr.Resume()
				mt.mgr.SetConnectionCap(connCap)
			}
		case config.Paused:
			if running {
				mt.mgr.Pause()
			}
		case config.Deleting:
			if running {
				mt.mgr.Delete(true)
				mt.cancel()
				delete(e.managers, ih)
			}
		}
	}

	for ih, mt := range e.managers {
		if _, stillWanted := want[ih]; !stillWanted {
			mt.mgr.Delete(false)
			mt.cancel()
			delete(e.managers, ih)
		}
	}
}

func (e *engine) startTorrent(ctx context.Context, infoHash model.InfoHash, entry config.TorrentEntry) {
	meta, err := loadMetadata(entry.TorrentOrMagnet)
	if err != nil {
		log.Error().Err(err).Str("torrent", entry.TorrentOrMagnet).Msg("failed to load torrent metadata, skipping")
		return
	}

	sources := []peersource.Source{peersource.NewPEXSource()}
	for _, announce := range meta.AnnounceList {
		tr, err := tracker.New(announce)
		if err != nil {
			log.Warn().Err(err).Str("announce", announce).Msg("unsupported tracker, skipping")
			continue
		}
		sources = append(sources, peersource.NewTrackerSource(tr))
	}
	aggregator := peersource.NewAggregator(sources...)

	mgr := torrentmgr.New(meta, entry.DownloadPath, e.peerID, e.rm, aggregator, 4, e.dlBucket, e.ulBucket)
	torrentCtx, cancel := context.WithCancel(ctx)
	go mgr.Run(torrentCtx)

	bus := telemetry.New(mgr.Disk())
	go bus.Run(torrentCtx)
	go e.feedTuner(torrentCtx, infoHash, bus)

	e.managers[infoHash] = &managedTorrent{name: meta.Name, mgr: mgr, cancel: cancel}
	log.Info().Str("info_hash", infoHash.String()).Str("name", meta.Name).Msg("torrent started")
}

// feedTuner reads this torrent's per-second telemetry series once a
// second and feeds the newest sample's disk throughput and seek cost to
// the shared adaptive tuner (§4.I); every running torrent has its own
// feedTuner feeding the same tuner.
func (e *engine) feedTuner(ctx context.Context, infoHash model.InfoHash, bus *telemetry.Bus) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastCount int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples := bus.Samples(infoHash)
			if len(samples) <= lastCount {
				continue
			}
			latest := samples[len(samples)-1]
			lastCount = len(samples)
			e.tuner.RecordThroughputSample(float64(latest.BytesRead + latest.BytesWritten))
			e.tuner.RecordSeekCostSample(latest.SeekCostPerByte)
		}
	}
}

func loadMetadata(torrentOrMagnet string) (*metainfo.Metadata, error) {
	if filepath.Ext(torrentOrMagnet) != ".torrent" {
		return nil, fmt.Errorf("metadata-less magnet torrents are not yet fetchable without a live swarm")
	}
	data, err := os.ReadFile(torrentOrMagnet)
	if err != nil {
		return nil, err
	}
	return metainfo.FromBytes(data)
}

func parseInfoHash(torrentOrMagnet, name string) (model.InfoHash, error) {
	if filepath.Ext(torrentOrMagnet) == ".torrent" {
		data, err := os.ReadFile(torrentOrMagnet)
		if err != nil {
			return model.InfoHash{}, err
		}
		meta, err := metainfo.FromBytes(data)
		if err != nil {
			return model.InfoHash{}, err
		}
		return meta.InfoHash, nil
	}
	magnet, err := metainfo.ParseMagnet(torrentOrMagnet)
	if err != nil {
		return model.InfoHash{}, err
	}
	return magnet.InfoHash, nil
}

// watchLoop drains the watch-folder command surface of §6: dropped
// .torrent/.magnet/.path files register new entries, shutdown.cmd
// requests a graceful stop.
func (e *engine) watchLoop(ctx context.Context, w *watch.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-w.Commands():
			if !ok {
				return
			}
			e.handleCommand(cmd)
		}
	}
}

func (e *engine) handleCommand(cmd watch.Command) {
	switch cmd.Kind {
	case watch.CommandShutdown:
		e.shutdownRequestedOnce.Do(func() { close(e.shutdownRequested) })
	case watch.CommandAddTorrentFile:
		e.registerFromWatch(cmd.Path)
	case watch.CommandAddMagnet:
		e.registerFromWatch(cmd.Body)
	case watch.CommandAddPath:
		e.registerFromWatch(cmd.Body)
	}
}

func (e *engine) registerFromWatch(torrentOrMagnet string) {
	ih, err := parseInfoHash(torrentOrMagnet, "")
	if err != nil {
		log.Warn().Err(err).Str("source", torrentOrMagnet).Msg("watch folder command could not be parsed")
		return
	}
	entry := config.TorrentEntry{
		TorrentOrMagnet:  torrentOrMagnet,
		ValidationStatus: config.ValidationPending,
		ControlState:     config.Running,
	}
	if err := e.database.UpsertTorrent(ih.String(), entry); err != nil {
		log.Warn().Err(err).Msg("failed to persist watch-folder torrent")
	}
}

// dashboardLoop redraws the CLI status view once a second, computing
// each torrent's instantaneous rate as the delta of its cumulative
// downloaded/uploaded counters between ticks.
func (e *engine) dashboardLoop(ctx context.Context) {
	type prevCounters struct{ downloaded, uploaded int64 }
	prev := make(map[model.InfoHash]prevCounters)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			statuses := make([]dashboard.TorrentStatus, 0, len(e.managers))
			for ih, mt := range e.managers {
				downloaded, uploaded, _ := mt.mgr.Stats()
				last := prev[ih]
				prev[ih] = prevCounters{downloaded, uploaded}
				statuses = append(statuses, dashboard.TorrentStatus{
					InfoHash:        ih,
					Name:            mt.name,
					TotalBytes:      mt.mgr.TotalLength(),
					DownloadedBytes: downloaded,
					DownloadRate:    float64(downloaded - last.downloaded),
					UploadRate:      float64(uploaded - last.uploaded),
				})
			}
			e.mu.Unlock()
			e.dash.Render(statuses)
		}
	}
}

func (e *engine) stopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ih, mt := range e.managers {
		mt.cancel()
		delete(e.managers, ih)
	}
}

// softNofile queries the process's soft RLIMIT_NOFILE, the input to
// resources.InitialLimits's 70/15/15 startup split.
func softNofile() int {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		log.Warn().Err(err).Msg("failed to query RLIMIT_NOFILE, assuming 1024")
		return 1024
	}
	return int(limit.Cur)
}

// newPeerID generates an Azure-style peer ID: a two-letter client
// signature, a version, and 12 random bytes, matching the convention
// every tracker in the pack expects to parse.
func newPeerID() model.PeerID {
	var id model.PeerID
	copy(id[:], []byte("-GR0200-"))
	if _, err := rand.Read(id[8:]); err != nil {
		// crypto/rand failing means the OS entropy source is broken;
		// fall back to a fixed suffix rather than crash the daemon.
		copy(id[8:], []byte("000000000000"))
	}
	return id
}
