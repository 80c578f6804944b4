// Package db persists the settings and per-torrent state of §6 via
// gorm/sqlite, extending the teacher's db/database.go (Init/Close,
// CreateDownload's get-or-create pattern) to cover the full persisted
// settings row and the torrent control-state/validation-status fields
// the distilled spec's Download model didn't carry.
package db

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gorrent/internal/config"
	"gorrent/internal/db/models"
)

// Database wraps the gorm handle, mirroring the teacher's thin wrapper
// struct.
type Database struct {
	db *gorm.DB
}

// Open mirrors the teacher's Init: connects and auto-migrates every
// table this engine persists.
func Open(path string) (*Database, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening database at %q: %w", path, err)
	}

	if err := gdb.AutoMigrate(
		&models.Settings{},
		&models.TorrentRecord{},
		&models.PeerRecord{},
		&models.PieceRecord{},
		&models.TrackerRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &Database{db: gdb}, nil
}

// Close mirrors the teacher's Close.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadSettings reads the singleton settings row, creating it from
// bootstrap defaults on first run (no get-or-404 semantics here, unlike
// the teacher's multi-row Download lookup, since there is exactly one
// settings row per database).
func (d *Database) LoadSettings(bootstrap *config.Bootstrap) (*config.Settings, error) {
	var row models.Settings
	result := d.db.First(&row)
	if result.Error != nil {
		defaults := config.DefaultSettings(bootstrap)
		row = settingsToRow(defaults)
		if err := d.db.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("creating default settings row: %w", err)
		}
	}

	torrents, err := d.loadTorrentEntries()
	if err != nil {
		return nil, err
	}

	settings := rowToSettings(&row)
	settings.Torrents = torrents
	return settings, nil
}

// SaveSettings rewrites the singleton settings row. The limits
// subcommand is its only caller; serve does not save at shutdown.
func (d *Database) SaveSettings(s *config.Settings) error {
	row := settingsToRow(s)
	var existing models.Settings
	if err := d.db.First(&existing).Error; err == nil {
		row.Model = existing.Model
	}
	return d.db.Save(&row).Error
}

func settingsToRow(s *config.Settings) models.Settings {
	return models.Settings{
		ClientPort:             s.ClientPort,
		DefaultDownloadFolder:  s.DefaultDownloadFolder,
		WatchFolder:            s.WatchFolder,
		GlobalDownloadLimitBps: s.GlobalDownloadLimitBps,
		GlobalUploadLimitBps:   s.GlobalUploadLimitBps,
		ResourceLimitOverride:  s.ResourceLimitOverride,
		LifetimeDownloaded:     s.LifetimeDownloaded,
		LifetimeUploaded:       s.LifetimeUploaded,
		TorrentSort:            s.TorrentSort,
		PeerSort:               s.PeerSort,
		BootstrapNodesCSV:      strings.Join(s.BootstrapNodes, ","),
	}
}

func rowToSettings(row *models.Settings) *config.Settings {
	s := &config.Settings{
		ClientPort:             row.ClientPort,
		DefaultDownloadFolder:  row.DefaultDownloadFolder,
		WatchFolder:            row.WatchFolder,
		GlobalDownloadLimitBps: row.GlobalDownloadLimitBps,
		GlobalUploadLimitBps:   row.GlobalUploadLimitBps,
		ResourceLimitOverride:  row.ResourceLimitOverride,
		LifetimeDownloaded:     row.LifetimeDownloaded,
		LifetimeUploaded:       row.LifetimeUploaded,
		TorrentSort:            row.TorrentSort,
		PeerSort:               row.PeerSort,
	}
	if row.BootstrapNodesCSV != "" {
		s.BootstrapNodes = strings.Split(row.BootstrapNodesCSV, ",")
	}
	return s
}

func (d *Database) loadTorrentEntries() ([]config.TorrentEntry, error) {
	var rows []models.TorrentRecord
	if err := d.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("loading torrent records: %w", err)
	}
	entries := make([]config.TorrentEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, config.TorrentEntry{
			TorrentOrMagnet:  r.TorrentOrMagnet,
			Name:             r.Name,
			ValidationStatus: config.ValidationStatus(r.ValidationStatus),
			DownloadPath:     r.DownloadPath,
			ControlState:     config.ControlState(r.ControlState),
		})
	}
	return entries, nil
}

// UpsertTorrent creates or updates a torrent's persisted row, keyed by
// info hash, mirroring the teacher's CreateDownload get-or-create shape.
func (d *Database) UpsertTorrent(infoHash string, entry config.TorrentEntry) error {
	var row models.TorrentRecord
	result := d.db.Where("info_hash = ?", infoHash).First(&row)
	row.InfoHash = infoHash
	row.TorrentOrMagnet = entry.TorrentOrMagnet
	row.Name = entry.Name
	row.ValidationStatus = string(entry.ValidationStatus)
	row.DownloadPath = entry.DownloadPath
	row.ControlState = string(entry.ControlState)

	if result.Error != nil {
		return d.db.Create(&row).Error
	}
	return d.db.Save(&row).Error
}

// RemoveTorrent deletes a torrent's persisted row and its children. The
// remove subcommand calls it directly; a running serve stops that
// torrent's manager on its next reconcile once the row is gone.
func (d *Database) RemoveTorrent(infoHash string) error {
	var row models.TorrentRecord
	if err := d.db.Where("info_hash = ?", infoHash).First(&row).Error; err != nil {
		log.Debug().Str("info_hash", infoHash).Msg("no persisted row to remove")
		return nil
	}
	if err := d.db.Where("torrent_record_id = ?", row.ID).Delete(&models.PeerRecord{}).Error; err != nil {
		return err
	}
	if err := d.db.Where("torrent_record_id = ?", row.ID).Delete(&models.PieceRecord{}).Error; err != nil {
		return err
	}
	if err := d.db.Where("torrent_record_id = ?", row.ID).Delete(&models.TrackerRecord{}).Error; err != nil {
		return err
	}
	return d.db.Delete(&row).Error
}
