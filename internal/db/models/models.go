// Package models holds the gorm row types backing the persisted
// settings and per-torrent state of §6, extending the teacher's
// db/models package (Download/Peer/Piece/Tracker) with the
// control-state and validation-status fields the spec's torrents[]
// entry requires.
package models

import "gorm.io/gorm"

// Settings is a singleton row (ID always 1) holding the client-wide
// persisted settings of §6.
type Settings struct {
	gorm.Model
	ClientPort             uint16
	DefaultDownloadFolder  string
	WatchFolder            string
	GlobalDownloadLimitBps float64
	GlobalUploadLimitBps   float64
	ResourceLimitOverride  int
	LifetimeDownloaded     int64
	LifetimeUploaded       int64
	TorrentSort            string
	PeerSort               string
	BootstrapNodesCSV      string // comma-joined; §6 lists bootstrap_nodes as a flat string list
}

// TorrentRecord is one persisted torrents[] entry (renamed from the
// teacher's Download to reflect that it covers magnet-only entries too,
// not just file-backed downloads).
type TorrentRecord struct {
	gorm.Model
	InfoHash         string `gorm:"uniqueIndex"`
	TorrentOrMagnet  string
	Name             string
	ValidationStatus string
	DownloadPath     string
	ControlState     string
	TotalSize        int64
	DownloadedSize   int64
	UploadedSize     int64

	Peers    []PeerRecord
	Pieces   []PieceRecord
	Trackers []TrackerRecord
}

// PeerRecord persists a peer observed for a torrent, same shape as the
// teacher's Peer model.
type PeerRecord struct {
	ID              uint `gorm:"primaryKey"`
	TorrentRecordID uint
	TrackerID       uint
	IP              string
	Port            uint16
	IsSeeder        bool
	IsStopped       bool
	IsChoked        bool
	IsInterested    bool
}

// PieceRecord persists per-piece verification state, same shape as the
// teacher's Piece model.
type PieceRecord struct {
	ID              uint `gorm:"primaryKey"`
	TorrentRecordID uint
	Index           int
	Hash            string
	IsDownloaded    bool
}

// TrackerRecord persists one announce-list entry's rolling state, same
// shape as the teacher's Tracker model.
type TrackerRecord struct {
	ID              uint `gorm:"primaryKey"`
	TorrentRecordID uint
	Announce        string
	Status          string
	LastCheck       int64
	LastError       string
	NextCheck       int64

	Interval    int
	MinInterval int
	Seeders     int
	Leechers    int

	ConnectionID  int64
	TransactionID int
}
