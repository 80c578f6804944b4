// Package metainfo parses .torrent files into the engine's data model
// (§3 TorrentMetadata) and maps piece indices onto the on-disk file
// layout (§6). It also parses magnet links — see Magnet in magnet.go.
package metainfo

import (
	"crypto/sha1"
	"fmt"
	"strings"

	"gorrent/internal/bencode"
	"gorrent/internal/model"
)

// File describes one file within a torrent's virtual concatenation.
type File struct {
	Length          int64
	Path            string
	FirstPieceIndex uint32
	LastPieceIndex  uint32
	// Offset is this file's starting byte in the virtual concatenation.
	Offset int64
}

// Metadata is a fully-resolved torrent: piece length, total length,
// per-file layout, and the piece-hash array. It is built only from
// .torrent bytes; a magnet link yields a Magnet, never a Metadata.
type Metadata struct {
	Name         string
	AnnounceList []string
	UrlList      []string
	Comment      string
	CreatedBy    string
	CreatedAt    int64
	Files        []*File
	PieceLength  int64
	PieceHashes  [][20]byte
	InfoHash     model.InfoHash
	Length       int64
	Private      bool
}

// NumPieces is the total piece count.
func (m *Metadata) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceLen returns the length of piece p, accounting for the final
// (possibly short) piece.
func (m *Metadata) PieceLen(p uint32) int64 {
	if int(p) == m.NumPieces()-1 {
		if rem := m.Length % m.PieceLength; rem != 0 {
			return rem
		}
	}
	return m.PieceLength
}

// FromBytes decodes a .torrent file's contents into a Metadata.
func FromBytes(data []byte) (*Metadata, error) {
	decoded, _, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decoding torrent file: %w", err)
	}
	return fromBencodeData(decoded)
}

func fromBencodeData(data *bencode.Data) (*Metadata, error) {
	if data == nil {
		return nil, fmt.Errorf("nil torrent data")
	}
	root := data.AsDict()
	infoDict, ok := root["info"]
	if !ok {
		return nil, fmt.Errorf("missing info dictionary")
	}
	info := infoDict.AsDict()

	md := &Metadata{}

	if al, ok := root["announce-list"]; ok {
		for _, tier := range al.AsList() {
			for _, a := range tier.AsList() {
				md.AnnounceList = append(md.AnnounceList, a.AsString())
			}
		}
	}
	if announce, ok := root["announce"]; ok {
		found := false
		for _, a := range md.AnnounceList {
			if a == announce.AsString() {
				found = true
				break
			}
		}
		if !found {
			md.AnnounceList = append(md.AnnounceList, announce.AsString())
		}
	}
	if name, ok := info["name"]; ok {
		md.Name = name.AsString()
	}
	if ul, ok := root["url-list"]; ok {
		for _, u := range ul.AsList() {
			md.UrlList = append(md.UrlList, u.AsString())
		}
	}
	if c, ok := root["comment"]; ok {
		md.Comment = c.AsString()
	}
	if cb, ok := root["created by"]; ok {
		md.CreatedBy = cb.AsString()
	}
	if ca, ok := root["creation date"]; ok {
		md.CreatedAt = ca.AsInt()
	}

	if pl, ok := info["piece length"]; ok {
		md.PieceLength = pl.AsInt()
	}
	if md.PieceLength <= 0 {
		return nil, fmt.Errorf("invalid or missing piece length")
	}

	if pieces, ok := info["pieces"]; ok {
		raw := pieces.AsBytes()
		if len(raw)%20 != 0 {
			return nil, fmt.Errorf("pieces string length %d not a multiple of 20", len(raw))
		}
		md.PieceHashes = make([][20]byte, len(raw)/20)
		for i := range md.PieceHashes {
			copy(md.PieceHashes[i][:], raw[i*20:(i+1)*20])
		}
	}

	if private, ok := info["private"]; ok {
		md.Private = private.AsInt() == 1
	}

	if files, ok := info["files"]; ok {
		var offset int64
		for _, fd := range files.AsList() {
			fdict := fd.AsDict()
			f := &File{Length: fdict["length"].AsInt(), Offset: offset}
			if pathData, ok := fdict["path"]; ok {
				parts := pathData.AsList()
				segs := make([]string, len(parts))
				for i, p := range parts {
					segs[i] = p.AsString()
				}
				f.Path = strings.Join(segs, "/")
			}
			md.Files = append(md.Files, f)
			md.Length += f.Length
			offset += f.Length
		}
	} else {
		md.Length = info["length"].AsInt()
		md.Files = append(md.Files, &File{Length: md.Length, Path: md.Name, Offset: 0})
	}

	assignPieceRanges(md)

	hash := sha1.Sum(infoDict.ToBytes())
	md.InfoHash = model.InfoHash(hash)

	return md, nil
}

func assignPieceRanges(md *Metadata) {
	for _, f := range md.Files {
		md.assignOneFileRange(f)
	}
}

func (m *Metadata) assignOneFileRange(f *File) {
	f.FirstPieceIndex = uint32(f.Offset / m.PieceLength)
	last := f.Offset + f.Length - 1
	if f.Length == 0 {
		f.LastPieceIndex = f.FirstPieceIndex
		return
	}
	f.LastPieceIndex = uint32(last / m.PieceLength)
}

// Extent is one (file, fileOffset, length) slice of a piece's byte range
// that falls within a single file, for the disk executor to act on.
type Extent struct {
	File       *File
	FileOffset int64
	Length     int64
}

// ExtentsForPiece maps a piece index onto the file-layout byte ranges it
// spans, honoring §6: piece p maps to [p*pieceLength, (p+1)*pieceLength)
// of the virtual concatenation, chunked across files.
func (m *Metadata) ExtentsForPiece(p uint32) []Extent {
	pieceStart := int64(p) * m.PieceLength
	pieceEnd := pieceStart + m.PieceLen(p)

	var extents []Extent
	for _, f := range m.Files {
		fileStart := f.Offset
		fileEnd := f.Offset + f.Length
		if pieceStart >= fileEnd || pieceEnd <= fileStart {
			continue
		}
		start := max64(pieceStart, fileStart)
		end := min64(pieceEnd, fileEnd)
		extents = append(extents, Extent{
			File:       f,
			FileOffset: start - fileStart,
			Length:     end - start,
		})
	}
	return extents
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
