package metainfo

import (
	"crypto/sha1"
	"testing"

	"gorrent/internal/bencode"
)

func buildSingleFileTorrent(t *testing.T, pieceLength int64, fileLen int64) []byte {
	t.Helper()
	numPieces := (fileLen + pieceLength - 1) / pieceLength
	pieces := make([]byte, 0, numPieces*20)
	for i := int64(0); i < numPieces; i++ {
		h := sha1.Sum([]byte{byte(i)})
		pieces = append(pieces, h[:]...)
	}

	info := map[string]interface{}{
		"name":         "file.bin",
		"piece length": pieceLength,
		"pieces":       pieces,
		"length":       fileLen,
	}
	root := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info":     info,
	}
	return bencode.Encode(bencode.NewData(root))
}

func TestFromBytesSingleFile(t *testing.T) {
	raw := buildSingleFileTorrent(t, 32768, 32768*2+100)
	md, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if md.Name != "file.bin" {
		t.Fatalf("unexpected name %q", md.Name)
	}
	if md.NumPieces() != 3 {
		t.Fatalf("expected 3 pieces, got %d", md.NumPieces())
	}
	if md.PieceLen(2) != 100 {
		t.Fatalf("expected last piece length 100, got %d", md.PieceLen(2))
	}
	var zero [20]byte
	if md.InfoHash == zero {
		t.Fatalf("expected non-zero info hash")
	}
}

func TestExtentsForPieceMultiFile(t *testing.T) {
	info := map[string]interface{}{
		"name":         "multi",
		"piece length": int64(10),
		"pieces":       make([]byte, 40), // 2 pieces worth of zero hashes
		"files": []interface{}{
			map[string]interface{}{"length": int64(15), "path": []interface{}{"a.txt"}},
			map[string]interface{}{"length": int64(5), "path": []interface{}{"b.txt"}},
		},
	}
	root := map[string]interface{}{"info": info}
	raw := bencode.Encode(bencode.NewData(root))

	md, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if md.Length != 20 {
		t.Fatalf("expected total length 20, got %d", md.Length)
	}

	// Piece 1 spans bytes [10,20): 5 bytes in a.txt (offset 10..15), 5 in b.txt (0..5).
	extents := md.ExtentsForPiece(1)
	if len(extents) != 2 {
		t.Fatalf("expected piece 1 to span 2 files, got %d", len(extents))
	}
	if extents[0].File.Path != "a.txt" || extents[0].FileOffset != 10 || extents[0].Length != 5 {
		t.Fatalf("unexpected first extent: %+v", extents[0])
	}
	if extents[1].File.Path != "b.txt" || extents[1].FileOffset != 0 || extents[1].Length != 5 {
		t.Fatalf("unexpected second extent: %+v", extents[1])
	}
}

func TestParseMagnetHex(t *testing.T) {
	uri := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=Some+File&tr=http://tracker.example/announce"
	m, err := ParseMagnet(uri)
	if err != nil {
		t.Fatalf("ParseMagnet: %v", err)
	}
	if m.DisplayName != "Some File" {
		t.Fatalf("unexpected display name %q", m.DisplayName)
	}
	if len(m.AnnounceList) != 1 {
		t.Fatalf("expected 1 announce, got %d", len(m.AnnounceList))
	}
}

func TestParseMagnetRejectsNonMagnet(t *testing.T) {
	if _, err := ParseMagnet("http://example.com"); err == nil {
		t.Fatalf("expected error for non-magnet uri")
	}
}
