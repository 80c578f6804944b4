package metainfo

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"gorrent/internal/model"
)

// Magnet is a torrent reference carrying an info-hash (and, usually,
// tracker/display-name hints) but no info dictionary. Supplements the
// distilled spec with the magnet-add path the original client exposes
// (add_magnet_torrent). Only parsing is implemented: nothing fetches the
// info dictionary from peers, so a Magnet never becomes a Metadata and
// gorrentd cannot start a magnet-only entry.
type Magnet struct {
	InfoHash     model.InfoHash
	DisplayName  string
	AnnounceList []string
}

// ParseMagnet decodes a "magnet:?xt=urn:btih:...&dn=...&tr=..." URI.
func ParseMagnet(uri string) (*Magnet, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing magnet uri: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("not a magnet uri: scheme %q", u.Scheme)
	}

	q := u.Query()
	xt := q.Get("xt")
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, fmt.Errorf("unsupported or missing xt parameter: %q", xt)
	}
	hashPart := strings.TrimPrefix(xt, prefix)

	var infoHash model.InfoHash
	switch len(hashPart) {
	case 40:
		raw, err := hex.DecodeString(hashPart)
		if err != nil {
			return nil, fmt.Errorf("decoding hex info-hash: %w", err)
		}
		copy(infoHash[:], raw)
	case 32:
		raw, err := base32Decode(hashPart)
		if err != nil {
			return nil, fmt.Errorf("decoding base32 info-hash: %w", err)
		}
		copy(infoHash[:], raw)
	default:
		return nil, fmt.Errorf("info-hash %q has unexpected length %d", hashPart, len(hashPart))
	}

	m := &Magnet{
		InfoHash:    infoHash,
		DisplayName: q.Get("dn"),
	}
	for _, tr := range q["tr"] {
		m.AnnounceList = append(m.AnnounceList, tr)
	}
	return m, nil
}

// base32Decode decodes the RFC 4648 base32 alphabet used by some magnet
// links for the 32-character info-hash form, without the stdlib's
// padding requirement (magnet hashes are never padded).
func base32Decode(s string) ([]byte, error) {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	s = strings.ToUpper(s)
	bits := 0
	var value uint64
	out := make([]byte, 0, len(s)*5/8)
	for _, c := range s {
		idx := strings.IndexRune(alphabet, c)
		if idx < 0 {
			return nil, fmt.Errorf("invalid base32 character %q", c)
		}
		value = (value << 5) | uint64(idx)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(value>>uint(bits)))
		}
	}
	return out, nil
}
