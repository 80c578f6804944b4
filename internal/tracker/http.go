package tracker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/go-resty/resty/v2"

	"gorrent/internal/bencode"
	"gorrent/internal/model"
)

type httpTracker struct {
	announceURL string
	lastError   error
	client      *resty.Client
}

func newHTTPTracker(announce string) Tracker {
	return &httpTracker{
		announceURL: announce,
		client:      resty.New().SetTimeout(15 * time.Second),
	}
}

func (t *httpTracker) URL() string      { return t.announceURL }
func (t *httpTracker) LastError() error { return t.lastError }

func (t *httpTracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResult, error) {
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("info_hash", string(req.InfoHash[:])).
		SetQueryParam("peer_id", string(req.PeerID[:])).
		SetQueryParam("port", fmt.Sprintf("%d", req.Port)).
		SetQueryParam("uploaded", fmt.Sprintf("%d", req.Uploaded)).
		SetQueryParam("downloaded", fmt.Sprintf("%d", req.Downloaded)).
		SetQueryParam("left", fmt.Sprintf("%d", req.Left)).
		SetQueryParam("compact", "1").
		SetQueryParam("event", req.Event).
		Get(t.announceURL)
	if err != nil {
		t.lastError = err
		return nil, fmt.Errorf("tracker request: %w", err)
	}
	if resp.StatusCode() != 200 {
		t.lastError = fmt.Errorf("tracker status %d", resp.StatusCode())
		return nil, t.lastError
	}

	decoded, _, err := bencode.Decode(resp.Body())
	if err != nil {
		t.lastError = fmt.Errorf("decoding tracker response: %w", err)
		return nil, t.lastError
	}
	dict := decoded.AsDict()

	if reason, ok := dict["failure reason"]; ok {
		t.lastError = fmt.Errorf("tracker failure: %s", reason.AsString())
		return nil, t.lastError
	}

	result := &AnnounceResult{}
	if complete, ok := dict["complete"]; ok {
		result.Seeders = int(complete.AsInt())
	}
	if incomplete, ok := dict["incomplete"]; ok {
		result.Leechers = int(incomplete.AsInt())
	}
	if interval, ok := dict["interval"]; ok {
		result.Interval = time.Duration(interval.AsInt()) * time.Second
	}
	if minInterval, ok := dict["min interval"]; ok {
		result.MinInterval = time.Duration(minInterval.AsInt()) * time.Second
	}

	if peersField, ok := dict["peers"]; ok {
		result.Peers = decodePeers(peersField)
	}

	t.lastError = nil
	return result, nil
}

func decodePeers(field *bencode.Data) []model.PeerAddress {
	var peers []model.PeerAddress
	if field.Type == bencode.STRING {
		compact := field.AsBytes()
		for i := 0; i+6 <= len(compact); i += 6 {
			ip := net.IPv4(compact[i], compact[i+1], compact[i+2], compact[i+3])
			port := uint16(compact[i+4])<<8 | uint16(compact[i+5])
			peers = append(peers, model.PeerAddress{IP: ip, Port: port})
		}
		return peers
	}
	for _, pd := range field.AsList() {
		dict := pd.AsDict()
		ipStr := dict["ip"].AsString()
		port := uint16(dict["port"].AsInt())
		peers = append(peers, model.PeerAddress{IP: net.ParseIP(ipStr), Port: port})
	}
	return peers
}
