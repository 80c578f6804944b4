package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"gorrent/internal/model"
)

const (
	actionConnect  = int32(0)
	actionAnnounce = int32(1)
	actionScrape   = int32(2)
)

const (
	eventNone      = int32(0)
	eventCompleted = int32(1)
	eventStarted   = int32(2)
	eventStopped   = int32(3)
)

const protocolConnectionID = 0x41727101980

type udpTracker struct {
	announceURL  string
	lastError    error
	connectionID int64
}

func newUDPTracker(announce string) Tracker {
	return &udpTracker{announceURL: announce}
}

func (t *udpTracker) URL() string      { return t.announceURL }
func (t *udpTracker) LastError() error { return t.lastError }

func eventCode(event string) int32 {
	switch event {
	case "started":
		return eventStarted
	case "stopped":
		return eventStopped
	case "completed":
		return eventCompleted
	default:
		return eventNone
	}
}

func (t *udpTracker) Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResult, error) {
	u, err := url.Parse(t.announceURL)
	if err != nil {
		t.lastError = err
		return nil, err
	}
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		t.lastError = err
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.lastError = err
		return nil, err
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(15 * time.Second)
	}
	conn.SetDeadline(deadline)

	if err := t.connect(conn); err != nil {
		t.lastError = err
		return nil, err
	}
	result, err := t.announce(conn, req)
	if err != nil {
		t.lastError = err
		return nil, err
	}
	t.lastError = nil
	return result, nil
}

func (t *udpTracker) connect(conn *net.UDPConn) error {
	transactionID := rand.Int31()
	req := struct {
		ConnectionID int64
		Action       int32
		Transaction  int32
	}{ConnectionID: protocolConnectionID, Action: actionConnect, Transaction: transactionID}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, req); err != nil {
		return err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return err
	}

	var resp struct {
		Action       int32
		Transaction  int32
		ConnectionID int64
	}
	if err := binary.Read(conn, binary.BigEndian, &resp); err != nil {
		return err
	}
	if resp.Transaction != transactionID {
		return fmt.Errorf("udp tracker: transaction id mismatch")
	}
	if resp.Action != actionConnect {
		return fmt.Errorf("udp tracker: unexpected action %d", resp.Action)
	}
	t.connectionID = resp.ConnectionID
	return nil
}

func (t *udpTracker) announce(conn *net.UDPConn, areq AnnounceRequest) (*AnnounceResult, error) {
	transactionID := rand.Int31()
	req := struct {
		ConnectionID int64
		Action       int32
		Transaction  int32
		InfoHash     [20]byte
		PeerID       [20]byte
		Downloaded   int64
		Left         int64
		Uploaded     int64
		Event        int32
		IP           int32
		Key          int32
		NumWant      int32
		Port         uint16
	}{
		ConnectionID: t.connectionID,
		Action:       actionAnnounce,
		Transaction:  transactionID,
		InfoHash:     areq.InfoHash,
		PeerID:       areq.PeerID,
		Downloaded:   areq.Downloaded,
		Left:         areq.Left,
		Uploaded:     areq.Uploaded,
		Event:        eventCode(areq.Event),
		NumWant:      -1,
		Port:         areq.Port,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, req); err != nil {
		return nil, err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return nil, err
	}

	raw := make([]byte, 4096)
	n, err := conn.Read(raw)
	if err != nil {
		return nil, err
	}
	raw = raw[:n]
	if len(raw) < 20 {
		return nil, fmt.Errorf("udp tracker: announce response too short")
	}

	var resp struct {
		Action      int32
		Transaction int32
		Interval    int32
		Leechers    int32
		Seeders     int32
	}
	if err := binary.Read(bytes.NewReader(raw[:20]), binary.BigEndian, &resp); err != nil {
		return nil, err
	}
	if resp.Transaction != transactionID {
		return nil, fmt.Errorf("udp tracker: transaction id mismatch")
	}
	if resp.Action != actionAnnounce {
		return nil, fmt.Errorf("udp tracker: unexpected action %d", resp.Action)
	}

	result := &AnnounceResult{
		Interval: time.Duration(resp.Interval) * time.Second,
		Seeders:  int(resp.Seeders),
		Leechers: int(resp.Leechers),
	}

	peerBytes := raw[20:]
	for i := 0; i+6 <= len(peerBytes); i += 6 {
		ip := net.IPv4(peerBytes[i], peerBytes[i+1], peerBytes[i+2], peerBytes[i+3])
		port := uint16(peerBytes[i+4])<<8 | uint16(peerBytes[i+5])
		result.Peers = append(result.Peers, model.PeerAddress{IP: ip, Port: port})
	}
	return result, nil
}
