//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rflandau/Scan/pkg/frame"
	"github.com/rflandau/Scan/pkg/ids"
	"github.com/rflandau/Scan/pkg/physical"
	"github.com/rflandau/Scan/pkg/varint"
	"github.com/rs/zerolog"
)

// Frame types used by the daemon.
const (
	typeAnnounce uint8 = 1
	typeHello    uint8 = 2
)

var errNotAnnouncement = errors.New("datagram is not an announcement")

// encodeAnnouncement builds the datagram announcing self under query id qid.
// The datagram is a single frame whose payload is the query id.
func encodeAnnouncement(self frame.PeerID, qid varint.VarInt) ([]byte, error) {
	body := qid.Bytes()
	hdr := frame.Header{Type: typeAnnounce, Source: &self, Length: uint16(len(body))}
	b, err := hdr.Serialize()
	if err != nil {
		return nil, err
	}
	return append(b, body...), nil
}

// decodeAnnouncement is the inverse of encodeAnnouncement.
func decodeAnnouncement(b []byte) (frame.PeerID, varint.VarInt, error) {
	rd := bytes.NewReader(b)
	hdr, err := frame.Deserialize(rd)
	if err != nil {
		return frame.PeerID{}, varint.VarInt{}, err
	} else if hdr.Type != typeAnnounce || hdr.Source == nil {
		return frame.PeerID{}, varint.VarInt{}, errNotAnnouncement
	} else if int(hdr.Length) != rd.Len() {
		return frame.PeerID{}, varint.VarInt{}, fmt.Errorf("announcement declares %d payload bytes but carries %d", hdr.Length, rd.Len())
	}
	qid, err := varint.Read(rd)
	if err != nil {
		return frame.PeerID{}, varint.VarInt{}, err
	}
	return *hdr.Source, qid, nil
}

// announcer periodically multicasts an announcement for the local node.
type announcer struct {
	log      *zerolog.Logger
	net      physical.Network
	self     frame.PeerID
	interval time.Duration
	clk      clock.Clock
	qids     *ids.QueryIDs
}

func newAnnouncer(log *zerolog.Logger, net physical.Network, self frame.PeerID, interval time.Duration) *announcer {
	clk := clock.New()
	return &announcer{
		log:      log,
		net:      net,
		self:     self,
		interval: interval,
		clk:      clk,
		qids:     ids.NewQueryIDs(ids.WithClock(clk)),
	}
}

// run announces immediately and then every interval until ctx is done.
func (a *announcer) run(ctx context.Context) {
	t := a.clk.Ticker(a.interval)
	defer t.Stop()
	for {
		if err := a.announce(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn().Err(err).Msg("failed to announce")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// announce sends a single announcement under a fresh query id.
func (a *announcer) announce(ctx context.Context) error {
	qid := a.qids.Next()
	b, err := encodeAnnouncement(a.self, qid)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.interval)
	defer cancel()
	if err := a.net.SendMulticast(ctx, b); err != nil {
		return err
	}
	a.log.Debug().Str("query", qid.String()).Msg("announced")
	return nil
}
