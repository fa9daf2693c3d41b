package status_test

import (
	"bytes"
	"context"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/Pallinder/go-randomdata"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	. "github.com/rflandau/Scan/internal/testsupport"
	"github.com/rflandau/Scan/pkg/physical"
	"github.com/rflandau/Scan/pkg/physical/lan"
	"github.com/rflandau/Scan/pkg/status"
	"resty.dev/v3"
)

type fakeSource struct {
	mu     sync.Mutex
	snap   lan.Snapshot
	sent   [][]byte
	closed bool
}

func (f *fakeSource) Snapshot() lan.Snapshot { return f.snap }

func (f *fakeSource) SendMulticast(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return physical.ErrClosed
	} else if len(payload) == 0 {
		return physical.ErrEmptyDatagram
	}
	f.sent = append(f.sent, payload)
	return nil
}

func serve(t *testing.T, src status.Source, opts ...status.Option) string {
	t.Helper()
	s := status.New(src, opts...)
	if err := s.Start(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), RandomPort())); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop() })
	return "http://" + s.Addr().String()
}

func TestStatus(t *testing.T) {
	src := &fakeSource{snap: lan.Snapshot{
		Group:           physical.DefaultGroup.String(),
		Port:            physical.DefaultPort,
		MulticastJoined: true,
		MulticastSent:   3,
		Connections:     []lan.ConnectionInfo{{Remote: "10.0.0.2:11372", Outbound: true}},
	}}
	base := serve(t, src)

	res, rep, err := status.Fetch(t.Context(), base)
	if err != nil {
		t.Fatal(err, res)
	}
	if rep.Network.Group != src.snap.Group || rep.Network.Port != src.snap.Port || rep.Network.MulticastSent != 3 {
		t.Fatal(ExpectedActual(src.snap, rep.Network))
	}
	if len(rep.Network.Connections) != 1 || rep.Network.Connections[0] != src.snap.Connections[0] {
		t.Fatal(ExpectedActual(src.snap.Connections, rep.Network.Connections))
	}
	if rep.Uptime == "" {
		t.Fatal("uptime was not reported")
	}
}

func TestMulticast(t *testing.T) {
	src := &fakeSource{}
	base := serve(t, src)

	payload := []byte(randomdata.Paragraph())
	if _, err := status.Multicast(t.Context(), base, payload); err != nil {
		t.Fatal(err)
	}
	src.mu.Lock()
	if len(src.sent) != 1 || !bytes.Equal(src.sent[0], payload) {
		t.Fatal("payload was not forwarded verbatim")
	}
	src.mu.Unlock()

	res, err := status.Multicast(t.Context(), base, []byte{})
	if err == nil || res.StatusCode() < 400 || res.StatusCode() >= 500 {
		t.Fatal("empty payload should be a client error", res)
	}

	src.mu.Lock()
	src.closed = true
	src.mu.Unlock()
	if res, err := status.Multicast(t.Context(), base, []byte("x")); err == nil || res.StatusCode() != 503 {
		t.Fatal(ExpectedActual(503, res.StatusCode()))
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	promauto.With(reg).NewCounter(prometheus.CounterOpts{Name: "scan_test_total", Help: "test counter"}).Add(7)
	base := serve(t, &fakeSource{}, status.WithGatherer(reg))

	cli := resty.New()
	defer cli.Close()
	res, err := cli.R().Get(base + status.EPMetrics)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.String(), "scan_test_total 7") {
		t.Fatal("metric missing from exposition", res.String())
	}

	// no gatherer, no metrics
	res, err = cli.R().Get(serve(t, &fakeSource{}) + status.EPMetrics)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode() != 404 {
		t.Fatal(ExpectedActual(404, res.StatusCode()))
	}
}
