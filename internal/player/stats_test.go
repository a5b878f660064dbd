package player

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"hls-ladder/internal/platform/logger"
)

type staticSession struct{ snap SessionSnapshot }

func (s staticSession) Snapshot() SessionSnapshot { return s.snap }

type staticNetwork struct{ sample NetworkSample }

func (s staticNetwork) Latest() NetworkSample { return s.sample }

func playingSnapshot() SessionSnapshot {
	return SessionSnapshot{
		SessionID:     7,
		Mode:          ModePlaying,
		ModeName:      ModePlaying.String(),
		Tier:          AutoTier,
		Level:         "480p",
		BitrateBps:    1_000_000,
		BandwidthBps:  2_500_000,
		Position:      31.5,
		Buffered:      18.5,
		LoadLatency:   240 * time.Millisecond,
		DroppedFrames: 15,
		TotalFrames:   600,
		RetryCount:    1,
	}
}

func TestAggregator_sample(t *testing.T) {
	net := NetworkSample{DownlinkMbps: 2.5, EffectiveType: Effective4G, RTTMs: 80}
	a := NewAggregator(staticSession{playingSnapshot()}, staticNetwork{net}, 0, logger.Discard())

	var got []StatsSnapshot
	cancel := a.Subscribe(func(s StatsSnapshot) { got = append(got, s) })
	s := a.Sample()

	if s.Level != "480p" || s.BitrateBps != 1_000_000 || s.Mode != "playing" || s.RetryCount != 1 {
		t.Errorf("sample = %+v", s)
	}
	if s.BufferAhead != 18.5 || s.LoadLatency != 240*time.Millisecond {
		t.Errorf("buffer %v latency %v", s.BufferAhead, s.LoadLatency)
	}
	if s.DropRate != 0.025 {
		t.Errorf("drop rate = %v", s.DropRate)
	}
	if s.Network.DownlinkMbps != 2.5 {
		t.Errorf("network = %+v", s.Network)
	}
	if len(got) != 1 || a.Latest().At != s.At {
		t.Errorf("subscriber got %d samples", len(got))
	}

	cancel()
	a.Sample()
	if len(got) != 1 {
		t.Error("cancelled subscriber still called")
	}
}

func TestAggregator_withoutFramesOrNetwork(t *testing.T) {
	a := NewAggregator(staticSession{SessionSnapshot{ModeName: "startup", Buffered: -1}}, nil, 0, logger.Discard())
	s := a.Sample()
	if s.DropRate != 0 || s.BufferAhead != 0 || s.Network.EffectiveType != EffectiveUnknown {
		t.Errorf("sample = %+v", s)
	}
}

func TestAggregator_runTicks(t *testing.T) {
	a := NewAggregator(staticSession{playingSnapshot()}, nil, 5*time.Millisecond, logger.Discard())
	var mu sync.Mutex
	n := 0
	a.Subscribe(func(StatsSnapshot) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		got := n
		mu.Unlock()
		if got >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d samples", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func dialFeed(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, f *StatsFeed, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for f.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", f.Clients(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatsFeed(t *testing.T) {
	feed := NewStatsFeed(logger.Discard())
	srv := httptest.NewServer(feed)
	defer srv.Close()

	first := dialFeed(t, srv)
	waitClients(t, feed, 1)

	a := NewAggregator(staticSession{playingSnapshot()}, nil, 0, logger.Discard())
	a.Subscribe(feed.Publish)
	a.Sample()

	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got StatsSnapshot
	if err := first.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Level != "480p" || got.DroppedFrames != 15 || got.SessionID != 7 {
		t.Errorf("received %+v", got)
	}

	// A late client starts from the latest sample.
	late := dialFeed(t, srv)
	late.SetReadDeadline(time.Now().Add(5 * time.Second))
	var replay StatsSnapshot
	if err := late.ReadJSON(&replay); err != nil {
		t.Fatal(err)
	}
	if replay.Level != "480p" {
		t.Errorf("replay = %+v", replay)
	}
	waitClients(t, feed, 2)

	first.Close()
	waitClients(t, feed, 1)
}
