package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/autoreply/wa-autoreply/internal/models"

	"github.com/rs/zerolog"
)

type managerFixture struct {
	m       *Manager
	dialer  *fakeDialer
	configs *memConfigs
	obs     *recordingObserver
}

func newManagerFixture(t *testing.T, cfgs ...models.DeviceConfig) *managerFixture {
	t.Helper()
	f := &managerFixture{
		dialer:  newFakeDialer(),
		configs: newMemConfigs(cfgs...),
		obs:     &recordingObserver{},
	}
	pipeline := NewPipeline(nil, PipelineOptions{AITimeout: time.Second}, zerolog.Nop())
	f.m = NewManager(f.dialer, f.configs, staticAI{}, pipeline, prefixQR{}, zerolog.Nop())
	f.m.SetObserver(f.obs)
	t.Cleanup(f.m.Shutdown)
	return f
}

func (f *managerFixture) waitState(t *testing.T, id string, state models.ConnectionState) {
	t.Helper()
	eventually(t, func() bool {
		st, ok := f.m.Device(id)
		return ok && st.State == state
	})
}

func (f *managerFixture) connect(t *testing.T, id string) *fakeConn {
	t.Helper()
	if _, err := f.m.AddDevice(context.Background(), id); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	conn := f.dialer.Conn(t, id)
	conn.handler(Event{Kind: EventReady})
	f.waitState(t, id, models.StateConnected)
	return conn
}

func TestAddDeviceLifecycle(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	id, err := f.m.AddDevice(ctx, "  my shop ")
	if err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if id != "my_shop" {
		t.Fatalf("id = %q, want my_shop", id)
	}

	conn := f.dialer.Conn(t, id)
	conn.handler(Event{Kind: EventChallenge, Challenge: "pair-1"})
	f.waitState(t, id, models.StateAwaitingChallenge)

	img, ok := f.m.Challenge(id)
	if !ok || img != "img:pair-1" {
		t.Fatalf("Challenge = %q, %v", img, ok)
	}

	conn.handler(Event{Kind: EventReady})
	f.waitState(t, id, models.StateConnected)
	if _, ok := f.m.Challenge(id); ok {
		t.Fatal("challenge still pending after ready")
	}

	// duplicate ready is a no-op
	conn.handler(Event{Kind: EventReady})
	conn.handler(Event{Kind: EventChallenge, Challenge: "late"})
	time.Sleep(20 * time.Millisecond)

	want := []string{
		"my_shop:initializing",
		"my_shop:awaiting_challenge",
		"my_shop:qr:img:pair-1",
		"my_shop:connected",
	}
	if got := f.obs.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestAddDeviceRejectsInvalidID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"blank", "   "},
		{"too long", strings.Repeat("x", models.MaxDeviceIDLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t)
			_, err := f.m.AddDevice(context.Background(), tt.raw)
			if !errors.Is(err, models.ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}
			ids, _ := f.configs.DeviceIDs(context.Background())
			if len(ids) != 0 {
				t.Fatalf("config created for rejected id: %v", ids)
			}
		})
	}
}

func TestAddDeviceIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	f.connect(t, "shop")

	for i := 0; i < 3; i++ {
		if _, err := f.m.AddDevice(context.Background(), "shop"); err != nil {
			t.Fatal(err)
		}
	}
	if n := f.dialer.Dials("shop"); n != 1 {
		t.Fatalf("dialed %d times, want 1", n)
	}
	if n := f.obs.Count("shop:initializing"); n != 1 {
		t.Fatalf("initializing broadcast %d times", n)
	}
}

func TestReinitializeAllIsIdempotent(t *testing.T) {
	f := newManagerFixture(t, models.DefaultDeviceConfig("a"), models.DefaultDeviceConfig("b"))
	f.dialer.known = []string{"b", "c"}
	ctx := context.Background()

	if err := f.m.ReinitializeAll(ctx); err != nil {
		t.Fatalf("ReinitializeAll: %v", err)
	}
	if err := f.m.ReinitializeAll(ctx); err != nil {
		t.Fatalf("second ReinitializeAll: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		f.dialer.Conn(t, id)
		if n := f.dialer.Dials(id); n != 1 {
			t.Errorf("device %s dialed %d times, want 1", id, n)
		}
	}

	// a session identity without a config gets a default config
	ids, _ := f.configs.DeviceIDs(ctx)
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Fatalf("config ids = %v", ids)
	}
}

func TestDisconnectDevice(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	conn := f.connect(t, "shop")

	if err := f.m.DisconnectDevice(ctx, "shop"); err != nil {
		t.Fatalf("DisconnectDevice: %v", err)
	}
	if conn.logouts != 1 {
		t.Fatalf("logouts = %d", conn.logouts)
	}
	if !conn.Closed() {
		t.Fatal("connection not closed")
	}

	st, ok := f.m.Device("shop")
	if !ok || st.State != models.StateDisconnected || st.Active {
		t.Fatalf("status = %+v", st)
	}

	if err := f.m.DisconnectDevice(ctx, "shop"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("second disconnect err = %v, want ErrNotFound", err)
	}

	// events from the old instance are ignored
	conn.handler(Event{Kind: EventReady})

	// the id can be added again and starts a fresh instance
	if _, err := f.m.AddDevice(ctx, "shop"); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return f.dialer.Dials("shop") == 2 })
	f.waitState(t, "shop", models.StateInitializing)
	time.Sleep(20 * time.Millisecond)
	if st, _ := f.m.Device("shop"); st.State != models.StateInitializing {
		t.Fatalf("stale ready leaked into new instance: %s", st.State)
	}
}

func TestDisconnectWhileDialingLogsOut(t *testing.T) {
	f := newManagerFixture(t)
	f.dialer.gate = make(chan struct{})
	ctx := context.Background()

	if _, err := f.m.AddDevice(ctx, "shop"); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- f.m.DisconnectDevice(ctx, "shop") }()

	time.Sleep(20 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("DisconnectDevice returned before dialing finished: %v", err)
	default:
	}
	close(f.dialer.gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DisconnectDevice: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("DisconnectDevice did not return")
	}
	conn := f.dialer.Conn(t, "shop")
	if n := conn.Logouts(); n != 1 {
		t.Fatalf("logouts = %d, want 1", n)
	}
	if !conn.Closed() {
		t.Fatal("connection not closed")
	}
	if st, _ := f.m.Device("shop"); st.Active || st.State != models.StateDisconnected {
		t.Fatalf("status = %+v", st)
	}
}

func TestForgetDevice(t *testing.T) {
	f := newManagerFixture(t, models.DefaultDeviceConfig("shop"))
	f.dialer.known = []string{"shop", "other"}
	ctx := context.Background()
	conn := f.connect(t, "shop")

	if err := f.m.ForgetDevice(ctx, " shop "); err != nil {
		t.Fatalf("ForgetDevice: %v", err)
	}
	if conn.Logouts() != 1 || !conn.Closed() {
		t.Fatalf("logouts = %d closed = %v", conn.Logouts(), conn.Closed())
	}
	if got := f.dialer.Purged(); !reflect.DeepEqual(got, []string{"shop"}) {
		t.Fatalf("purged = %v", got)
	}
	if _, ok := f.m.Device("shop"); ok {
		t.Fatal("forgotten device still has a state")
	}

	// the caller drops the config; nothing brings the device back afterwards
	f.configs.Delete("shop")
	if err := f.m.ReinitializeAll(ctx); err != nil {
		t.Fatal(err)
	}
	f.dialer.Conn(t, "other")
	if n := f.dialer.Dials("shop"); n != 1 {
		t.Fatalf("shop dialed %d times after forget, want 1", n)
	}
	list, err := f.m.ListDevices(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range list {
		if d.DeviceID == "shop" {
			t.Fatalf("forgotten device listed: %+v", list)
		}
	}

	// a device without a session is purged all the same
	if err := f.m.ForgetDevice(ctx, "idle"); err != nil {
		t.Fatalf("ForgetDevice(idle): %v", err)
	}
	if err := f.m.ForgetDevice(ctx, "  "); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("blank id err = %v, want ErrInvalidInput", err)
	}
}

func TestForgetDeviceKeepsSessionWhenLogoutFails(t *testing.T) {
	f := newManagerFixture(t)
	f.dialer.logoutErr = errors.New("network down")
	f.connect(t, "shop")

	if err := f.m.ForgetDevice(context.Background(), "shop"); !errors.Is(err, models.ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
	if len(f.dialer.Purged()) != 0 {
		t.Fatal("session data purged although logout failed")
	}
	if st, _ := f.m.Device("shop"); !st.Active {
		t.Fatal("session dropped although logout failed")
	}
}

func TestDisconnectUnknownDevice(t *testing.T) {
	f := newManagerFixture(t)
	if err := f.m.DisconnectDevice(context.Background(), "ghost"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDisconnectLogoutFailureKeepsSession(t *testing.T) {
	f := newManagerFixture(t)
	f.dialer.logoutErr = errors.New("network down")
	conn := f.connect(t, "shop")

	err := f.m.DisconnectDevice(context.Background(), "shop")
	if !errors.Is(err, models.ErrProvider) {
		t.Fatalf("err = %v, want ErrProvider", err)
	}
	st, _ := f.m.Device("shop")
	if !st.Active || st.State != models.StateConnected {
		t.Fatalf("status = %+v, want active connected", st)
	}
	if conn.Closed() {
		t.Fatal("connection closed after failed logout")
	}
}

func TestFailuresEvictSession(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *managerFixture)
		event *Event
	}{
		{name: "dial error", setup: func(f *managerFixture) { f.dialer.dialErr = errors.New("no store") }},
		{name: "connect error", setup: func(f *managerFixture) { f.dialer.connectErr = errors.New("refused") }},
		{name: "pairing timeout", event: &Event{Kind: EventFailed, Reason: "pairing timed out"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newManagerFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			if _, err := f.m.AddDevice(context.Background(), "shop"); err != nil {
				t.Fatal(err)
			}
			if tt.event != nil {
				f.dialer.Conn(t, "shop").handler(*tt.event)
			}
			f.waitState(t, "shop", models.StateFailed)
			if st, _ := f.m.Device("shop"); st.Active {
				t.Fatal("failed session still active")
			}
		})
	}
}

func TestRemoteLogoutDisconnects(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.connect(t, "shop")

	conn.handler(Event{Kind: EventDisconnected, Reason: "logged out"})
	f.waitState(t, "shop", models.StateDisconnected)
	eventually(t, conn.Closed)
}

func TestMessagesAreAnsweredInOrder(t *testing.T) {
	cfg := models.DefaultDeviceConfig("shop")
	cfg.Keywords = []models.KeywordRule{{ID: 1, Keyword: "ping", MatchType: models.MatchContains, Reply: "pong"}}
	f := newManagerFixture(t, cfg)
	conn := f.connect(t, "shop")

	for i := 0; i < 5; i++ {
		conn.handler(Event{Kind: EventMessage, Message: models.InboundMessage{
			ID: fmt.Sprintf("M%d", i), Chat: "c@s.whatsapp.net", Sender: "c@s.whatsapp.net", Body: "ping",
		}})
	}
	conn.handler(Event{Kind: EventMessage, Message: models.InboundMessage{ID: "EMPTY", Body: "  "}})

	eventually(t, func() bool { return len(conn.Calls()) == 5 })
	want := []string{"reply:M0:pong", "reply:M1:pong", "reply:M2:pong", "reply:M3:pong", "reply:M4:pong"}
	if got := conn.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestConfigIsReadPerMessage(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.connect(t, "shop")
	msg := models.InboundMessage{ID: "M1", Chat: "c@s.whatsapp.net", Body: "hours"}

	conn.handler(Event{Kind: EventMessage, Message: msg})
	time.Sleep(20 * time.Millisecond)
	if len(conn.Calls()) != 0 {
		t.Fatalf("unexpected reply before rule exists: %v", conn.Calls())
	}

	cfg := models.DefaultDeviceConfig("shop")
	cfg.Keywords = []models.KeywordRule{{ID: 1, Keyword: "hours", MatchType: models.MatchExact, Reply: "9-5"}}
	f.configs.Set(cfg)

	msg.ID = "M2"
	conn.handler(Event{Kind: EventMessage, Message: msg})
	eventually(t, func() bool { return len(conn.Calls()) == 1 })
}

func TestWorkerSurvivesPanic(t *testing.T) {
	cfg := models.DefaultDeviceConfig("shop")
	cfg.Settings.AutoRead = true
	cfg.Keywords = []models.KeywordRule{{ID: 1, Keyword: "boom", MatchType: models.MatchExact, Reply: "x"}}
	f := newManagerFixture(t, cfg)
	f.dialer.panicSend = true
	conn := f.connect(t, "shop")

	conn.handler(Event{Kind: EventMessage, Message: models.InboundMessage{ID: "M1", Body: "boom"}})
	conn.handler(Event{Kind: EventMessage, Message: models.InboundMessage{ID: "M2", Body: "quiet"}})

	eventually(t, func() bool {
		calls := conn.Calls()
		return len(calls) == 2 && calls[1] == "seen:M2"
	})
	if st, _ := f.m.Device("shop"); st.State != models.StateConnected {
		t.Fatalf("state = %s after panic", st.State)
	}
}

func TestDevicesAreIsolated(t *testing.T) {
	f := newManagerFixture(t)
	a := f.connect(t, "a")
	f.connect(t, "b")

	a.handler(Event{Kind: EventFailed, Reason: "boom"})
	f.waitState(t, "a", models.StateFailed)
	if st, _ := f.m.Device("b"); st.State != models.StateConnected || !st.Active {
		t.Fatalf("device b affected: %+v", st)
	}
}

func TestListDevices(t *testing.T) {
	stored := models.DefaultDeviceConfig("idle")
	stored.Settings.AutoRead = true
	stored.Keywords = []models.KeywordRule{{ID: 1, Keyword: "k", MatchType: models.MatchExact, Reply: "r"}}
	f := newManagerFixture(t, stored)
	f.connect(t, "live")

	list, err := f.m.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}

	idle, live := list[0], list[1]
	if idle.DeviceID != "idle" || idle.State != models.StateDisconnected || idle.Active {
		t.Errorf("idle = %+v", idle)
	}
	if !idle.Settings.AutoRead || idle.KeywordCount != 1 {
		t.Errorf("idle settings = %+v keywords = %d", idle.Settings, idle.KeywordCount)
	}
	if live.DeviceID != "live" || live.State != models.StateConnected || !live.Active {
		t.Errorf("live = %+v", live)
	}
}

func TestSnapshotIncludesPendingChallenge(t *testing.T) {
	f := newManagerFixture(t)
	if _, err := f.m.AddDevice(context.Background(), "shop"); err != nil {
		t.Fatal(err)
	}
	f.dialer.Conn(t, "shop").handler(Event{Kind: EventChallenge, Challenge: "code"})
	f.waitState(t, "shop", models.StateAwaitingChallenge)

	snap := f.m.Snapshot()
	if len(snap) != 1 || snap[0].Challenge != "img:code" || snap[0].State != models.StateAwaitingChallenge {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	f := newManagerFixture(t)
	conn := f.connect(t, "shop")

	f.m.Shutdown()
	if !conn.Closed() {
		t.Fatal("connection left open")
	}
	if conn.logouts != 0 {
		t.Fatal("shutdown must not log out")
	}
	if _, err := f.m.AddDevice(context.Background(), "other"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.ConnectionState
		want     bool
	}{
		{models.StateUninitialized, models.StateInitializing, true},
		{models.StateInitializing, models.StateAwaitingChallenge, true},
		{models.StateInitializing, models.StateConnected, true},
		{models.StateAwaitingChallenge, models.StateConnected, true},
		{models.StateAwaitingChallenge, models.StateFailed, true},
		{models.StateConnected, models.StateDisconnected, true},
		{models.StateConnected, models.StateConnected, false},
		{models.StateConnected, models.StateAwaitingChallenge, false},
		{models.StateDisconnected, models.StateConnected, false},
		{models.StateFailed, models.StateInitializing, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
