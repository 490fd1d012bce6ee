package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/autoreply/wa-autoreply/internal/models"
)

// fakeResponder records every call in order
type fakeResponder struct {
	mu        sync.Mutex
	calls     []string
	sendErr   error
	panicSend bool
}

func (f *fakeResponder) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeResponder) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeResponder) MarkSeen(_ context.Context, msg models.InboundMessage) error {
	f.record("seen:" + msg.ID)
	return nil
}

func (f *fakeResponder) SetTyping(_ context.Context, chat string, on bool) error {
	if on {
		f.record("typing:on")
	} else {
		f.record("typing:off")
	}
	return nil
}

func (f *fakeResponder) SendPlain(_ context.Context, chat, text string) error {
	if f.panicSend {
		panic("send exploded")
	}
	f.record("plain:" + text)
	return f.sendErr
}

func (f *fakeResponder) SendReply(_ context.Context, msg models.InboundMessage, text string) error {
	if f.panicSend {
		panic("send exploded")
	}
	f.record(fmt.Sprintf("reply:%s:%s", msg.ID, text))
	return f.sendErr
}

// fakeCompleter counts calls and can fail or hang
type fakeCompleter struct {
	mu     sync.Mutex
	calls  int
	prompt string
	reply  string
	err    error
	hang   bool
}

func (f *fakeCompleter) Complete(ctx context.Context, apiKey, model, prompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.prompt = prompt
	f.mu.Unlock()
	if f.hang {
		<-ctx.Done()
		return "", models.ProviderError("fake", ctx.Err())
	}
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeCompleter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeConn is a Connection driven by the test through its handler
type fakeConn struct {
	fakeResponder
	id         string
	handler    func(Event)
	connectErr error
	logoutErr  error

	mu2     sync.Mutex
	logouts int
	closed  bool
}

func (c *fakeConn) Connect(context.Context) error { return c.connectErr }

func (c *fakeConn) Logout(context.Context) error {
	c.mu2.Lock()
	defer c.mu2.Unlock()
	c.logouts++
	return c.logoutErr
}

func (c *fakeConn) Logouts() int {
	c.mu2.Lock()
	defer c.mu2.Unlock()
	return c.logouts
}

func (c *fakeConn) Close() {
	c.mu2.Lock()
	c.closed = true
	c.mu2.Unlock()
}

func (c *fakeConn) Closed() bool {
	c.mu2.Lock()
	defer c.mu2.Unlock()
	return c.closed
}

// fakeDialer hands out fakeConns and remembers every one it created
type fakeDialer struct {
	mu         sync.Mutex
	conns      map[string][]*fakeConn
	known      []string
	dialErr    error
	connectErr error
	logoutErr  error
	panicSend  bool
	// gate, when set, holds every Dial until it is closed
	gate   chan struct{}
	purged []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(map[string][]*fakeConn)}
}

func (d *fakeDialer) Dial(ctx context.Context, deviceID string, handler func(Event)) (Connection, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := &fakeConn{id: deviceID, handler: handler, connectErr: d.connectErr, logoutErr: d.logoutErr}
	c.panicSend = d.panicSend
	d.conns[deviceID] = append(d.conns[deviceID], c)
	return c, nil
}

func (d *fakeDialer) KnownDevices(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.known...), nil
}

func (d *fakeDialer) Purge(_ context.Context, deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.purged = append(d.purged, deviceID)
	kept := d.known[:0]
	for _, id := range d.known {
		if id != deviceID {
			kept = append(kept, id)
		}
	}
	d.known = kept
	return nil
}

func (d *fakeDialer) Purged() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.purged...)
}

func (d *fakeDialer) Dials(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns[id])
}

// Conn returns the latest connection dialed for id, waiting for it to appear
func (d *fakeDialer) Conn(t *testing.T, id string) *fakeConn {
	t.Helper()
	var c *fakeConn
	eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		if list := d.conns[id]; len(list) > 0 {
			c = list[len(list)-1]
			return true
		}
		return false
	})
	return c
}

// memConfigs is an in-memory ConfigSource
type memConfigs struct {
	mu   sync.Mutex
	cfgs map[string]models.DeviceConfig
	err  error
}

func newMemConfigs(cfgs ...models.DeviceConfig) *memConfigs {
	m := &memConfigs{cfgs: make(map[string]models.DeviceConfig)}
	for _, c := range cfgs {
		m.cfgs[c.DeviceID] = c
	}
	return m
}

func (m *memConfigs) Device(_ context.Context, id string) (models.DeviceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return models.DeviceConfig{}, m.err
	}
	cfg, ok := m.cfgs[id]
	if !ok {
		cfg = models.DefaultDeviceConfig(id)
		m.cfgs[id] = cfg
	}
	return cfg.Clone(), nil
}

func (m *memConfigs) DeviceIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.cfgs))
	for id := range m.cfgs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memConfigs) Set(cfg models.DeviceConfig) {
	m.mu.Lock()
	m.cfgs[cfg.DeviceID] = cfg
	m.mu.Unlock()
}

func (m *memConfigs) Delete(id string) {
	m.mu.Lock()
	delete(m.cfgs, id)
	m.mu.Unlock()
}

type staticAI models.GlobalAISettings

func (s staticAI) ActiveAISettings(context.Context) (models.GlobalAISettings, error) {
	return models.GlobalAISettings(s), nil
}

// recordingObserver keeps every notification as "id:state" or "id:qr:image"
type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) StatusChanged(id string, state models.ConnectionState) {
	o.mu.Lock()
	o.events = append(o.events, id+":"+string(state))
	o.mu.Unlock()
}

func (o *recordingObserver) ChallengeReady(id, image string) {
	o.mu.Lock()
	o.events = append(o.events, id+":qr:"+image)
	o.mu.Unlock()
}

func (o *recordingObserver) Events() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

func (o *recordingObserver) Count(event string) int {
	n := 0
	for _, e := range o.Events() {
		if e == event {
			n++
		}
	}
	return n
}

type prefixQR struct{}

func (prefixQR) Encode(payload string) (string, error) {
	if payload == "" {
		return "", errors.New("empty")
	}
	return "img:" + payload, nil
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
