package whatsapp

import (
	"context"

	"github.com/autoreply/wa-autoreply/internal/models"

	"github.com/rs/zerolog"
)

const sessionQueueSize = 64

// session is one connection attempt of a device. A re-added device gets a new session.
// Fields other than events, ctx and cancel are guarded by Manager.mu.
// dialed is closed once conn is set or dialing has given up.
type session struct {
	id  string
	gen uint64
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}
	dialed chan struct{}

	conn      Connection
	state     models.ConnectionState
	challenge string
	evicted   bool
}

func newSession(parent context.Context, id string, gen uint64, log zerolog.Logger) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:     id,
		gen:    gen,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, sessionQueueSize),
		done:   make(chan struct{}),
		dialed: make(chan struct{}),
		state:  models.StateUninitialized,
	}
}

// enqueue is the dial handler of this session. It blocks while the queue is full
// so messages are not dropped, and gives up once the session is over.
func (s *session) enqueue(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
