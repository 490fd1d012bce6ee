package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autoreply/wa-autoreply/internal/logging"
	"github.com/autoreply/wa-autoreply/internal/models"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
	_ "modernc.org/sqlite"
)

const (
	sessionFileExt   = ".db"
	pgSchemaPrefix   = "wa_"
	pgMaxIdentifier  = 63
	qrPairingTimeout = 2 * time.Minute
)

// WhatsmeowDialer opens whatsmeow clients. Each device keeps its session identity either in
// its own SQLite file under SessionDir or in its own schema of a shared Postgres database.
type WhatsmeowDialer struct {
	driver     string
	dsn        string
	sessionDir string
	osName     string
	log        zerolog.Logger

	pgOnce sync.Once
	pg     *sql.DB
	pgErr  error
}

// NewWhatsmeowDialer creates a dialer. driver is "sqlite" or "postgres".
func NewWhatsmeowDialer(driver, dsn, sessionDir string, log zerolog.Logger) (*WhatsmeowDialer, error) {
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
		if sessionDir == "" {
			sessionDir = "sessions"
		}
		if err := os.MkdirAll(sessionDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create session dir: %w", err)
		}
	case "postgres", "pgx":
		driver = "postgres"
		if dsn == "" {
			return nil, fmt.Errorf("WA_STORE_DSN is required when WA_STORE_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("unsupported WA_STORE_DRIVER %q", driver)
	}

	store.SetOSInfo("WA AutoReply", [3]uint32{1, 0, 0})

	return &WhatsmeowDialer{
		driver:     driver,
		dsn:        dsn,
		sessionDir: sessionDir,
		log:        logging.Component(log, "whatsmeow"),
	}, nil
}

// Dial opens the device's session store and prepares a client; Connect starts it
func (d *WhatsmeowDialer) Dial(ctx context.Context, deviceID string, handler func(Event)) (Connection, error) {
	log := logging.Device(d.log, deviceID)

	container, cleanup, err := d.openContainer(ctx, deviceID, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(device, logging.WhatsApp(log, "client"))
	client.EnableAutoReconnect = true

	c := &whatsmeowConn{
		deviceID:  deviceID,
		client:    client,
		container: container,
		cleanup:   cleanup,
		emit:      handler,
		log:       log,
	}
	c.handlerID = client.AddEventHandler(c.handleEvent)
	return c, nil
}

// KnownDevices lists the devices that have a stored session identity
func (d *WhatsmeowDialer) KnownDevices(ctx context.Context) ([]string, error) {
	if d.driver == "postgres" {
		return d.knownSchemas(ctx)
	}

	entries, err := os.ReadDir(d.sessionDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, sessionFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, sessionFileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases the shared Postgres handle, if one was opened
func (d *WhatsmeowDialer) Close() error {
	if d.pg != nil {
		return d.pg.Close()
	}
	return nil
}

// SessionPath returns the SQLite file holding a device's session identity
func (d *WhatsmeowDialer) SessionPath(deviceID string) string {
	return filepath.Join(d.sessionDir, deviceID+sessionFileExt)
}

func (d *WhatsmeowDialer) openContainer(ctx context.Context, deviceID string, log zerolog.Logger) (*sqlstore.Container, func() error, error) {
	dbLog := logging.WhatsApp(log, "store")

	if d.driver == "postgres" {
		schema := pgSchemaPrefix + deviceID
		if len(schema) > pgMaxIdentifier {
			// postgres would truncate the name and let two devices share a schema
			return nil, nil, models.InvalidInput("device id %q is too long for a postgres schema name", deviceID)
		}
		admin, err := d.adminDB()
		if err != nil {
			return nil, nil, err
		}
		quoted := pgx.Identifier{schema}.Sanitize()
		if _, err := admin.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoted); err != nil {
			return nil, nil, fmt.Errorf("failed to create schema %s: %w", schema, err)
		}
		dsn, err := withSearchPath(d.dsn, schema)
		if err != nil {
			return nil, nil, err
		}
		container, err := sqlstore.New(ctx, "pgx", dsn, dbLog)
		if err != nil {
			return nil, nil, err
		}
		return container, d.purgeFunc(deviceID), nil
	}

	path := d.SessionPath(deviceID)
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	container, err := sqlstore.New(ctx, "sqlite", dsn, dbLog)
	if err != nil {
		return nil, nil, err
	}
	return container, d.purgeFunc(deviceID), nil
}

func (d *WhatsmeowDialer) purgeFunc(deviceID string) func() error {
	return func() error {
		return d.Purge(context.Background(), deviceID)
	}
}

// Purge removes the stored session identity of a device; missing data is not an error
func (d *WhatsmeowDialer) Purge(ctx context.Context, deviceID string) error {
	if d.driver == "postgres" {
		admin, err := d.adminDB()
		if err != nil {
			return err
		}
		quoted := pgx.Identifier{pgSchemaPrefix + deviceID}.Sanitize()
		_, err = admin.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+quoted+" CASCADE")
		return err
	}

	path := d.SessionPath(deviceID)
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *WhatsmeowDialer) adminDB() (*sql.DB, error) {
	d.pgOnce.Do(func() {
		d.pg, d.pgErr = sql.Open("pgx", d.dsn)
	})
	return d.pg, d.pgErr
}

func (d *WhatsmeowDialer) knownSchemas(ctx context.Context) ([]string, error) {
	admin, err := d.adminDB()
	if err != nil {
		return nil, err
	}
	rows, err := admin.QueryContext(ctx,
		`SELECT schema_name FROM information_schema.schemata WHERE starts_with(schema_name, $1) ORDER BY schema_name`,
		pgSchemaPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		ids = append(ids, strings.TrimPrefix(name, pgSchemaPrefix))
	}
	return ids, rows.Err()
}

// withSearchPath pins a Postgres URL DSN to one schema
func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		// key=value form
		return fmt.Sprintf("%s search_path=%s", dsn, schema), nil
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// whatsmeowConn adapts one whatsmeow client to Connection
type whatsmeowConn struct {
	deviceID  string
	client    *whatsmeow.Client
	container *sqlstore.Container
	cleanup   func() error
	emit      func(Event)
	log       zerolog.Logger
	handlerID uint32

	mu        sync.Mutex
	qrCancel  context.CancelFunc
	purge     bool
	closeOnce sync.Once
}

// Connect starts pairing when the device has no identity yet, otherwise reconnects
func (c *whatsmeowConn) Connect(ctx context.Context) error {
	if c.client.Store.ID != nil {
		if err := c.client.Connect(); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		return nil
	}

	qrCtx, cancel := context.WithTimeout(ctx, qrPairingTimeout)
	qrChan, err := c.client.GetQRChannel(qrCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	c.mu.Lock()
	c.qrCancel = cancel
	c.mu.Unlock()

	if err := c.client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("failed to connect: %w", err)
	}

	go c.waitForQR(qrCtx, qrChan)
	return nil
}

// waitForQR forwards pairing codes until the account is linked or pairing gives up
func (c *whatsmeowConn) waitForQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && c.client.Store.ID == nil {
				c.emit(Event{Kind: EventFailed, Reason: "pairing timed out"})
			}
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				c.emit(Event{Kind: EventChallenge, Challenge: evt.Code})
			case "success":
				c.log.Info().Msg("QR pairing successful")
				c.emit(Event{Kind: EventReady})
				return
			case "timeout":
				c.emit(Event{Kind: EventFailed, Reason: "pairing timed out"})
				return
			default:
				err := evt.Error
				if err == nil {
					err = fmt.Errorf("pairing event %s", evt.Event)
				}
				c.emit(Event{Kind: EventFailed, Err: err})
				return
			}
		}
	}
}

// handleEvent translates whatsmeow events for this device
func (c *whatsmeowConn) handleEvent(evt interface{}) {
	switch v := evt.(type) {
	case *events.Message:
		if msg, ok := inboundFromEvent(v); ok {
			c.emit(Event{Kind: EventMessage, Message: msg})
		}
	case *events.Connected:
		c.emit(Event{Kind: EventReady})
	case *events.PairSuccess:
		c.log.Info().Str("jid", v.ID.String()).Str("platform", v.Platform).Msg("Device paired")
	case *events.LoggedOut:
		c.markPurge()
		c.emit(Event{Kind: EventDisconnected, Reason: "logged out: " + v.Reason.String()})
	case *events.StreamReplaced:
		c.emit(Event{Kind: EventDisconnected, Reason: "session opened elsewhere"})
	case *events.TemporaryBan:
		c.emit(Event{Kind: EventDisconnected, Reason: "temporary ban: " + v.String()})
	case *events.ClientOutdated:
		c.emit(Event{Kind: EventFailed, Reason: "client outdated"})
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			c.markPurge()
			c.emit(Event{Kind: EventDisconnected, Reason: "connect failure: " + v.Reason.String()})
			return
		}
		c.log.Warn().Str("reason", v.Reason.String()).Str("message", v.Message).Msg("Connect failure, waiting for auto-reconnect")
	case *events.Disconnected:
		c.log.Warn().Msg("Connection dropped, waiting for auto-reconnect")
	}
}

// inboundFromEvent extracts a text message; own messages, status broadcasts and non-text are skipped
func inboundFromEvent(v *events.Message) (models.InboundMessage, bool) {
	if v.Info.IsFromMe || v.Info.Chat.Server == types.BroadcastServer {
		return models.InboundMessage{}, false
	}

	body := v.Message.GetConversation()
	if body == "" {
		body = v.Message.GetExtendedTextMessage().GetText()
	}
	if strings.TrimSpace(body) == "" {
		return models.InboundMessage{}, false
	}

	return models.InboundMessage{
		ID:        v.Info.ID,
		Chat:      v.Info.Chat.String(),
		Sender:    v.Info.Sender.String(),
		Body:      body,
		Timestamp: v.Info.Timestamp,
	}, true
}

// MarkSeen sends a read receipt for msg
func (c *whatsmeowConn) MarkSeen(ctx context.Context, msg models.InboundMessage) error {
	chat, err := types.ParseJID(msg.Chat)
	if err != nil {
		return fmt.Errorf("invalid chat JID: %w", err)
	}
	sender, err := types.ParseJID(msg.Sender)
	if err != nil {
		return fmt.Errorf("invalid sender JID: %w", err)
	}
	return c.client.MarkRead(ctx, []types.MessageID{msg.ID}, time.Now(), chat, sender)
}

// SetTyping shows or clears the composing indicator in chat
func (c *whatsmeowConn) SetTyping(ctx context.Context, chat string, on bool) error {
	jid, err := types.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("invalid chat JID: %w", err)
	}
	presence := types.ChatPresencePaused
	if on {
		presence = types.ChatPresenceComposing
	}
	return c.client.SendChatPresence(ctx, jid, presence, types.ChatPresenceMediaText)
}

// SendPlain sends text as a standalone message
func (c *whatsmeowConn) SendPlain(ctx context.Context, chat, text string) error {
	jid, err := types.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("invalid chat JID: %w", err)
	}
	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	return err
}

// SendReply sends text quoting msg
func (c *whatsmeowConn) SendReply(ctx context.Context, msg models.InboundMessage, text string) error {
	jid, err := types.ParseJID(msg.Chat)
	if err != nil {
		return fmt.Errorf("invalid chat JID: %w", err)
	}
	_, err = c.client.SendMessage(ctx, jid, quotedReply(msg, text))
	return err
}

func quotedReply(msg models.InboundMessage, text string) *waE2E.Message {
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:      proto.String(msg.ID),
				Participant:   proto.String(msg.Sender),
				QuotedMessage: &waE2E.Message{Conversation: proto.String(msg.Body)},
			},
		},
	}
}

// Logout unlinks the device; its session files are removed when the connection closes
func (c *whatsmeowConn) Logout(ctx context.Context) error {
	if c.client.Store.ID == nil {
		// never paired, nothing to unlink
		c.markPurge()
		return nil
	}
	if err := c.client.Logout(ctx); err != nil {
		return err
	}
	c.markPurge()
	return nil
}

func (c *whatsmeowConn) markPurge() {
	c.mu.Lock()
	c.purge = true
	c.mu.Unlock()
}

// Close detaches the handler, disconnects and releases the store
func (c *whatsmeowConn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel, purge := c.qrCancel, c.purge
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()
		if err := c.container.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Failed to close session store")
		}
		if purge && c.cleanup != nil {
			if err := c.cleanup(); err != nil {
				c.log.Warn().Err(err).Msg("Failed to remove session data")
			} else {
				c.log.Info().Msg("Session data removed")
			}
		}
	})
}
