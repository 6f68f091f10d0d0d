// Package whatsmeow links WhatsApp accounts through the multi-device protocol.
package whatsmeow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/openclaw/agent-provisioner/internal/model"
	"github.com/openclaw/agent-provisioner/internal/pairing"
)

const deviceFile = "device.db"

// QR channel event names.
const (
	qrEventCode    = "code"
	qrEventSuccess = "success"
	qrEventTimeout = "timeout"
)

type Link struct {
	logger zerolog.Logger
}

var _ pairing.Link = (*Link)(nil)

func New() *Link {
	return &Link{logger: log.With().Str("component", "whatsmeow").Logger()}
}

func (l *Link) Open(ctx context.Context, workDir string, onCode func(string)) (pairing.Conn, error) {
	db, store, err := l.openStore(ctx, workDir)
	if err != nil {
		return nil, err
	}

	device, err := store.GetFirstDevice(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Zerolog(l.logger))
	qrCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		client: client,
		db:     db,
		cancel: cancel,
		opened: make(chan struct{}),
		failed: make(chan struct{}),
		logger: l.logger,
	}
	client.AddEventHandler(c.handle)

	if client.Store.ID == nil {
		qr, err := client.GetQRChannel(qrCtx)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("request pairing codes: %w", err)
		}
		go c.forwardCodes(qr, onCode)
	}

	if err := client.Connect(); err != nil {
		c.Close()
		return nil, &pairing.DisconnectError{Code: pairing.CodeServerError, Reason: err.Error()}
	}
	return c, nil
}

func (l *Link) ReadPersistedIdentity(ctx context.Context, workDir string) (*pairing.Identity, error) {
	if _, err := os.Stat(filepath.Join(workDir, deviceFile)); os.IsNotExist(err) {
		return nil, nil
	}

	db, store, err := l.openStore(ctx, workDir)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	device, err := store.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if device == nil || device.ID == nil {
		return nil, nil
	}
	return &pairing.Identity{
		ID:          device.ID.User,
		Phone:       "+" + device.ID.User,
		DisplayName: device.PushName,
	}, nil
}

func (l *Link) openStore(ctx context.Context, workDir string) (*sql.DB, *sqlstore.Container, error) {
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return nil, nil, fmt.Errorf("create work dir: %w", err)
	}

	dsn := "file:" + filepath.Join(workDir, deviceFile) + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open device store: %w", err)
	}

	store := sqlstore.NewWithDB(db, "sqlite3", waLog.Zerolog(l.logger))
	if err := store.Upgrade(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("upgrade device store: %w", err)
	}
	return db, store, nil
}

type conn struct {
	client *whatsmeow.Client
	db     *sql.DB
	cancel context.CancelFunc
	logger zerolog.Logger

	opened    chan struct{}
	openOnce  sync.Once
	failed    chan struct{}
	failOnce  sync.Once
	failErr   *pairing.DisconnectError
	closeOnce sync.Once

	mu     sync.Mutex
	syncCb func(pairing.SyncData)
}

func (c *conn) WaitForOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.failed:
		return c.failErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) OnSyncData(fn func(pairing.SyncData)) {
	c.mu.Lock()
	c.syncCb = fn
	c.mu.Unlock()
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		c.client.Disconnect()
		c.fail(pairing.CodeConnectionClosed, "closed locally")
		err = c.db.Close()
	})
	return err
}

func (c *conn) forwardCodes(qr <-chan whatsmeow.QRChannelItem, onCode func(string)) {
	for item := range qr {
		switch item.Event {
		case qrEventCode:
			onCode(item.Code)
		case qrEventSuccess:
			c.logger.Info().Msg("Pairing code scanned")
		case qrEventTimeout:
			c.fail(pairing.CodeTimedOut, "pairing codes timed out")
		default:
			reason := item.Event
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.fail(pairing.CodeServerError, reason)
		}
	}
}

func (c *conn) handle(evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.openOnce.Do(func() { close(c.opened) })
	case *events.PairSuccess:
		c.logger.Info().Str("jid", v.ID.String()).Msg("Pair success")
	case *events.HistorySync:
		c.deliver(syncFromHistory(v.Data))
	default:
		if de, ok := disconnectFor(evt); ok {
			c.fail(de.Code, de.Reason)
		}
	}
}

func (c *conn) deliver(batches []pairing.SyncData) {
	c.mu.Lock()
	cb := c.syncCb
	c.mu.Unlock()
	if cb == nil {
		return
	}
	for _, b := range batches {
		cb(b)
	}
}

func (c *conn) fail(code int, reason string) {
	c.failOnce.Do(func() {
		c.failErr = &pairing.DisconnectError{Code: code, Reason: reason}
		close(c.failed)
	})
}

// disconnectFor maps connection-ending events to disconnect codes.
func disconnectFor(evt interface{}) (*pairing.DisconnectError, bool) {
	switch v := evt.(type) {
	case *events.LoggedOut:
		return &pairing.DisconnectError{Code: 401, Reason: fmt.Sprintf("logged out: %v", v.Reason)}, true
	case *events.ConnectFailure:
		return &pairing.DisconnectError{Code: int(v.Reason), Reason: v.Message}, true
	case *events.StreamReplaced:
		return &pairing.DisconnectError{Code: pairing.CodeReplaced, Reason: "stream replaced"}, true
	case *events.StreamError:
		code, err := strconv.Atoi(v.Code)
		if err != nil {
			code = pairing.CodeServerError
		}
		if code == pairing.CodeRestartRequired {
			// The client reconnects on its own after pairing.
			return nil, false
		}
		return &pairing.DisconnectError{Code: code, Reason: "stream error " + v.Code}, true
	case *events.TemporaryBan:
		return &pairing.DisconnectError{Code: 403, Reason: v.String()}, true
	case *events.Disconnected:
		return &pairing.DisconnectError{Code: pairing.CodeConnectionClosed, Reason: "disconnected"}, true
	}
	return nil, false
}

func syncFromHistory(data *waHistorySync.HistorySync) []pairing.SyncData {
	if data == nil {
		return nil
	}

	var out []pairing.SyncData
	conversations := data.GetConversations()
	if len(conversations) > 0 {
		messages := 0
		for _, conv := range conversations {
			messages += len(conv.GetMessages())
		}
		out = append(out, batch(model.SyncKindChats, len(conversations)))
		if messages > 0 {
			out = append(out, batch(model.SyncKindMessages, messages))
		}
	}
	if names := data.GetPushnames(); len(names) > 0 {
		out = append(out, batch(model.SyncKindContacts, len(names)))
	}
	return out
}

func batch(kind model.SyncKind, count int) pairing.SyncData {
	payload, _ := json.Marshal(map[string]int{"count": count})
	return pairing.SyncData{Kind: kind, Count: count, Payload: payload}
}
