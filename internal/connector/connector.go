// Package connector implements the single long-lived websocket client
// that registers devices, authenticates sessions, fetches incremental
// changes, uploads transformed records, and reacts to live-push
// notifications from the cloud backend.
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	naclsign "golang.org/x/crypto/nacl/sign"

	"github.com/syncrow/syncrow/internal/model"
	"github.com/syncrow/syncrow/internal/qerrors"
	"github.com/syncrow/syncrow/internal/wire"
)

// State is the connector's position in the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Reconnecting
	Connected
	Registering
	LoggingIn
	Active
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Reconnecting:
		return "Reconnecting"
	case Connected:
		return "Connected"
	case Registering:
		return "Registering"
	case LoggingIn:
		return "LoggingIn"
	case Active:
		return "Active"
	default:
		return "Unknown"
	}
}

// Delegate receives connector events. Methods are called from the
// connector's read-loop goroutine, except that the handshake calls
// OnIdentityAssigned and OnWelcome from the goroutine running Connect and
// the keepalive goroutine calls OnError. No method may block for long.
type Delegate interface {
	OnDownloaded(table string, records []model.CloudData, cursor wire.EventCursor, final bool)
	OnSyncDone(table string)
	OnUploaded(key model.ObjectKey, modified time.Time)
	OnTriggerSync(table string)
	OnIdentityAssigned(id Identity)
	OnWelcome()
	OnAccountDeleted()
	OnError(*qerrors.Error)
}

// Config configures a Connector.
type Config struct {
	URL             string
	AccessKey       string
	DeviceName      string
	RequestTimeout  time.Duration
	KeepaliveEvery  time.Duration
	MissedKeepalive int
}

func (c *Config) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.KeepaliveEvery <= 0 {
		c.KeepaliveEvery = 20 * time.Second
	}
	if c.MissedKeepalive <= 0 {
		c.MissedKeepalive = 2
	}
}

// Connector is a single outbound websocket client. It is not safe for
// concurrent Connect/Close calls, but Upload/GetChanges may be called
// from any goroutine once Connected.
type Connector struct {
	cfg      Config
	delegate Delegate

	mu       sync.Mutex
	state    State
	identity Identity
	conn     *websocket.Conn

	backoff *backoff.ExponentialBackOff

	pendingMu sync.Mutex
	pending   map[model.ObjectKey]time.Time // FIFO-ish bookkeeping of unacknowledged uploads

	keepaliveMu sync.Mutex
	missedPings int

	// stopCh/stopOnce are recreated on every successful Connect, so a
	// connector closed after one connection (e.g. entering Error) can
	// still Connect again later without its next readLoop/keepaliveLoop
	// seeing an already-closed channel from the previous connection.
	stopCh   chan struct{}
	stopOnce *sync.Once
	wg       sync.WaitGroup
}

// New builds a Connector. identity is the device's last-persisted
// registration state, or a zero Identity to register fresh.
func New(cfg Config, identity Identity, delegate Delegate) *Connector {
	cfg.setDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 300 * time.Second
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0

	return &Connector{
		cfg:      cfg,
		delegate: delegate,
		identity: identity,
		backoff:  b,
		pending:  make(map[model.ObjectKey]time.Time),
	}
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Connect dials the websocket, using the access key as the
// Sec-WebSocket-Protocol subprotocol, and runs the handshake to
// Active/Welcome. It blocks until the handshake completes or ctx is
// done; the read loop and keepalive run in background goroutines
// afterward.
func (c *Connector) Connect(ctx context.Context) error {
	c.setState(Reconnecting)

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{c.cfg.AccessKey},
	})
	if err != nil {
		c.setState(Disconnected)
		return qerrors.Wrap(qerrors.Network, "dial", c.cfg.URL, err)
	}
	conn.SetReadLimit(32 << 20)

	stopCh := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.stopCh = stopCh
	c.stopOnce = &sync.Once{}
	c.mu.Unlock()
	c.setState(Connected)

	if err := c.handshake(ctx); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		c.setState(Disconnected)
		return err
	}

	c.backoff.Reset()
	c.wg.Add(2)
	go c.readLoop(stopCh)
	go c.keepaliveLoop(stopCh)
	return nil
}

// handshake waits for the server's Identify and completes Register or
// Login depending on whether c.identity is already assigned.
func (c *Connector) handshake(ctx context.Context) error {
	readCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	msgType, body, err := c.readFrameCtx(readCtx)
	if err != nil {
		return qerrors.Wrap(qerrors.Network, "read Identify", nil, err)
	}
	if msgType != wire.TypeIdentify {
		return qerrors.New(qerrors.Network, fmt.Sprintf("expected Identify, got %s", msgType), nil)
	}
	var identify wire.Identify
	if err := wire.DecodeInto(body, &identify); err != nil {
		return qerrors.Wrap(qerrors.Network, "decode Identify", nil, err)
	}

	if c.identity.IsZero() {
		return c.register(ctx, identify.Nonce)
	}
	return c.login(ctx, identify.Nonce)
}

func (c *Connector) register(ctx context.Context, nonce []byte) error {
	c.setState(Registering)

	signPub, signPriv, cryptPub, cryptPriv, err := newIdentityKeys()
	if err != nil {
		return qerrors.Wrap(qerrors.System, "generate device keys", nil, err)
	}

	proofInput := append(append(append([]byte(nil), nonce...), signPub...), cryptPub...)
	var privArr [64]byte
	copy(privArr[:], signPriv)
	proof := naclsign.Sign(nil, proofInput, &privArr)

	if err := c.writeFrameCtx(ctx, wire.TypeRegister, wire.Register{
		Name:       c.cfg.DeviceName,
		Nonce:      nonce,
		SigningKey: signPub,
		CryptKey:   cryptPub,
		Proof:      proof,
	}); err != nil {
		return qerrors.Wrap(qerrors.Network, "send Register", nil, err)
	}

	readCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	msgType, body, err := c.readFrameCtx(readCtx)
	if err != nil {
		return qerrors.Wrap(qerrors.Network, "read Account", nil, err)
	}
	if msgType != wire.TypeAccount {
		return qerrors.New(qerrors.Network, fmt.Sprintf("expected Account, got %s", msgType), nil)
	}
	var account wire.Account
	if err := wire.DecodeInto(body, &account); err != nil {
		return qerrors.Wrap(qerrors.Network, "decode Account", nil, err)
	}

	c.identity = Identity{
		DeviceID:    account.DeviceID,
		SigningPub:  signPub,
		SigningPriv: signPriv,
		CryptPub:    cryptPub,
		CryptPriv:   cryptPriv,
	}
	c.setState(Active)
	c.delegate.OnIdentityAssigned(c.identity)
	c.delegate.OnWelcome()
	return nil
}

func (c *Connector) login(ctx context.Context, nonce []byte) error {
	c.setState(LoggingIn)

	var privArr [64]byte
	copy(privArr[:], c.identity.SigningPriv)
	nonceSig := naclsign.Sign(nil, nonce, &privArr)

	if err := c.writeFrameCtx(ctx, wire.TypeLogin, wire.Login{
		DeviceID: c.identity.DeviceID,
		Name:     c.cfg.DeviceName,
		NonceSig: nonceSig,
	}); err != nil {
		return qerrors.Wrap(qerrors.Network, "send Login", nil, err)
	}

	readCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	msgType, _, err := c.readFrameCtx(readCtx)
	if err != nil {
		return qerrors.Wrap(qerrors.Network, "read Welcome", nil, err)
	}
	if msgType != wire.TypeWelcome {
		return qerrors.New(qerrors.Network, fmt.Sprintf("expected Welcome, got %s", msgType), nil)
	}

	c.setState(Active)
	c.delegate.OnWelcome()
	return nil
}

// GetChanges asks for every record in table modified after since, in
// ascending order, resuming from cursor if non-zero. Batches are
// delivered asynchronously via Delegate.OnDownloaded / OnSyncDone.
func (c *Connector) GetChanges(ctx context.Context, table string, since time.Time, cursor wire.EventCursor) error {
	return c.writeFrameCtx(ctx, wire.TypeGetChanges, wire.GetChanges{Table: table, Since: since, Cursor: cursor})
}

// DeleteAccount requests deletion of the account owning this device.
// Acknowledgement arrives asynchronously via Delegate.OnAccountDeleted.
func (c *Connector) DeleteAccount(ctx context.Context) error {
	return c.writeFrameCtx(ctx, wire.TypeDeleteAccount, wire.DeleteAccount{})
}

// UploadChange posts one transformed record. Acknowledgement arrives
// asynchronously via Delegate.OnUploaded; UploadChange itself only
// blocks for the write to complete, not for the ack.
func (c *Connector) UploadChange(ctx context.Context, record model.CloudData) error {
	c.pendingMu.Lock()
	c.pending[record.Key] = record.Modified
	c.pendingMu.Unlock()

	if err := c.writeFrameCtx(ctx, wire.TypeUpload, wire.Upload{Record: record}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, record.Key)
		c.pendingMu.Unlock()
		return err
	}
	return nil
}

// PendingUploads returns the number of uploads awaiting acknowledgement.
func (c *Connector) PendingUploads() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Connector) readLoop(stopCh chan struct{}) {
	defer c.wg.Done()
	for {
		msgType, body, err := c.readFrameCtx(context.Background())
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
			}
			c.delegate.OnError(qerrors.Wrap(qerrors.Network, "read frame", nil, err))
			c.setState(Disconnected)
			return
		}
		if msgType == wire.TypePing {
			// readFrameCtx already reset missedPings; echo it straight
			// back, matching the peer's own expectation of a reply.
			c.echoPing()
			continue
		}
		c.dispatch(msgType, body)
	}
}

func (c *Connector) dispatch(msgType wire.MessageType, body []byte) {
	switch msgType {
	case wire.TypeChanges:
		var m wire.Changes
		if err := wire.DecodeInto(body, &m); err != nil {
			c.delegate.OnError(qerrors.Wrap(qerrors.Network, "decode Changes", nil, err))
			return
		}
		c.delegate.OnDownloaded(m.Table, m.Records, m.Cursor, m.Final)
	case wire.TypeChangesDone:
		var m wire.ChangesDone
		if err := wire.DecodeInto(body, &m); err != nil {
			c.delegate.OnError(qerrors.Wrap(qerrors.Network, "decode ChangesDone", nil, err))
			return
		}
		c.delegate.OnSyncDone(m.Table)
	case wire.TypeUploadAck:
		var m wire.UploadAck
		if err := wire.DecodeInto(body, &m); err != nil {
			c.delegate.OnError(qerrors.Wrap(qerrors.Network, "decode UploadAck", nil, err))
			return
		}
		c.pendingMu.Lock()
		_, known := c.pending[m.Key]
		delete(c.pending, m.Key)
		c.pendingMu.Unlock()
		if !known {
			// Duplicate ack: silently dropped per protocol error handling.
			return
		}
		c.delegate.OnUploaded(m.Key, m.Modified)
	case wire.TypeChanged:
		var m wire.Changed
		if err := wire.DecodeInto(body, &m); err != nil {
			c.delegate.OnError(qerrors.Wrap(qerrors.Network, "decode Changed", nil, err))
			return
		}
		c.delegate.OnTriggerSync(m.Table)
	case wire.TypeAccountDeleted:
		c.delegate.OnAccountDeleted()
	default:
		// Unexpected message for state: log at warning, do not disconnect.
		c.delegate.OnError(qerrors.New(qerrors.Network, fmt.Sprintf("unexpected message %s in state %s", msgType, c.State()), nil))
	}
}

// Close closes the connection and stops background goroutines. Safe to
// call more than once.
func (c *Connector) Close() error {
	c.mu.Lock()
	stopCh, stopOnce, conn := c.stopCh, c.stopOnce, c.conn
	c.mu.Unlock()
	if stopOnce != nil {
		stopOnce.Do(func() { close(stopCh) })
	}
	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
	c.setState(Disconnected)
	return err
}

// ReconnectBackoff returns the next backoff interval per the connector's
// exponential policy (initial 1s, cap 300s, ±20% jitter, unbounded
// retries).
func (c *Connector) ReconnectBackoff() time.Duration {
	return c.backoff.NextBackOff()
}

func (c *Connector) writeFrameCtx(ctx context.Context, msgType wire.MessageType, body any) error {
	framed, err := wire.EncodeFrame(msgType, body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("connector: not connected")
	}
	return conn.Write(ctx, websocket.MessageBinary, framed)
}

func (c *Connector) readFrameCtx(ctx context.Context) (wire.MessageType, []byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, nil, fmt.Errorf("connector: not connected")
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if len(data) == 1 && data[0] == byte(wire.TypePing) {
		c.keepaliveMu.Lock()
		c.missedPings = 0
		c.keepaliveMu.Unlock()
		return wire.TypePing, nil, nil
	}
	return wire.DecodeFrame(data)
}
