package connector

import (
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/sign"

	"github.com/syncrow/syncrow/internal/model"
	"github.com/syncrow/syncrow/internal/qerrors"
	"github.com/syncrow/syncrow/internal/wire"
)

func fixedUUID(b byte) uuid.UUID {
	var u uuid.UUID
	u[0] = b
	return u
}

// existingIdentity builds a device identity with a real signing key pair
// so login's nacl/sign.Sign call over the server's nonce succeeds.
func existingIdentity(t *testing.T) Identity {
	t.Helper()
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	return Identity{
		DeviceID:    fixedUUID(2),
		SigningPub:  pub[:],
		SigningPriv: priv[:],
	}
}

// fakeDelegate records every Delegate callback for later assertion. All
// fields are guarded by events, a buffered channel of callback names, so
// tests can block on "the Nth thing happened" instead of sleeping.
type fakeDelegate struct {
	events chan string

	downloaded []model.CloudData
	lastCursor wire.EventCursor
	uploadedAt time.Time
	uploadedKy model.ObjectKey
	identity   Identity
	errs       []*qerrors.Error
}

func newFakeDelegate() *fakeDelegate {
	return &fakeDelegate{events: make(chan string, 64)}
}

func (d *fakeDelegate) OnDownloaded(table string, records []model.CloudData, cursor wire.EventCursor, final bool) {
	d.downloaded = append(d.downloaded, records...)
	d.lastCursor = cursor
	d.events <- "downloaded"
}
func (d *fakeDelegate) OnSyncDone(table string) { d.events <- "syncDone" }
func (d *fakeDelegate) OnUploaded(key model.ObjectKey, modified time.Time) {
	d.uploadedKy, d.uploadedAt = key, modified
	d.events <- "uploaded"
}
func (d *fakeDelegate) OnTriggerSync(table string)     { d.events <- "triggerSync" }
func (d *fakeDelegate) OnIdentityAssigned(id Identity) { d.identity = id; d.events <- "identity" }
func (d *fakeDelegate) OnWelcome()                     { d.events <- "welcome" }
func (d *fakeDelegate) OnAccountDeleted()              { d.events <- "accountDeleted" }
func (d *fakeDelegate) OnError(e *qerrors.Error)       { d.errs = append(d.errs, e); d.events <- "error" }

func (d *fakeDelegate) waitFor(t *testing.T, name string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-d.events:
			if got == name {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for delegate event %q", name)
		}
	}
}

// serverConn wraps the accepted websocket connection with the wire
// framing helpers, mirroring how the connector itself reads and writes.
type serverConn struct {
	conn *websocket.Conn
}

func (s serverConn) send(t *testing.T, msgType wire.MessageType, body any) {
	t.Helper()
	data, err := wire.EncodeFrame(msgType, body)
	if err != nil {
		t.Fatalf("server: encode frame: %v", err)
	}
	if err := s.conn.Write(context.Background(), websocket.MessageBinary, data); err != nil {
		t.Fatalf("server: write frame: %v", err)
	}
}

func (s serverConn) recv(t *testing.T) (wire.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		t.Fatalf("server: read frame: %v", err)
	}
	if len(data) == 1 && data[0] == byte(wire.TypePing) {
		return wire.TypePing, nil
	}
	msgType, body, err := wire.DecodeFrame(data)
	if err != nil {
		t.Fatalf("server: decode frame: %v", err)
	}
	return msgType, body
}

// newFakeServer starts an httptest server that accepts exactly one
// websocket connection and hands it to onAccept for the test to drive.
func newFakeServer(t *testing.T, onAccept func(serverConn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(32 << 20)
		onAccept(serverConn{conn: conn})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + srv.URL[len("http"):]
}

func TestConnectRegistersFreshDevice(t *testing.T) {
	delegate := newFakeDelegate()
	srv := newFakeServer(t, func(sc serverConn) {
		sc.send(t, wire.TypeIdentify, wire.Identify{Nonce: []byte("nonce")})
		msgType, body := sc.recv(t)
		if msgType != wire.TypeRegister {
			t.Errorf("server got %s, want Register", msgType)
		}
		var reg wire.Register
		if err := wire.DecodeInto(body, &reg); err != nil {
			t.Fatalf("decode Register: %v", err)
		}
		sc.send(t, wire.TypeAccount, wire.Account{DeviceID: fixedUUID(1)})
	})

	c := New(Config{URL: wsURL(srv), AccessKey: "key", DeviceName: "dev"}, Identity{}, delegate)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	delegate.waitFor(t, "identity")
	delegate.waitFor(t, "welcome")
	if delegate.identity.IsZero() {
		t.Errorf("delegate should have received a non-zero identity")
	}
	if c.State() != Active {
		t.Errorf("State() = %v, want Active", c.State())
	}
}

func TestConnectLogsInExistingDevice(t *testing.T) {
	delegate := newFakeDelegate()
	srv := newFakeServer(t, func(sc serverConn) {
		sc.send(t, wire.TypeIdentify, wire.Identify{Nonce: []byte("nonce")})
		msgType, _ := sc.recv(t)
		if msgType != wire.TypeLogin {
			t.Errorf("server got %s, want Login", msgType)
		}
		sc.send(t, wire.TypeWelcome, wire.Welcome{})
	})

	identity := existingIdentity(t)
	c := New(Config{URL: wsURL(srv), AccessKey: "key", DeviceName: "dev"}, identity, delegate)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	delegate.waitFor(t, "welcome")
	if c.State() != Active {
		t.Errorf("State() = %v, want Active", c.State())
	}
}

func TestGetChangesDeliversDownloadedRecordsAndSyncDone(t *testing.T) {
	delegate := newFakeDelegate()
	record := model.CloudData{Key: model.ObjectKey{Table: "widgets", ID: "1"}, Modified: time.Now().UTC(), Ciphertext: []byte("ct"), Tag: []byte("tag")}

	srv := newFakeServer(t, func(sc serverConn) {
		sc.send(t, wire.TypeIdentify, wire.Identify{Nonce: []byte("nonce")})
		sc.recv(t)
		sc.send(t, wire.TypeWelcome, wire.Welcome{})

		msgType, body := sc.recv(t)
		if msgType != wire.TypeGetChanges {
			t.Errorf("server got %s, want GetChanges", msgType)
		}
		var gc wire.GetChanges
		if err := wire.DecodeInto(body, &gc); err != nil {
			t.Fatalf("decode GetChanges: %v", err)
		}
		sc.send(t, wire.TypeChanges, wire.Changes{Table: gc.Table, Records: []model.CloudData{record}, Cursor: wire.EventCursor{Index: 7}})
		sc.send(t, wire.TypeChangesDone, wire.ChangesDone{Table: gc.Table})
	})

	c := New(Config{URL: wsURL(srv), AccessKey: "key", DeviceName: "dev"}, existingIdentity(t), delegate)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	delegate.waitFor(t, "welcome")

	if err := c.GetChanges(ctx, "widgets", time.Time{}, wire.EventCursor{}); err != nil {
		t.Fatalf("GetChanges: %v", err)
	}
	delegate.waitFor(t, "downloaded")
	delegate.waitFor(t, "syncDone")

	if len(delegate.downloaded) != 1 || delegate.downloaded[0].Key != record.Key {
		t.Errorf("downloaded = %+v, want one record with key %v", delegate.downloaded, record.Key)
	}
	if delegate.lastCursor.Index != 7 {
		t.Errorf("lastCursor.Index = %d, want 7", delegate.lastCursor.Index)
	}
}

func TestUploadChangeDeliversAck(t *testing.T) {
	delegate := newFakeDelegate()
	key := model.ObjectKey{Table: "widgets", ID: "1"}
	ackTime := time.Now().UTC().Truncate(time.Millisecond)

	srv := newFakeServer(t, func(sc serverConn) {
		sc.send(t, wire.TypeIdentify, wire.Identify{Nonce: []byte("nonce")})
		sc.recv(t)
		sc.send(t, wire.TypeWelcome, wire.Welcome{})

		msgType, body := sc.recv(t)
		if msgType != wire.TypeUpload {
			t.Errorf("server got %s, want Upload", msgType)
		}
		var up wire.Upload
		if err := wire.DecodeInto(body, &up); err != nil {
			t.Fatalf("decode Upload: %v", err)
		}
		sc.send(t, wire.TypeUploadAck, wire.UploadAck{Key: up.Record.Key, Modified: ackTime})
	})

	c := New(Config{URL: wsURL(srv), AccessKey: "key", DeviceName: "dev"}, existingIdentity(t), delegate)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	delegate.waitFor(t, "welcome")

	if got := c.PendingUploads(); got != 0 {
		t.Fatalf("PendingUploads before upload = %d, want 0", got)
	}
	if err := c.UploadChange(ctx, model.CloudData{Key: key, Modified: ackTime}); err != nil {
		t.Fatalf("UploadChange: %v", err)
	}
	delegate.waitFor(t, "uploaded")

	if delegate.uploadedKy != key {
		t.Errorf("uploaded key = %v, want %v", delegate.uploadedKy, key)
	}
	if !delegate.uploadedAt.Equal(ackTime) {
		t.Errorf("uploaded modified = %v, want %v", delegate.uploadedAt, ackTime)
	}
	if got := c.PendingUploads(); got != 0 {
		t.Errorf("PendingUploads after ack = %d, want 0", got)
	}
}

func TestKeepalivePingIsEchoed(t *testing.T) {
	delegate := newFakeDelegate()
	echoed := make(chan struct{}, 1)

	srv := newFakeServer(t, func(sc serverConn) {
		sc.send(t, wire.TypeIdentify, wire.Identify{Nonce: []byte("nonce")})
		sc.recv(t)
		sc.send(t, wire.TypeWelcome, wire.Welcome{})

		if err := sc.conn.Write(context.Background(), websocket.MessageBinary, []byte{0xFF}); err != nil {
			t.Errorf("server: send ping: %v", err)
			return
		}
		msgType, _ := sc.recv(t)
		if msgType == wire.TypePing {
			echoed <- struct{}{}
		}
	})

	c := New(Config{URL: wsURL(srv), AccessKey: "key", DeviceName: "dev", KeepaliveEvery: time.Hour}, existingIdentity(t), delegate)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	delegate.waitFor(t, "welcome")

	select {
	case <-echoed:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the connector to echo the keepalive ping")
	}
}

func TestKeepaliveForcesReconnectAfterTwoMissedPings(t *testing.T) {
	delegate := newFakeDelegate()

	srv := newFakeServer(t, func(sc serverConn) {
		sc.send(t, wire.TypeIdentify, wire.Identify{Nonce: []byte("nonce")})
		sc.recv(t)
		sc.send(t, wire.TypeWelcome, wire.Welcome{})
		// Never answers the connector's own pings, so every one of its
		// keepalive ticks counts as missed.
	})

	c := New(Config{
		URL:             wsURL(srv),
		AccessKey:       "key",
		DeviceName:      "dev",
		KeepaliveEvery:  50 * time.Millisecond,
		MissedKeepalive: 2,
	}, existingIdentity(t), delegate)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	delegate.waitFor(t, "welcome")

	// Each keepalive tick sends one ping; the tick after the second
	// unanswered ping must force the reconnect.
	delegate.waitFor(t, "error")

	if len(delegate.errs) != 1 {
		t.Fatalf("errs = %d, want 1", len(delegate.errs))
	}
	if delegate.errs[0].Type != qerrors.Network {
		t.Errorf("error type = %v, want Network", delegate.errs[0].Type)
	}
}

func TestDeleteAccountRequestReachesServerAndAcksDelegate(t *testing.T) {
	delegate := newFakeDelegate()
	srv := newFakeServer(t, func(sc serverConn) {
		sc.send(t, wire.TypeIdentify, wire.Identify{Nonce: []byte("nonce")})
		sc.recv(t)
		sc.send(t, wire.TypeWelcome, wire.Welcome{})

		msgType, _ := sc.recv(t)
		if msgType != wire.TypeDeleteAccount {
			t.Errorf("server got %s, want DeleteAccount", msgType)
		}
		sc.send(t, wire.TypeAccountDeleted, wire.AccountDeleted{})
	})

	c := New(Config{URL: wsURL(srv), AccessKey: "key", DeviceName: "dev"}, existingIdentity(t), delegate)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	delegate.waitFor(t, "welcome")

	if err := c.DeleteAccount(ctx); err != nil {
		t.Fatalf("DeleteAccount: %v", err)
	}
	delegate.waitFor(t, "accountDeleted")
}

func TestTriggerSyncNotificationReachesDelegate(t *testing.T) {
	delegate := newFakeDelegate()
	srv := newFakeServer(t, func(sc serverConn) {
		sc.send(t, wire.TypeIdentify, wire.Identify{Nonce: []byte("nonce")})
		sc.recv(t)
		sc.send(t, wire.TypeWelcome, wire.Welcome{})
		sc.send(t, wire.TypeChanged, wire.Changed{Table: "widgets"})
	})

	c := New(Config{URL: wsURL(srv), AccessKey: "key", DeviceName: "dev"}, existingIdentity(t), delegate)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	delegate.waitFor(t, "welcome")
	delegate.waitFor(t, "triggerSync")
}
