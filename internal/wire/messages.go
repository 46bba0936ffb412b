// Package wire implements the connector's binary frame codec and the
// protocol message set exchanged with the cloud backend.
package wire

import (
	"time"

	"github.com/google/uuid"

	"github.com/syncrow/syncrow/internal/model"
)

// MessageType tags a frame's body so the receiver knows which struct to
// decode it into without a type registry lookup.
type MessageType byte

const (
	TypeIdentify MessageType = iota + 1
	TypeRegister
	TypeAccount
	TypeLogin
	TypeWelcome
	TypeGetChanges
	TypeChanges
	TypeChangesDone
	TypeUpload
	TypeUploadAck
	TypeChanged
	TypeDeleteAccount
	TypeAccountDeleted
	// TypePing is the single-byte 0xFF keepalive; it carries no CBOR body
	// and is never passed to WriteFrame/ReadFrame — the connector detects
	// it before attempting to decode a frame.
	TypePing MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case TypeIdentify:
		return "Identify"
	case TypeRegister:
		return "Register"
	case TypeAccount:
		return "Account"
	case TypeLogin:
		return "Login"
	case TypeWelcome:
		return "Welcome"
	case TypeGetChanges:
		return "GetChanges"
	case TypeChanges:
		return "Changes"
	case TypeChangesDone:
		return "ChangesDone"
	case TypeUpload:
		return "Upload"
	case TypeUploadAck:
		return "UploadAck"
	case TypeChanged:
		return "Changed"
	case TypeDeleteAccount:
		return "DeleteAccount"
	case TypeAccountDeleted:
		return "AccountDeleted"
	case TypePing:
		return "Ping"
	default:
		return "Unknown"
	}
}

// messageTypeByName maps a frame's wire-format UTF-8 type name back to its
// MessageType, the inverse of String. TypePing is never looked up here
// since it never travels through WriteFrame/ReadFrame.
func messageTypeByName(name string) (MessageType, bool) {
	switch name {
	case "Identify":
		return TypeIdentify, true
	case "Register":
		return TypeRegister, true
	case "Account":
		return TypeAccount, true
	case "Login":
		return TypeLogin, true
	case "Welcome":
		return TypeWelcome, true
	case "GetChanges":
		return TypeGetChanges, true
	case "Changes":
		return TypeChanges, true
	case "ChangesDone":
		return TypeChangesDone, true
	case "Upload":
		return TypeUpload, true
	case "UploadAck":
		return TypeUploadAck, true
	case "Changed":
		return TypeChanged, true
	case "DeleteAccount":
		return TypeDeleteAccount, true
	case "AccountDeleted":
		return TypeAccountDeleted, true
	default:
		return 0, false
	}
}

// Identify is sent by the server to start the handshake: a fresh nonce
// the device must sign or countersign.
type Identify struct {
	Nonce []byte
}

// Register is sent by a device with no persisted device id. Proof is a
// signature over Nonce||SigningKey||CryptKey under the newly generated
// signing key.
type Register struct {
	Name       string
	Nonce      []byte
	SigningKey []byte
	CryptKey   []byte
	Proof      []byte
}

// Account is the server's reply to Register, assigning the device its
// permanent identity.
type Account struct {
	DeviceID uuid.UUID
}

// Login is sent by a device with a persisted device id. NonceSig is the
// device's signing key's signature over the Identify nonce.
type Login struct {
	DeviceID uuid.UUID
	Name     string
	NonceSig []byte
}

// Welcome is the server's reply to a successful Login.
type Welcome struct{}

// GetChanges requests every record in Table modified strictly after
// Since, in ascending Modified order. Cursor resumes a call that was
// paginated into multiple Changes batches across a reconnect.
type GetChanges struct {
	Table  string
	Since  time.Time
	Cursor EventCursor
}

// Changes delivers one batch of downloaded records. Final is passed
// through to Delegate.OnDownloaded unchanged; the end of a GetChanges
// call is signalled by a separate ChangesDone message, not by an empty
// or Final batch.
type Changes struct {
	Table   string
	Records []model.CloudData
	Cursor  EventCursor
	Final   bool
}

// ChangesDone marks Table as fully synchronized as of the most recent
// GetChanges call: the connector has nothing further to deliver for it
// until a new local edit or a server Changed notification.
type ChangesDone struct {
	Table string
}

// Upload posts one transformed record for acknowledgement.
type Upload struct {
	Record model.CloudData
}

// UploadAck acknowledges an Upload. Modified is the server-accepted
// timestamp, which is normally equal to the uploaded record's Modified
// but is authoritative regardless.
type UploadAck struct {
	Key      model.ObjectKey
	Modified time.Time
}

// Changed is a server-initiated, best-effort live-push notification that
// Table has new data available; the connector reacts by triggering a
// download cycle, never by trusting the notification's content.
type Changed struct {
	Table string
}

// DeleteAccount requests deletion of the account that owns the
// connection's device, along with every other device registered to it.
type DeleteAccount struct{}

// AccountDeleted acknowledges DeleteAccount; the server closes the
// connection immediately afterward.
type AccountDeleted struct{}
