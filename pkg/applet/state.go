package applet

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/barnettlynn/impalacard/pkg/transfer"
)

const (
	RepositoryCapacity = 64
	MaxLUKs            = 16
	NoncePoolSize      = 8
	HashBatchSize      = 7

	MaxFullNameLen = 128
	MaxGenderLen   = 16
)

// Durable is everything the card keeps across power cycles. It is replaced
// as a whole on every commit.
type Durable struct {
	Initialized bool `cbor:"initialized"`
	Terminated  bool `cbor:"terminated"`

	AccountID [16]byte        `cbor:"account_id"`
	CardID    [16]byte        `cbor:"card_id"`
	Currency  [4]byte         `cbor:"currency"`
	Balance   transfer.Amount `cbor:"balance"`
	FullName  []byte          `cbor:"full_name,omitempty"`
	Gender    []byte          `cbor:"gender,omitempty"`

	SentOfflineCounter transfer.Counter `cbor:"sent_offline_counter"`
	SeenOfflineCounter transfer.Counter `cbor:"seen_offline_counter"`
	RemoteCounter      transfer.Counter `cbor:"remote_counter"`

	ECPrivate  []byte `cbor:"ec_private,omitempty"`  // 32-byte scalar
	RSAPrivate []byte `cbor:"rsa_private,omitempty"` // PKCS #1 DER

	MasterPIN    PIN   `cbor:"master_pin"`
	UserPIN      PIN   `cbor:"user_pin"`
	PINlessCount uint8 `cbor:"pinless_count"`

	StaticKeys      []byte          `cbor:"static_keys"` // ENC || MAC || DEK
	MasterPublicKey []byte          `cbor:"master_public_key,omitempty"`
	LUKLimit        transfer.Amount `cbor:"luk_limit"`
	LUKs            []LUK           `cbor:"luks,omitempty"`
	LUKIndex        int             `cbor:"luk_index"`

	Repository []Record  `cbor:"repository,omitempty"`
	Nonces     [][4]byte `cbor:"nonces,omitempty"`
}

// LUK is a limited-use key: a single-use offline signing key endorsed by
// the master key.
type LUK struct {
	Private   []byte `cbor:"private"`
	PublicKey []byte `cbor:"public_key"`
	Sig       []byte `cbor:"sig"` // DER master signature over PublicKey
	Valid     bool   `cbor:"valid"`
}

// Record is one repository entry.
type Record struct {
	Hash     [transfer.HashLen]byte   `cbor:"hash"`
	Contents [transfer.HashedLen]byte `cbor:"contents"`
}

// Clone returns a deep copy.
func (d *Durable) Clone() (*Durable, error) {
	b, err := d.Marshal()
	if err != nil {
		return nil, err
	}
	return UnmarshalDurable(b)
}

// Marshal encodes the state with the core deterministic CBOR options.
func (d *Durable) Marshal() ([]byte, error) {
	b, err := encMode.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode card state: %w", err)
	}
	return b, nil
}

// UnmarshalDurable decodes a snapshot written by Marshal.
func UnmarshalDurable(b []byte) (*Durable, error) {
	var d Durable
	if err := cbor.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("decode card state: %w", err)
	}
	return &d, nil
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Scratch is transient state cleared on deselect.
type Scratch struct {
	MasterValidated bool
	UserValidated   bool
	Signable        *transfer.Signable
}
