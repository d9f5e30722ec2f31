package transfer

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Signable layout:
//
//	dateTime(8) | sender(16) | recipient(16) | currency(4) | amount(4) | phoneId(8) | counter(4)
const (
	SignableLen = 60

	offDateTime  = 0
	offSender    = offDateTime + 8
	offRecipient = offSender + 16
	offCurrency  = offRecipient + 16
	offAmount    = offCurrency + 4
	offPhoneID   = offAmount + 4
	offCounter   = offPhoneID + 8
)

// Signable is the canonical transfer payload that the sender signs.
type Signable [SignableLen]byte

// Fields is the decoded form of a Signable.
type Fields struct {
	DateTime  time.Time
	Sender    uuid.UUID
	Recipient uuid.UUID
	Currency  [4]byte
	Amount    uint32
	PhoneID   [8]byte
	Counter   int32
}

// Encode lays the fields out in wire order. DateTime is stored as Unix
// milliseconds.
func (f Fields) Encode() Signable {
	var s Signable
	binary.BigEndian.PutUint64(s[offDateTime:], uint64(f.DateTime.UnixMilli()))
	copy(s[offSender:], f.Sender[:])
	copy(s[offRecipient:], f.Recipient[:])
	copy(s[offCurrency:], f.Currency[:])
	binary.BigEndian.PutUint32(s[offAmount:], f.Amount)
	copy(s[offPhoneID:], f.PhoneID[:])
	binary.BigEndian.PutUint32(s[offCounter:], uint32(f.Counter))
	return s
}

// ParseSignable copies b into a Signable.
func ParseSignable(b []byte) (Signable, error) {
	var s Signable
	if len(b) != SignableLen {
		return s, fmt.Errorf("signable must be %d bytes, got %d", SignableLen, len(b))
	}
	copy(s[:], b)
	return s, nil
}

func (s Signable) Sender() (id [16]byte) {
	copy(id[:], s[offSender:offRecipient])
	return id
}

func (s Signable) Recipient() (id [16]byte) {
	copy(id[:], s[offRecipient:offCurrency])
	return id
}

func (s Signable) Currency() (c [4]byte) {
	copy(c[:], s[offCurrency:offAmount])
	return c
}

// Amount widens the 4-byte amount into the lower half of an Amount.
func (s Signable) Amount() Amount {
	var a Amount
	copy(a[4:], s[offAmount:offPhoneID])
	return a
}

func (s Signable) Counter() Counter {
	var c Counter
	copy(c[:], s[offCounter:])
	return c
}

// Fields decodes every field.
func (s Signable) Fields() Fields {
	f := Fields{
		DateTime:  time.UnixMilli(int64(binary.BigEndian.Uint64(s[offDateTime:]))).UTC(),
		Sender:    uuid.UUID(s.Sender()),
		Recipient: uuid.UUID(s.Recipient()),
		Currency:  s.Currency(),
		Amount:    binary.BigEndian.Uint32(s[offAmount:]),
		Counter:   s.Counter().Int32(),
	}
	copy(f.PhoneID[:], s[offPhoneID:offCounter])
	return f
}
