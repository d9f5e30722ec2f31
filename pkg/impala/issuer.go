package impala

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/barnettlynn/impalacard/pkg/transfer"
)

// CardData is the SET_CARD_DATA body.
type CardData struct {
	AccountID          uuid.UUID
	CardID             uuid.UUID
	Nonce              [4]byte
	Currency           [4]byte
	Balance            uint64
	SentOfflineCounter int32
	RemoteCounter      int32
}

// CardDataLen is the encoded size of CardData.
const CardDataLen = 56

// Encode lays the body out as accountId || cardId || nonce || currency ||
// balance || sent || remote.
func (d CardData) Encode() []byte {
	out := make([]byte, 0, CardDataLen)
	out = append(out, d.AccountID[:]...)
	out = append(out, d.CardID[:]...)
	out = append(out, d.Nonce[:]...)
	out = append(out, d.Currency[:]...)
	out = binary.BigEndian.AppendUint64(out, d.Balance)
	out = binary.BigEndian.AppendUint32(out, uint32(d.SentOfflineCounter))
	return binary.BigEndian.AppendUint32(out, uint32(d.RemoteCounter))
}

// Issuer holds the program master key and produces the signatures the card
// demands for administrative commands. Production deployments keep this key
// on the bridge; tools use it against emulators and test cards.
type Issuer struct {
	key  *ecdsa.PrivateKey
	rand io.Reader
}

func NewIssuer(key *ecdsa.PrivateKey) *Issuer {
	return &Issuer{key: key, rand: rand.Reader}
}

// PublicKey returns the encoded master public key.
func (i *Issuer) PublicKey() []byte {
	return transfer.MarshalPublicKey(&i.key.PublicKey)
}

// Sign returns a DER ECDSA-SHA256 signature over msg.
func (i *Issuer) Sign(msg []byte) ([]byte, error) {
	return ecdsa.SignASN1(i.rand, i.key, transfer.Digest(msg))
}

// CardData encodes and signs d.
func (i *Issuer) CardData(d CardData) (body, sig []byte, err error) {
	body = d.Encode()
	sig, err = i.Sign(body)
	return body, sig, err
}

// NewLUK generates a limited-use key and its endorsement.
func (i *Issuer) NewLUK() (*ecdsa.PrivateKey, []byte, error) {
	k, err := ecdsa.GenerateKey(transfer.Curve(), i.rand)
	if err != nil {
		return nil, nil, err
	}
	sig, err := i.Sign(transfer.MarshalPublicKey(&k.PublicKey))
	if err != nil {
		return nil, nil, err
	}
	return k, sig, nil
}

// MasterPINUpdate wraps nonce || pin for the card RSA key and signs the
// ciphertext.
func (i *Issuer) MasterPINUpdate(cardKey *rsa.PublicKey, nonce [4]byte, pin []byte) (ciphertext, sig []byte, err error) {
	plain := append(nonce[:], pin...)
	ciphertext, err = rsa.EncryptPKCS1v15(i.rand, cardKey, plain)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt master PIN: %w", err)
	}
	sig, err = i.Sign(ciphertext)
	return ciphertext, sig, err
}

// DeleteLUKs signs cardId || "LUK".
func (i *Issuer) DeleteLUKs(cardID uuid.UUID) ([]byte, error) {
	return i.Sign(append(cardID[:], "LUK"...))
}

// RemoteCredit signs a server-relayed credit. The returned tail carries the
// master public key and a zero key endorsement.
func (i *Issuer) RemoteCredit(s transfer.Signable) (transfer.Tail, error) {
	if !s.Counter().IsNegative() {
		return transfer.Tail{}, fmt.Errorf("remote credit needs a negative counter, got %d", s.Counter().Int32())
	}
	sig, err := i.Sign(s[:])
	if err != nil {
		return transfer.Tail{}, err
	}
	return transfer.Tail{Sig: sig, PubKey: i.PublicKey(), PubKeySig: transfer.DERZeroSignature}, nil
}
