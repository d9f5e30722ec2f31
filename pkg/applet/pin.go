package applet

import (
	"crypto/sha256"
	"crypto/subtle"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pinIterations = 2048
	pinSaltLen    = 16
	pinKeyLen     = 32

	MasterPINLength = 8
	MasterPINTries  = 10
	UserPINLength   = 4
	UserPINTries    = 5
)

var (
	defaultMasterPIN = []byte{1, 4, 1, 1, 7, 2, 9, 8}
	defaultUserPIN   = []byte{1, 1, 1, 1}
	pinlessPIN       = []byte{0, 0, 0, 0}
)

// PIN is a retry-limited secret. Only a salted PBKDF2 verifier is stored.
type PIN struct {
	Salt     []byte `cbor:"salt"`
	Verifier []byte `cbor:"verifier"`
	Tries    uint8  `cbor:"tries"`
	MaxTries uint8  `cbor:"max_tries"`
}

func newPIN(value []byte, maxTries uint8, rnd io.Reader) (PIN, error) {
	p := PIN{MaxTries: maxTries}
	if err := p.update(value, rnd); err != nil {
		return PIN{}, err
	}
	return p, nil
}

// update replaces the secret and restores the try counter.
func (p *PIN) update(value []byte, rnd io.Reader) error {
	salt := make([]byte, pinSaltLen)
	if _, err := io.ReadFull(rnd, salt); err != nil {
		return err
	}
	p.Salt = salt
	p.Verifier = pinVerifier(value, salt)
	p.Tries = p.MaxTries
	return nil
}

// check consumes a try before comparing. A match restores the counter. A
// blocked PIN never matches.
func (p *PIN) check(value []byte) bool {
	if p.Tries == 0 {
		return false
	}
	p.Tries--
	if subtle.ConstantTimeCompare(pinVerifier(value, p.Salt), p.Verifier) != 1 {
		return false
	}
	p.Tries = p.MaxTries
	return true
}

// Blocked reports whether every try was used.
func (p PIN) Blocked() bool { return p.Tries == 0 }

func pinVerifier(value, salt []byte) []byte {
	return pbkdf2.Key(value, salt, pinIterations, pinKeyLen, sha256.New)
}
