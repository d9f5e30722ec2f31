package applet

import (
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/barnettlynn/impalacard/pkg/apdu"
	"github.com/barnettlynn/impalacard/pkg/transfer"
)

// Build information reported by GET_VERSION. Release builds set these with
// -ldflags "-X".
var (
	MajorVersion = "1"
	MinorVersion = "0"
	RevCount     = "0"
	GitHash      = "0000000"
)

func (a *Applet) nop(apdu.Command) ([]byte, error) { return nil, nil }

// initialize generates the card identity. The optional seed is accepted for
// compatibility with cards that mix it into their generator.
func (a *Applet) initialize(cmd apdu.Command) ([]byte, error) {
	if a.durable.Initialized {
		return nil, apdu.Status(apdu.SWAlreadyInitialized)
	}
	err := a.update(func(d *Durable) error {
		if _, err := io.ReadFull(a.rand, d.CardID[:]); err != nil {
			return err
		}
		if err := a.generateKeys(d); err != nil {
			return err
		}
		d.Initialized = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("card initialized", "card_id", fmt.Sprintf("%X", a.durable.CardID), "seed_len", len(cmd.Data))
	return nil, nil
}

func (a *Applet) getBalance(apdu.Command) ([]byte, error) {
	return clone(a.durable.Balance[:]), nil
}

func (a *Applet) getAccountID(apdu.Command) ([]byte, error) {
	return clone(a.durable.AccountID[:]), nil
}

func (a *Applet) getECPubKey(apdu.Command) ([]byte, error) {
	if len(a.durable.ECPrivate) == 0 {
		return make([]byte, transfer.PubKeyLen), nil
	}
	k, err := a.cardKey()
	if err != nil {
		return nil, err
	}
	return transfer.MarshalPublicKey(&k.PublicKey), nil
}

func (a *Applet) getRSAPubKey(apdu.Command) ([]byte, error) {
	out := make([]byte, rsaModulusLen)
	if len(a.durable.RSAPrivate) == 0 {
		return out, nil
	}
	k, err := x509.ParsePKCS1PrivateKey(a.durable.RSAPrivate)
	if err != nil {
		return nil, apdu.Status(apdu.SWCryptoException)
	}
	return k.N.FillBytes(out), nil
}

func (a *Applet) getUserData(apdu.Command) ([]byte, error) {
	out := make([]byte, 0, 32+len(a.durable.FullName))
	out = append(out, a.durable.AccountID[:]...)
	out = append(out, a.durable.CardID[:]...)
	return append(out, a.durable.FullName...), nil
}

func (a *Applet) getFullName(apdu.Command) ([]byte, error) {
	return clone(a.durable.FullName), nil
}

func (a *Applet) setFullName(cmd apdu.Command) ([]byte, error) {
	if len(cmd.Data) > MaxFullNameLen {
		return nil, apdu.Status(apdu.SWSetFullNameFailed)
	}
	return nil, a.update(func(d *Durable) error {
		d.FullName = clone(cmd.Data)
		return nil
	})
}

func (a *Applet) getGender(apdu.Command) ([]byte, error) {
	return clone(a.durable.Gender), nil
}

func (a *Applet) setGender(cmd apdu.Command) ([]byte, error) {
	if len(cmd.Data) > MaxGenderLen {
		return nil, apdu.Status(apdu.SWSetGenderFailed)
	}
	return nil, a.update(func(d *Durable) error {
		d.Gender = clone(cmd.Data)
		return nil
	})
}

// signAuth signs accountId || challenge with the card key.
func (a *Applet) signAuth(cmd apdu.Command) ([]byte, error) {
	k, err := a.cardKey()
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, 16+len(cmd.Data))
	msg = append(msg, a.durable.AccountID[:]...)
	msg = append(msg, cmd.Data...)
	return a.sign(k, msg)
}

func (a *Applet) getOfflineCounters(apdu.Command) ([]byte, error) {
	out := make([]byte, 0, 12)
	out = append(out, a.durable.SentOfflineCounter[:]...)
	out = append(out, a.durable.SeenOfflineCounter[:]...)
	return append(out, a.durable.RemoteCounter[:]...), nil
}

// getVersion answers major(2) || minor(2) || revCount(2) || git hash.
func (a *Applet) getVersion(apdu.Command) ([]byte, error) {
	out := make([]byte, 6, 6+len(GitHash))
	binary.BigEndian.PutUint16(out[0:], parseVersion(MajorVersion))
	binary.BigEndian.PutUint16(out[2:], parseVersion(MinorVersion))
	binary.BigEndian.PutUint16(out[4:], parseVersion(RevCount))
	return append(out, GitHash...), nil
}

func parseVersion(s string) uint16 {
	var v uint16
	_, _ = fmt.Sscanf(s, "%d", &v)
	return v
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}
