package applet

import (
	"bytes"
	"io"
	"log/slog"

	"github.com/barnettlynn/impalacard/pkg/apdu"
)

// SET_CARD_DATA body layout.
const (
	cardDataLen = 56

	offCardAccountID = 0
	offCardCardID    = 16
	offCardNonce     = 32
	offCardCurrency  = 36
	offCardBalance   = 40
	offCardSent      = 48
	offCardRemote    = 52
)

// getCardNonce issues a fresh 4-byte nonce. The pool keeps the newest
// NoncePoolSize nonces.
func (a *Applet) getCardNonce(apdu.Command) ([]byte, error) {
	var n [4]byte
	if _, err := io.ReadFull(a.rand, n[:]); err != nil {
		return nil, err
	}
	err := a.update(func(d *Durable) error {
		d.Nonces = append(d.Nonces, n)
		if extra := len(d.Nonces) - NoncePoolSize; extra > 0 {
			d.Nonces = d.Nonces[extra:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return n[:], nil
}

func hasNonce(d *Durable, n []byte) bool {
	for _, have := range d.Nonces {
		if bytes.Equal(have[:], n) {
			return true
		}
	}
	return false
}

func removeNonce(d *Durable, n []byte) {
	out := d.Nonces[:0]
	for _, have := range d.Nonces {
		if !bytes.Equal(have[:], n) {
			out = append(out, have)
		}
	}
	d.Nonces = out
}

// setCardData installs account, currency, balance and counters from a body
// signed by the master key and bound to this card and a fresh nonce.
func (a *Applet) setCardData(cmd apdu.Command) ([]byte, error) {
	if len(cmd.Data) <= cardDataLen {
		return nil, apdu.Status(apdu.SWWrongLength)
	}
	body, sig := cmd.Data[:cardDataLen], cmd.Data[cardDataLen:]

	if !a.verifyMaster(body, sig) {
		slog.Warn("card data signature rejected")
		return nil, apdu.Status(apdu.SWCardDataSignatureInvalid)
	}
	if !bytes.Equal(body[offCardCardID:offCardNonce], a.durable.CardID[:]) {
		return nil, apdu.Status(apdu.SWWrongCardID)
	}
	nonce := body[offCardNonce:offCardCurrency]
	if !hasNonce(a.durable, nonce) {
		return nil, apdu.Status(apdu.SWCardDataNonceInvalid)
	}

	return nil, a.update(func(d *Durable) error {
		copy(d.AccountID[:], body[offCardAccountID:offCardCardID])
		copy(d.Currency[:], body[offCardCurrency:offCardBalance])
		copy(d.Balance[:], body[offCardBalance:offCardSent])
		copy(d.SentOfflineCounter[:], body[offCardSent:offCardRemote])
		copy(d.RemoteCounter[:], body[offCardRemote:cardDataLen])
		removeNonce(d, nonce)
		return nil
	})
}

// suicide terminates the card for good. The master key must sign the card ID.
func (a *Applet) suicide(cmd apdu.Command) ([]byte, error) {
	if !a.verifyMaster(a.durable.CardID[:], cmd.Data) {
		return nil, apdu.Status(apdu.SWSignatureVerificationFailed)
	}
	err := a.update(func(d *Durable) error {
		d.Terminated = true
		d.LUKs = nil
		d.LUKIndex = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Warn("card terminated")
	return nil, nil
}
