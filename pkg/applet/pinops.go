package applet

import (
	"bytes"
	"crypto/rsa"
	"log/slog"

	"github.com/barnettlynn/impalacard/pkg/apdu"
)

const (
	maxPINlessTransfers = 4
	pinlessLimit        = 200
)

func pinName(ref byte) string {
	if ref == PINMaster {
		return "master"
	}
	return "user"
}

// checkPIN verifies value against the referenced PIN. The try counter is
// committed before the result is reported.
func (a *Applet) checkPIN(ref byte, value []byte) error {
	var ok bool
	var tries uint8
	err := a.update(func(d *Durable) error {
		p := &d.UserPIN
		if ref == PINMaster {
			p = &d.MasterPIN
		}
		ok = p.check(value)
		tries = p.Tries
		if ok && ref == PINUser {
			d.PINlessCount = 0
		}
		return nil
	})
	if err != nil {
		return err
	}

	validated := &a.scratch.UserValidated
	if ref == PINMaster {
		validated = &a.scratch.MasterValidated
	}
	*validated = ok
	if !ok {
		slog.Warn("PIN verification failed", "pin", pinName(ref), "tries_remaining", tries)
		return apdu.Status(apdu.SWPINFailed + uint16(tries))
	}
	return nil
}

func (a *Applet) verifyPIN(cmd apdu.Command) ([]byte, error) {
	switch cmd.P2 {
	case PINMaster, PINUser:
		return nil, a.checkPIN(cmd.P2, cmd.Data)
	default:
		return nil, apdu.Status(apdu.SWIncorrectP1P2)
	}
}

func (a *Applet) updateUserPIN(cmd apdu.Command) ([]byte, error) {
	if !a.scratch.MasterValidated {
		return nil, apdu.Status(apdu.SWConditionsNotSatisfied)
	}
	if err := validateUserPIN(cmd.Data); err != nil {
		return nil, err
	}
	err := a.update(func(d *Durable) error {
		return d.UserPIN.update(cmd.Data, a.rand)
	})
	if err != nil {
		return nil, err
	}
	a.scratch.UserValidated = false
	return nil, nil
}

func validateUserPIN(pin []byte) error {
	if len(pin) != UserPINLength {
		return apdu.Status(apdu.SWWrongLength)
	}
	if bytes.Equal(pin, pinlessPIN) {
		return apdu.Status(apdu.SWPINRejected)
	}
	return nil
}

// updateMasterPIN handles RSA-PKCS1(nonce(4) || PIN(8)) || DER signature by
// the master key over the ciphertext.
func (a *Applet) updateMasterPIN(cmd apdu.Command) ([]byte, error) {
	if len(cmd.Data) <= rsaModulusLen {
		return nil, apdu.Status(apdu.SWWrongLength)
	}
	k, err := a.rsaKey()
	if err != nil {
		return nil, err
	}
	ciphertext := cmd.Data[:rsaModulusLen]
	plain, err := rsa.DecryptPKCS1v15(a.rand, k, ciphertext)
	if err != nil {
		return nil, apdu.Status(apdu.SWCryptoException)
	}
	if len(plain) != 4+MasterPINLength {
		return nil, apdu.Status(apdu.SWWrongLength)
	}
	nonce, pin := plain[:4], plain[4:]
	if !hasNonce(a.durable, nonce) {
		return nil, apdu.Status(apdu.SWCardDataNonceInvalid)
	}
	sig, ok := derPrefix(cmd.Data[rsaModulusLen:])
	if !ok || !a.verifyMaster(ciphertext, sig) {
		return nil, apdu.Status(apdu.SWSignatureVerificationFailed)
	}

	err = a.update(func(d *Durable) error {
		removeNonce(d, nonce)
		return d.MasterPIN.update(pin, a.rand)
	})
	if err != nil {
		return nil, err
	}
	a.scratch.MasterValidated = false
	slog.Info("master PIN updated")
	return nil, nil
}
