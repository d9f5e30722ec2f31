package applet

import (
	"bytes"
	"encoding/binary"
	"log/slog"

	"github.com/barnettlynn/impalacard/pkg/apdu"
	"github.com/barnettlynn/impalacard/pkg/scp03"
	"github.com/barnettlynn/impalacard/pkg/transfer"
)

const lukEntryMinLen = 32 + transfer.PubKeyLen + 8

// processGlobalPlatform handles the handshake and rejects provisioning
// commands sent outside the secure channel.
func (a *Applet) processGlobalPlatform(cmd apdu.Command) ([]byte, error) {
	switch cmd.INS {
	case scp03.INSInitializeUpdate:
		return a.channel.InitializeUpdate(cmd.Data)
	case scp03.INSExternalAuthenticate:
		level := scp03.SecurityLevel(cmd.P1)
		if err := a.channel.ExternalAuthenticate(level, cmd.Data); err != nil {
			slog.Warn("secure channel authentication failed", "error", err)
			return nil, err
		}
		slog.Info("secure channel opened", "level", level.String())
		return nil, nil
	case insProvisionPIN, insAppletUpdate:
		if a.durable.Terminated {
			return nil, apdu.Status(apdu.SWCardTerminated)
		}
		if !a.channel.Authenticated() {
			return nil, apdu.Status(apdu.SWConditionsNotSatisfied)
		}
		return nil, apdu.Status(apdu.SWSecurityNotSatisfied)
	default:
		return nil, apdu.Status(apdu.SWINSNotSupported)
	}
}

// processProvisioning runs an unwrapped provisioning command.
func (a *Applet) processProvisioning(cmd apdu.Command) ([]byte, error) {
	if a.durable.Terminated {
		return nil, apdu.Status(apdu.SWCardTerminated)
	}
	switch cmd.INS {
	case insProvisionPIN:
		return nil, a.provisionPIN(cmd.Data)
	case insAppletUpdate:
		return nil, a.appletUpdate(cmd.Data)
	default:
		return nil, apdu.Status(apdu.SWINSNotSupported)
	}
}

// provisionPIN sets a PIN without knowing the old one: type || len || PIN.
func (a *Applet) provisionPIN(data []byte) error {
	if len(data) < 3 || 2+int(data[1]) > len(data) {
		return apdu.Status(apdu.SWWrongLength)
	}
	ref, pin := data[0], data[2:2+int(data[1])]

	switch ref {
	case PINMaster:
		if len(pin) != MasterPINLength {
			return apdu.Status(apdu.SWWrongLength)
		}
	case PINUser:
		if err := validateUserPIN(pin); err != nil {
			return err
		}
	default:
		return apdu.Status(apdu.SWIncorrectP1P2)
	}

	err := a.update(func(d *Durable) error {
		if ref == PINMaster {
			return d.MasterPIN.update(pin, a.rand)
		}
		return d.UserPIN.update(pin, a.rand)
	})
	if err != nil {
		return err
	}
	slog.Info("PIN provisioned", "pin", pinName(ref))
	return nil
}

// appletUpdate applies one update sequence: seq(2) || len(2) || data.
// Unknown sequences are accepted and ignored.
func (a *Applet) appletUpdate(data []byte) error {
	if len(data) < 4 {
		return apdu.Status(apdu.SWWrongLength)
	}
	seq := binary.BigEndian.Uint16(data[0:])
	n := int(binary.BigEndian.Uint16(data[2:]))
	if 4+n > len(data) {
		return apdu.Status(apdu.SWWrongLength)
	}
	body := data[4 : 4+n]

	switch seq {
	case UpdateRotateKeys:
		return a.rotateKeys(body)
	case UpdateMasterKey:
		return a.setMasterKey(body)
	case UpdateLUKLimit:
		return a.setLUKLimit(body)
	case UpdateLoadLUK:
		return a.loadLUK(body)
	default:
		slog.Debug("ignoring unknown update sequence", "seq", seq)
		return nil
	}
}

func (a *Applet) rotateKeys(body []byte) error {
	keys, err := scp03.ParseStaticKeys(body)
	if err != nil {
		return apdu.Status(apdu.SWWrongLength)
	}
	err = a.update(func(d *Durable) error {
		d.StaticKeys = keys.Bytes()
		return nil
	})
	if err != nil {
		return err
	}
	a.channel.SetStaticKeys(keys)
	slog.Info("static keys rotated")
	return nil
}

func (a *Applet) setMasterKey(body []byte) error {
	if len(body) != transfer.PubKeyLen {
		return apdu.Status(apdu.SWWrongLength)
	}
	if _, err := transfer.ParsePublicKey(body); err != nil {
		return apdu.Status(apdu.SWCryptoException)
	}
	return a.update(func(d *Durable) error {
		d.MasterPublicKey = clone(body)
		return nil
	})
}

func (a *Applet) setLUKLimit(body []byte) error {
	var limit transfer.Amount
	if len(body) != len(limit) {
		return apdu.Status(apdu.SWWrongLength)
	}
	copy(limit[:], body)
	return a.update(func(d *Durable) error {
		d.LUKLimit = limit
		return nil
	})
}

// loadLUK appends a limited-use key: private(32) || public(65) || DER
// master signature over the public key.
func (a *Applet) loadLUK(body []byte) error {
	if len(body) < lukEntryMinLen {
		return apdu.Status(apdu.SWWrongLength)
	}
	if len(a.durable.LUKs) >= MaxLUKs {
		return apdu.Status(apdu.SWNotEnoughMemory)
	}
	priv, pub, sig := body[:32], body[32:32+transfer.PubKeyLen], body[32+transfer.PubKeyLen:]

	k, err := transfer.PrivateKeyFromScalar(priv)
	if err != nil || !bytes.Equal(transfer.MarshalPublicKey(&k.PublicKey), pub) {
		return apdu.Status(apdu.SWCryptoException)
	}
	if !a.verifyMaster(pub, sig) {
		return apdu.Status(apdu.SWSignatureVerificationFailed)
	}
	err = a.update(func(d *Durable) error {
		d.LUKs = append(d.LUKs, LUK{
			Private:   clone(priv),
			PublicKey: clone(pub),
			Sig:       clone(sig),
			Valid:     true,
		})
		return nil
	})
	if err != nil {
		return err
	}
	slog.Debug("LUK loaded", "count", len(a.durable.LUKs))
	return nil
}

// deleteLUKs drops every LUK. The master key signs cardId || "LUK".
func (a *Applet) deleteLUKs(cmd apdu.Command) ([]byte, error) {
	msg := append(clone(a.durable.CardID[:]), "LUK"...)
	if !a.verifyMaster(msg, cmd.Data) {
		return nil, apdu.Status(apdu.SWSignatureVerificationFailed)
	}
	return nil, a.update(func(d *Durable) error {
		d.LUKs = nil
		d.LUKIndex = 0
		return nil
	})
}
