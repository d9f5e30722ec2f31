package apdu

import (
	"errors"
	"fmt"
)

// Status word constants for ISO 7816 and the Impala card application.
const (
	// ISO 7816 status words
	SWSuccess                = 0x9000 // ISO success
	SWMoreData               = 0x6100 // More data available (mask: 0x61XX, count in SW2)
	SWAuthFailed             = 0x6300 // SCP03 authentication failed
	SWWrongLength            = 0x6700 // Wrong length
	SWSecurityNotSatisfied   = 0x6982 // Security status not satisfied
	SWConditionsNotSatisfied = 0x6985 // Conditions of use not satisfied
	SWPINFailed              = 0x69C0 // PIN failed (mask: 0x69C0, tries remaining in low nibble)
	SWNotEnoughMemory        = 0x6A84 // Not enough memory space (repository or LUK table full)
	SWIncorrectP1P2          = 0x6A86 // Incorrect P1/P2 parameters
	SWDataNotFound           = 0x6A88 // Referenced data not found
	SWWrongLe                = 0x6C00 // Wrong Le (mask: 0x6C00, correct Le in SW2)
	SWINSNotSupported        = 0x6D00 // Instruction not supported
	SWUnknown                = 0x6F00 // No precise diagnosis

	// Application status words
	SWSignatureVerificationFailed = 0x0023 // ECDSA signature did not verify
	SWInsufficientFunds           = 0x6224 // Amount exceeds balance
	SWInsufficientLUKLimit        = 0x6225 // Amount exceeds the offline spending limit
	SWWrongSignableLength         = 0x6226 // Signable payload is not 60 bytes
	SWInitSigner                  = 0x6227 // Signer could not be initialized
	SWLUKMissing                  = 0x6228 // No unused limited-use key left
	SWECCardKeyMissing            = 0x6230 // Card EC key not generated yet
	SWWrongSender                 = 0x6231 // Sender account mismatch
	SWWrongRecipient              = 0x6232 // Recipient account mismatch
	SWTransferCounterInvalid      = 0x6233 // Transfer counter out of sequence
	SWBalanceOverflow             = 0x6234 // Credit would overflow the balance
	SWCardDataSignatureInvalid    = 0x6677 // SET_CARD_DATA signature invalid
	SWCardDataNonceInvalid        = 0x6678 // Nonce not issued or already used
	SWWrongCardID                 = 0x6679 // Card ID mismatch
	SWCryptoException             = 0x6683 // Decryption or key operation failed
	SWAlreadyInitialized          = 0x6686 // INITIALIZE already executed
	SWCardTerminated              = 0x6687 // Card permanently terminated
	SWMACVerificationFailed       = 0x6688 // Secure channel C-MAC mismatch
	SWPINRequired                 = 0x6690 // PIN-less transfer not allowed
	SWPINRejected                 = 0x6691 // PIN value reserved
	SWWrongTailLength             = 0x6C02 // VERIFY_TRANSFER tail is not 72+65+72 bytes
	SWSetFullNameFailed           = 0x6C03 // Full name too long
	SWSetGenderFailed             = 0x6C04 // Gender too long
)

// Kind classifies a failure into the error taxonomy shared by card and host.
type Kind int

const (
	KindFormat    Kind = iota // malformed APDU, wrong length, bad padding; state unchanged
	KindTransport             // byte channel failure; never retried by the core
	KindAuth                  // cryptogram, MAC or signature mismatch; secure channel reset
	KindLedger                // funds, sender/recipient, counter, LUK, capacity; caller may retry
	KindPIN                   // PIN failure or lockout
	KindLifecycle             // already initialized, terminated
	KindInternal              // card-side crypto or key failure
)

func (k Kind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindLedger:
		return "ledger"
	case KindPIN:
		return "pin"
	case KindLifecycle:
		return "lifecycle"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// SWError represents a status word error from the card.
type SWError struct {
	Ins byte   // Command INS byte
	SW  uint16 // Status word
}

// Status returns an SWError for sw without an instruction context.
func Status(sw uint16) *SWError {
	return &SWError{SW: sw}
}

func (e *SWError) Error() string {
	return fmt.Sprintf("card command 0x%02X failed with SW=0x%04X (%s)", e.Ins, e.SW, Describe(e.SW))
}

// Kind maps the status word to its error category.
func (e *SWError) Kind() Kind {
	return KindOf(e.SW)
}

// KindOf maps a status word to its error category.
func KindOf(sw uint16) Kind {
	switch {
	case sw&0xFFF0 == SWPINFailed, sw == SWPINRequired, sw == SWPINRejected:
		return KindPIN
	}
	switch sw {
	case SWAuthFailed, SWMACVerificationFailed, SWSignatureVerificationFailed,
		SWCardDataSignatureInvalid, SWCardDataNonceInvalid, SWWrongCardID, SWSecurityNotSatisfied:
		return KindAuth
	case SWInsufficientFunds, SWInsufficientLUKLimit, SWLUKMissing, SWWrongSender,
		SWWrongRecipient, SWTransferCounterInvalid, SWBalanceOverflow, SWNotEnoughMemory, SWDataNotFound:
		return KindLedger
	case SWAlreadyInitialized, SWCardTerminated:
		return KindLifecycle
	case SWInitSigner, SWECCardKeyMissing, SWCryptoException, SWUnknown:
		return KindInternal
	default:
		return KindFormat
	}
}

// Describe returns a human-readable description of a status word.
func Describe(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWAuthFailed:
		return "secure channel authentication failed"
	case SWWrongLength:
		return "wrong length"
	case SWSecurityNotSatisfied:
		return "security status not satisfied"
	case SWConditionsNotSatisfied:
		return "conditions not satisfied"
	case SWNotEnoughMemory:
		return "storage out of capacity"
	case SWIncorrectP1P2:
		return "incorrect P1/P2"
	case SWDataNotFound:
		return "referenced data not found"
	case SWINSNotSupported:
		return "instruction not supported"
	case SWUnknown:
		return "unknown card error"
	case SWSignatureVerificationFailed:
		return "signature verification failed"
	case SWInsufficientFunds:
		return "insufficient funds"
	case SWInsufficientLUKLimit:
		return "insufficient LUK limit"
	case SWWrongSignableLength:
		return "wrong signable length"
	case SWInitSigner:
		return "signer init failed"
	case SWLUKMissing:
		return "no limited-use key available"
	case SWECCardKeyMissing:
		return "card EC key missing"
	case SWWrongSender:
		return "wrong sender"
	case SWWrongRecipient:
		return "wrong recipient"
	case SWTransferCounterInvalid:
		return "transfer counter invalid"
	case SWBalanceOverflow:
		return "balance overflow"
	case SWCardDataSignatureInvalid:
		return "card data signature invalid"
	case SWCardDataNonceInvalid:
		return "card nonce invalid"
	case SWWrongCardID:
		return "wrong card ID"
	case SWCryptoException:
		return "crypto exception"
	case SWAlreadyInitialized:
		return "already initialized"
	case SWCardTerminated:
		return "card terminated"
	case SWMACVerificationFailed:
		return "C-MAC verification failed"
	case SWPINRequired:
		return "PIN required"
	case SWPINRejected:
		return "PIN rejected"
	case SWWrongTailLength:
		return "wrong tail length"
	case SWSetFullNameFailed:
		return "full name too long"
	case SWSetGenderFailed:
		return "gender too long"
	}
	switch sw & 0xFF00 {
	case SWMoreData:
		return fmt.Sprintf("%d more bytes available", sw&0xFF)
	case SWWrongLe:
		return fmt.Sprintf("wrong Le (correct Le=%d)", sw&0xFF)
	}
	if sw&0xFFF0 == SWPINFailed {
		return fmt.Sprintf("PIN failed, %d tries remaining", sw&0x0F)
	}
	return "unknown error"
}

// TransportError wraps a failure of the byte channel. The secure channel
// state is indeterminate after a transport error.
type TransportError struct {
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// KindOfError classifies any error returned by this module.
func KindOfError(err error) (Kind, bool) {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.Kind(), true
	}
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return KindTransport, true
	}
	var lErr *LengthError
	if errors.As(err, &lErr) {
		return KindFormat, true
	}
	return 0, false
}

// IsAuthError checks if an error is an authentication-related status word error.
func IsAuthError(err error) bool {
	k, ok := KindOfError(err)
	return ok && k == KindAuth
}

// IsPINError checks if an error reports a PIN failure.
func IsPINError(err error) bool {
	k, ok := KindOfError(err)
	return ok && k == KindPIN
}

// IsLedgerError checks if an error reports a ledger invariant violation.
func IsLedgerError(err error) bool {
	k, ok := KindOfError(err)
	return ok && k == KindLedger
}

// IsLifecycleError checks if an error reports a card lifecycle violation.
func IsLifecycleError(err error) bool {
	k, ok := KindOfError(err)
	return ok && k == KindLifecycle
}

// IsTransportError checks if an error came from the byte channel.
func IsTransportError(err error) bool {
	var tErr *TransportError
	return errors.As(err, &tErr)
}

// PINTriesRemaining extracts the remaining tries from a 0x69Cn PIN failure.
func PINTriesRemaining(err error) (int, bool) {
	var swErr *SWError
	if errors.As(err, &swErr) && swErr.SW&0xFFF0 == SWPINFailed {
		return int(swErr.SW & 0x0F), true
	}
	return 0, false
}

// SwOK checks if a status word indicates success.
func SwOK(sw uint16) bool {
	return sw == SWSuccess
}
