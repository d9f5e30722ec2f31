package applet

import (
	"fmt"

	"github.com/barnettlynn/impalacard/pkg/apdu"
)

// Instruction is an application INS byte.
type Instruction byte

const (
	INSNop                Instruction = 0x02
	INSGetBalance         Instruction = 0x04
	INSSignTransfer       Instruction = 0x06
	INSGetRSAPubKey       Instruction = 0x07
	INSVerifyTransfer     Instruction = 0x14
	INSGetAccountID       Instruction = 0x16
	INSVerifyPIN          Instruction = 0x18
	INSUpdateUserPIN      Instruction = 0x19
	INSGetUserData        Instruction = 0x1E
	INSSetFullName        Instruction = 0x1F
	INSGetFullName        Instruction = 0x20
	INSGetGender          Instruction = 0x21
	INSSetGender          Instruction = 0x22
	INSGetCardNonce       Instruction = 0x23
	INSGetECPubKey        Instruction = 0x24
	INSSignAuth           Instruction = 0x25
	INSSetCardData        Instruction = 0x26
	INSGetOfflineCounters Instruction = 0x28
	INSGetHashBatch       Instruction = 0x29
	INSGetTransfer        Instruction = 0x2A
	INSUpdateMasterPIN    Instruction = 0x2B
	INSInitialize         Instruction = 0x2C
	INSSuicide            Instruction = 0x2D
	INSIsCardAlive        Instruction = 0x2E
	INSDeleteTransfer     Instruction = 0x2F
	INSDeleteLUKs         Instruction = 0x30
	INSGetVersion         Instruction = 0x64

	// Provisioning, only inside an authenticated secure channel.
	INSProvisionPIN Instruction = 0x70
	INSAppletUpdate Instruction = 0x71
)

const insSelect byte = 0xA4

// claSecureMessaging is the class bit announcing a secured command.
const claSecureMessaging byte = 0x04

const (
	insProvisionPIN = byte(INSProvisionPIN)
	insAppletUpdate = byte(INSAppletUpdate)
)

// PIN references in P2 of VERIFY_PIN and in PROVISION_PIN.
const (
	PINMaster byte = 0x81
	PINUser   byte = 0x82
)

// VERIFY_TRANSFER phases in P1.
const (
	VerifyPhaseSignable byte = 0x00
	VerifyPhaseTail     byte = 0x01
)

// APPLET_UPDATE sequences.
const (
	UpdateRotateKeys uint16 = 0x0001
	UpdateMasterKey  uint16 = 0x0002
	UpdateLUKLimit   uint16 = 0x0003
	UpdateLoadLUK    uint16 = 0x0004
)

var insNames = map[Instruction]string{
	INSNop:                "NOP",
	INSGetBalance:         "GET_BALANCE",
	INSSignTransfer:       "SIGN_TRANSFER",
	INSGetRSAPubKey:       "GET_RSA_PUB_KEY",
	INSVerifyTransfer:     "VERIFY_TRANSFER",
	INSGetAccountID:       "GET_ACCOUNT_ID",
	INSVerifyPIN:          "VERIFY_PIN",
	INSUpdateUserPIN:      "UPDATE_USER_PIN",
	INSGetUserData:        "GET_USER_DATA",
	INSSetFullName:        "SET_FULL_NAME",
	INSGetFullName:        "GET_FULL_NAME",
	INSGetGender:          "GET_GENDER",
	INSSetGender:          "SET_GENDER",
	INSGetCardNonce:       "GET_CARD_NONCE",
	INSGetECPubKey:        "GET_EC_PUB_KEY",
	INSSignAuth:           "SIGN_AUTH",
	INSSetCardData:        "SET_CARD_DATA",
	INSGetOfflineCounters: "GET_OFFLINE_COUNTERS",
	INSGetHashBatch:       "GET_HASH_BATCH",
	INSGetTransfer:        "GET_TRANSFER",
	INSUpdateMasterPIN:    "UPDATE_MASTER_PIN",
	INSInitialize:         "INITIALIZE",
	INSSuicide:            "SUICIDE",
	INSIsCardAlive:        "IS_CARD_ALIVE",
	INSDeleteTransfer:     "DELETE_TRANSFER",
	INSDeleteLUKs:         "DELETE_LUKS",
	INSGetVersion:         "GET_VERSION",
	INSProvisionPIN:       "PROVISION_PIN",
	INSAppletUpdate:       "APPLET_UPDATE",
	0x50:                  "INITIALIZE_UPDATE",
	0x82:                  "EXTERNAL_AUTHENTICATE",
	0xA4:                  "SELECT",
}

func (i Instruction) String() string {
	if n, ok := insNames[i]; ok {
		return n
	}
	return fmt.Sprintf("INS_%02X", byte(i))
}

type handler struct {
	fn func(a *Applet, cmd apdu.Command) ([]byte, error)
	// mutating handlers answer 0x6687 once the card is terminated.
	mutating bool
}

var handlers map[Instruction]handler

func init() {
	handlers = map[Instruction]handler{
		INSNop:                {fn: (*Applet).nop},
		INSGetBalance:         {fn: (*Applet).getBalance},
		INSSignTransfer:       {fn: (*Applet).signTransfer, mutating: true},
		INSGetRSAPubKey:       {fn: (*Applet).getRSAPubKey},
		INSVerifyTransfer:     {fn: (*Applet).verifyTransfer, mutating: true},
		INSGetAccountID:       {fn: (*Applet).getAccountID},
		INSVerifyPIN:          {fn: (*Applet).verifyPIN, mutating: true},
		INSUpdateUserPIN:      {fn: (*Applet).updateUserPIN, mutating: true},
		INSGetUserData:        {fn: (*Applet).getUserData},
		INSSetFullName:        {fn: (*Applet).setFullName, mutating: true},
		INSGetFullName:        {fn: (*Applet).getFullName},
		INSGetGender:          {fn: (*Applet).getGender},
		INSSetGender:          {fn: (*Applet).setGender, mutating: true},
		INSGetCardNonce:       {fn: (*Applet).getCardNonce, mutating: true},
		INSGetECPubKey:        {fn: (*Applet).getECPubKey},
		INSSignAuth:           {fn: (*Applet).signAuth, mutating: true},
		INSSetCardData:        {fn: (*Applet).setCardData, mutating: true},
		INSGetOfflineCounters: {fn: (*Applet).getOfflineCounters},
		INSGetHashBatch:       {fn: (*Applet).getHashBatch},
		INSGetTransfer:        {fn: (*Applet).getTransfer},
		INSUpdateMasterPIN:    {fn: (*Applet).updateMasterPIN, mutating: true},
		INSInitialize:         {fn: (*Applet).initialize, mutating: true},
		INSSuicide:            {fn: (*Applet).suicide, mutating: true},
		INSIsCardAlive:        {fn: (*Applet).nop, mutating: true},
		INSDeleteTransfer:     {fn: (*Applet).deleteTransfer, mutating: true},
		INSDeleteLUKs:         {fn: (*Applet).deleteLUKs, mutating: true},
		INSGetVersion:         {fn: (*Applet).getVersion},
	}
}
