/*
Package impala is the host side of the Impala payment card.

A Client wraps any apdu.Card: a PC/SC reader (apdu.Connect), the emulator
socket (apdu.DialTCP) or an in-process applet. Each card instruction has one
method. Status words come back as *apdu.SWError; use apdu.KindOfError and
the Is*Error helpers to tell ledger rejections from PIN or lifecycle
failures.

# Secure channel

OpenSecureChannel runs the SCP03 handshake:

	80 50 kv 00 08 <host challenge> 00
	  -> keyDiv(10) keyInfo(3) cardChallenge(8) cardCryptogram(8) 9000
	84 82 level 00 10 <host cryptogram(8)> <C-MAC(8)>

After that every command is sent with CLA 84, a C-MAC and, depending on the
level, encrypted data; responses carry an R-MAC and may be encrypted. A MAC
failure or transport error closes the session. Provisioning (ProvisionPIN,
RotateKeys, SetMasterPublicKey, SetLUKLimit, LoadLUK) only works inside a
session.

# Transfers

SignTransfer debits the card and returns the tail sig(72) || pubKey(65) ||
pubKeySig(72). Counter 0 means an online transfer signed with the card key;
a positive counter spends the next limited-use key (LUK). VerifyTransfer
credits a receiving card with the sender's signable and tail. Negative
counters are credits relayed by the server and must follow -1, -2, ...
without gaps.

# Issuer

Issuer holds the program master key and signs card data, LUK endorsements,
master PIN updates and remote credits.
*/
package impala
