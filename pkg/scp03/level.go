package scp03

import (
	"fmt"
	"strings"
)

// SecurityLevel selects the secure messaging applied after EXTERNAL
// AUTHENTICATE. It travels in P1 of that command.
type SecurityLevel byte

const (
	CMAC SecurityLevel = 0x01 // command MAC
	CDEC SecurityLevel = 0x02 // command data encryption
	RMAC SecurityLevel = 0x10 // response MAC
	RENC SecurityLevel = 0x20 // response data encryption

	// LevelFull is the default policy: every protection enabled.
	LevelFull = CMAC | CDEC | RMAC | RENC
)

// Has reports whether every bit of f is set.
func (l SecurityLevel) Has(f SecurityLevel) bool {
	return l&f == f
}

// Validate rejects unknown bits and combinations where encryption is
// requested without the matching MAC.
func (l SecurityLevel) Validate() error {
	if l&^LevelFull != 0 {
		return fmt.Errorf("security level 0x%02X has unknown bits", byte(l))
	}
	if l.Has(CDEC) && !l.Has(CMAC) {
		return fmt.Errorf("security level 0x%02X: C-DEC requires C-MAC", byte(l))
	}
	if l.Has(RENC) && !l.Has(RMAC) {
		return fmt.Errorf("security level 0x%02X: R-ENC requires R-MAC", byte(l))
	}
	if l.Has(RMAC) && !l.Has(CMAC) {
		return fmt.Errorf("security level 0x%02X: R-MAC requires C-MAC", byte(l))
	}
	return nil
}

func (l SecurityLevel) String() string {
	var parts []string
	for _, f := range []struct {
		bit  SecurityLevel
		name string
	}{{CMAC, "C-MAC"}, {CDEC, "C-DEC"}, {RMAC, "R-MAC"}, {RENC, "R-ENC"}} {
		if l.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// ParseSecurityLevel accepts a '+' or ',' separated list such as
// "C-MAC+C-DEC+R-MAC+R-ENC", the word "full", or a hex byte like "0x33".
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "FULL" || s == "" {
		return LevelFull, nil
	}
	var v byte
	if _, err := fmt.Sscanf(s, "0X%02X", &v); err == nil {
		l := SecurityLevel(v)
		return l, l.Validate()
	}
	var l SecurityLevel
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == '+' || r == ',' }) {
		switch strings.TrimSpace(p) {
		case "C-MAC", "CMAC":
			l |= CMAC
		case "C-DEC", "CDEC":
			l |= CDEC
		case "R-MAC", "RMAC":
			l |= RMAC
		case "R-ENC", "RENC":
			l |= RENC
		default:
			return 0, fmt.Errorf("unknown security level flag %q", p)
		}
	}
	return l, l.Validate()
}
