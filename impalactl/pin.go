package main

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// parsePIN turns a string of decimal digits into the digit values the card
// stores, so "1411" becomes 01 04 01 01.
func parsePIN(s string, length int) ([]byte, error) {
	if len(s) != length {
		return nil, fmt.Errorf("PIN must be %d digits, got %d", length, len(s))
	}
	out := make([]byte, len(s))
	for i, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("PIN must contain only digits")
		}
		out[i] = byte(r - '0')
	}
	return out, nil
}

// pinValue returns flagValue when set, otherwise prompts on the terminal
// without echo.
func pinValue(flagValue, prompt string, length int) ([]byte, error) {
	if flagValue != "" {
		return parsePIN(flagValue, length)
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("%s: no terminal, pass the PIN as a flag", prompt)
	}
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read PIN: %w", err)
	}
	return parsePIN(string(b), length)
}
