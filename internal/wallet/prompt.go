package wallet

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ReadPassphrase prints prompt to stderr and reads a passphrase from stdin,
// without echo when stdin is a terminal.
func ReadPassphrase(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return pass, err
	}
	line, err := readLine(bufio.NewReader(os.Stdin))
	if err != nil {
		return nil, err
	}
	return []byte(line), nil
}

// ReadNewPassphrase asks twice and fails when the entries differ.
func ReadNewPassphrase() ([]byte, error) {
	first, err := ReadPassphrase("New passphrase: ")
	if err != nil {
		return nil, err
	}
	second, err := ReadPassphrase("Repeat passphrase: ")
	if err != nil {
		return nil, err
	}
	defer clear(second)
	if string(first) != string(second) {
		clear(first)
		return nil, fmt.Errorf("passphrases do not match")
	}
	return first, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
