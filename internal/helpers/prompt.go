// Package helpers holds the terminal prompts used by the agent CLI.
package helpers

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const MinPasswordLen = 8

func PromptLineWithDefault(label, def string) string {
	return promptLine(os.Stdin, os.Stdout, label, def)
}

func promptLine(in io.Reader, out io.Writer, label, def string) string {
	if def != "" {
		_, _ = fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		_, _ = fmt.Fprintf(out, "%s: ", label)
	}

	reader := bufio.NewReader(in)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return def
	}

	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func PromptYesNo(msg string) (bool, error) {
	return promptYesNo(os.Stdin, os.Stdout, msg)
}

func promptYesNo(in io.Reader, out io.Writer, msg string) (bool, error) {
	_, _ = fmt.Fprint(out, msg)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false, err
	}
	s := strings.TrimSpace(strings.ToLower(line))
	return s == "y" || s == "yes", nil
}

// PromptPassword reads a password without echo. The caller wipes the result.
func PromptPassword(prompt string) ([]byte, error) {
	_, _ = fmt.Fprint(os.Stderr, prompt)

	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(os.Stderr)

	if err != nil {
		Wipe(pw)
		return nil, fmt.Errorf("password input failed: %w", err)
	}
	if err := ValidatePassword(pw); err != nil {
		Wipe(pw)
		return nil, err
	}
	return pw, nil
}

// PromptNewPassword asks twice and fails when the entries differ.
func PromptNewPassword() ([]byte, error) {
	pw, err := PromptPassword("New wallet password: ")
	if err != nil {
		return nil, err
	}
	again, err := PromptPassword("Repeat password: ")
	if err != nil {
		Wipe(pw)
		return nil, err
	}
	defer Wipe(again)

	if string(pw) != string(again) {
		Wipe(pw)
		return nil, fmt.Errorf("passwords do not match")
	}
	return pw, nil
}

func ValidatePassword(pw []byte) error {
	if len(pw) < MinPasswordLen {
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLen)
	}
	for _, b := range pw {
		if !IsAllowedPasswordChar(b) {
			return fmt.Errorf(
				"password contains invalid characters (use letters, numbers, and special characters only)",
			)
		}
	}
	return nil
}

// IsAllowedPasswordChar accepts printable ASCII without spaces.
func IsAllowedPasswordChar(b byte) bool {
	return b > 0x20 && b < 0x7f
}

func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
