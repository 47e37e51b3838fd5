// Package prompt provides interactive terminal prompts for CLI commands.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the user aborts a prompt (Ctrl+C).
var ErrAborted = errors.New("aborted")

// ErrMismatch indicates the confirmation entry differed from the first one.
var ErrMismatch = errors.New("entries do not match")

// IsAborted returns true if the error indicates the user aborted (Ctrl+C).
func IsAborted(err error) bool {
	return errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) || errors.Is(err, ErrAborted)
}

func wrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsAborted(err) {
		return ErrAborted
	}
	return err
}

// Input prompts for text. validate may be nil.
func Input(label, defaultValue string, validate func(string) error) (string, error) {
	p := promptui.Prompt{
		Label:    label,
		Default:  defaultValue,
		Validate: validate,
	}

	result, err := p.Run()
	return strings.TrimSpace(result), wrapError(err)
}

// Secret prompts for masked input, then asks for it again. An empty first
// entry is returned without confirmation so callers can treat it as "none".
func Secret(label string, validate func(string) error) (string, error) {
	first, err := masked(label, validate)
	if err != nil || first == "" {
		return first, err
	}

	again, err := masked("Confirm "+strings.ToLower(label), nil)
	if err != nil {
		return "", err
	}
	if first != again {
		return "", ErrMismatch
	}
	return first, nil
}

func masked(label string, validate func(string) error) (string, error) {
	p := promptui.Prompt{
		Label:    label,
		Mask:     '*',
		Validate: validate,
	}

	result, err := p.Run()
	return result, wrapError(err)
}

// Confirm asks a yes/no question. Enter selects defaultYes.
func Confirm(label string, defaultYes bool) (bool, error) {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}

	p := promptui.Prompt{
		Label: fmt.Sprintf("%s [%s]", label, hint),
	}

	result, err := p.Run()
	if err != nil {
		return false, wrapError(err)
	}
	return parseAnswer(result, defaultYes), nil
}

func parseAnswer(answer string, defaultYes bool) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "":
		return defaultYes
	case "y", "yes":
		return true
	default:
		return false
	}
}
