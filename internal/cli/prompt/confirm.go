// Package prompt asks the user to confirm destructive rollq commands.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the user interrupts a prompt with Ctrl+C.
var ErrAborted = errors.New("aborted")

// Confirm asks a yes/no question. An empty answer picks the default.
func Confirm(label string, defaultYes bool) (bool, error) {
	p := promptui.Prompt{Label: confirmLabel(label, defaultYes), IsConfirm: true}
	result, err := p.Run()
	return interpret(result, err, defaultYes)
}

// ConfirmWithForce skips the question when force is set.
func ConfirmWithForce(label string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	return Confirm(label, false)
}

func confirmLabel(label string, defaultYes bool) string {
	if defaultYes {
		return fmt.Sprintf("%s [Y/n]", label)
	}
	return fmt.Sprintf("%s [y/N]", label)
}

// interpret maps the outcome of a confirm prompt to an answer. promptui
// reports every answer other than y as ErrAbort.
func interpret(result string, err error, defaultYes bool) (bool, error) {
	answer := strings.ToLower(strings.TrimSpace(result))
	switch {
	case errors.Is(err, promptui.ErrInterrupt), errors.Is(err, promptui.ErrEOF):
		return false, ErrAborted
	case errors.Is(err, promptui.ErrAbort):
		return answer == "" && defaultYes, nil
	case err != nil:
		return false, err
	}
	return answer == "y" || answer == "yes", nil
}
