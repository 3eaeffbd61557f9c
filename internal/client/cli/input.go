package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Confirm writes prompt to w and reads one answer line from reader. Only
// "y" or "yes" (any case) confirm. A final answer without a newline still
// counts; an empty stream is reported as io.EOF.
func Confirm(reader *bufio.Reader, prompt string, w io.Writer) (bool, error) {
	if _, err := fmt.Fprintf(w, "%s [y/N]: ", prompt); err != nil {
		return false, err
	}
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}
