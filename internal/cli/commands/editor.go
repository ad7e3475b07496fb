package commands

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/kballard/go-shellquote"
	"golang.org/x/term"
)

const editorHeader = "# Do not touch this header! It will be removed automatically\n"

// editorArgs returns the editor command line from $VISUAL, $EDITOR or vi.
func editorArgs(getenv func(string) string) ([]string, error) {
	line := getenv("VISUAL")
	if line == "" {
		line = getenv("EDITOR")
	}
	if line == "" {
		line = "vi"
	}
	args, err := shellquote.Split(line)
	if err != nil {
		return nil, fmt.Errorf("EDITOR env var has wrong syntax: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("EDITOR env var has no command")
	}
	return args, nil
}

// stripHeader removes the header written by editInteractively.
func stripHeader(content []byte, header string) ([]byte, error) {
	if !bytes.HasPrefix(content, []byte(header)) {
		return nil, errors.New("editor header was modified, refusing to guess the secret content")
	}
	return content[len(header):], nil
}

// editInteractively opens current in the user's editor and returns the result.
func editInteractively(current []byte, header string) ([]byte, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("stdin is not a tty, can't open editor")
	}
	args, err := editorArgs(os.Getenv)
	if err != nil {
		return nil, err
	}

	f, err := os.CreateTemp("", "fleet-secret-*")
	if err != nil {
		return nil, err
	}
	path := f.Name()
	defer os.Remove(path)

	full := header + editorHeader
	if _, err := f.Write(append([]byte(full), current...)); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	cmd := exec.Command(args[0], append(args[1:], path)...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("editor exited with status %d", exitErr.ExitCode())
		}
		return nil, fmt.Errorf("editor spawn error: %w", err)
	}

	edited, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read editor output: %w", err)
	}
	return stripHeader(edited, full)
}

// commentHeader prefixes every line of text with "# ".
func commentHeader(lines ...string) string {
	var b bytes.Buffer
	for _, l := range lines {
		b.WriteString("# " + l + "\n")
	}
	if b.Len() > 0 {
		b.WriteString("#\n")
	}
	return b.String()
}
