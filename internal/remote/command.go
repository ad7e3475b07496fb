package remote

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Command is one program invocation on a host.
type Command struct {
	Name  string
	Args  []string
	Env   map[string]string
	Sudo  bool
	Stdin []byte
}

// Cmd builds a Command.
func Cmd(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// Privileged returns a copy run through sudo.
func (c Command) Privileged() Command {
	c.Sudo = true
	return c
}

// WithEnv returns a copy with key=value added to the environment.
func (c Command) WithEnv(key, value string) Command {
	env := make(map[string]string, len(c.Env)+1)
	for k, v := range c.Env {
		env[k] = v
	}
	env[key] = value
	c.Env = env
	return c
}

// WithStdin returns a copy that feeds data on standard input.
func (c Command) WithStdin(data []byte) Command {
	c.Stdin = data
	return c
}

// Shell renders the command as a single quoted shell line.
// Environment is passed through env(1) so it survives sudo.
func (c Command) Shell() string {
	var words []string
	if c.Sudo {
		words = append(words, "sudo")
	}
	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		words = append(words, "env")
		for _, k := range keys {
			words = append(words, k+"="+c.Env[k])
		}
	}
	words = append(words, c.Name)
	words = append(words, c.Args...)
	return shellquote.Join(words...)
}

func (c Command) String() string {
	return c.Shell()
}

// CommandError reports a command that ran and exited non-zero, or could not run at all.
type CommandError struct {
	Host    string
	Command string
	Exit    int // -1 when the command never started
	Stderr  string
	Cause   error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %q exited with %d", e.Host, e.Command, e.Exit)
	if e.Exit < 0 && e.Cause != nil {
		msg = fmt.Sprintf("%s: %q failed: %v", e.Host, e.Command, e.Cause)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Cause
}
