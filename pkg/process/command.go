package process

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/core-tools/hsu-provision/pkg/errors"
)

var placeholderPattern = regexp.MustCompile(`\{[a-z_]+\}`)

// Command is a single external command in argv form
type Command struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args,omitempty"`
}

func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// With returns a copy of c with extra arguments appended
func (c Command) With(args ...string) Command {
	out := Command{Name: c.Name, Args: make([]string, 0, len(c.Args)+len(args))}
	out.Args = append(out.Args, c.Args...)
	out.Args = append(out.Args, args...)
	return out
}

// String renders the command line. Arguments with blanks or quotes are quoted.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quoteArg(c.Name))
	for _, arg := range c.Args {
		parts = append(parts, quoteArg(arg))
	}
	return strings.Join(parts, " ")
}

func quoteArg(arg string) string {
	if arg == "" || strings.ContainsAny(arg, " \t\"'") {
		return strconv.Quote(arg)
	}
	return arg
}

// ParseCommand splits a shell-like command line into a Command.
// Backslashes are escapes, so Windows paths must be quoted with single quotes.
func ParseCommand(line string) (Command, error) {
	fields, err := shlex.Split(line)
	if err != nil {
		return Command{}, errors.NewValidationError("failed to parse command line", err).WithContext("line", line)
	}
	if len(fields) == 0 {
		return Command{}, errors.NewValidationError("command line is empty", nil).WithContext("line", line)
	}
	return Command{Name: fields[0], Args: fields[1:]}, nil
}

// ExpandTemplate parses tpl and then substitutes {key} placeholders inside each
// argument, so substituted values are never re-split or unescaped.
func ExpandTemplate(tpl string, vars map[string]string) (Command, error) {
	if strings.TrimSpace(tpl) == "" {
		return Command{}, errors.NewValidationError("command template is required", nil)
	}
	cmd, err := ParseCommand(tpl)
	if err != nil {
		return Command{}, err
	}

	expand := func(field string) (string, error) {
		for key, value := range vars {
			field = strings.ReplaceAll(field, "{"+key+"}", value)
		}
		if placeholder := placeholderPattern.FindString(field); placeholder != "" {
			return "", errors.NewValidationError("unresolved placeholder in command template", nil).
				WithContext("template", tpl).WithContext("placeholder", placeholder)
		}
		return field, nil
	}

	if cmd.Name, err = expand(cmd.Name); err != nil {
		return Command{}, err
	}
	for i, arg := range cmd.Args {
		if cmd.Args[i], err = expand(arg); err != nil {
			return Command{}, err
		}
	}
	return cmd, nil
}
