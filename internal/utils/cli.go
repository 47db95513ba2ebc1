package utils

import (
	"errors"
	"strings"

	"github.com/kballard/go-shellquote"
)

var ErrEmptyLine = errors.New("empty command line")

// SplitCommandLine tokenises an interactive shell line the way a POSIX shell
// would, returning the lower-cased command and its arguments.
func SplitCommandLine(line string) (cmd string, args []string, err error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return "", nil, err
	}
	if len(words) == 0 {
		return "", nil, ErrEmptyLine
	}

	return strings.ToLower(words[0]), words[1:], nil
}
