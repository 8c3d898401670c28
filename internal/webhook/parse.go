// Bisectd is a self-hosted git bisect automation service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package webhook

import (
	"errors"
	"strings"
)

const trigger = "/bisect"

// ErrMalformedCommand flags a trigger line that does not carry the three
// required arguments.
var ErrMalformedCommand = errors.New("usage: /bisect <good_sha> <bad_sha> <test_command>")

// Command is a parsed trigger line.
type Command struct {
	GoodSHA     string
	BadSHA      string
	TestCommand string
}

// ParseCommand scans a comment body for the first trigger line. found is
// false when no line invokes the bot at all; a trigger line with missing
// arguments returns found=true with ErrMalformedCommand so the caller
// can reply with usage instead of staying silent.
func ParseCommand(body string) (Command, bool, error) {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != trigger && !strings.HasPrefix(line, trigger+" ") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, trigger))
		good, rest := splitToken(rest)
		bad, command := splitToken(rest)
		if good == "" || bad == "" || command == "" {
			return Command{}, true, ErrMalformedCommand
		}
		return Command{GoodSHA: good, BadSHA: bad, TestCommand: command}, true, nil
	}
	return Command{}, false, nil
}

// splitToken peels the first whitespace-delimited token off s, keeping
// the remainder verbatim so the test command's own spacing survives.
func splitToken(s string) (token, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i:])
	}
	return s, ""
}
