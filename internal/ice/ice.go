// Package ice parses messages emitted by Internal Consistency Evaluator
// custom actions. Each message is one tab-delimited line:
//
//	name \t type \t description [\t url [\t table [\t column [\t key...]]]]
package ice

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrInvalidFormat is returned for lines that are not ICE messages.
var ErrInvalidFormat = errors.New("invalid ICE message format")

// MessageType is the severity of a Message.
type MessageType int

const (
	// Failure reports that the ICE custom action itself failed.
	Failure MessageType = iota
	// Error reports authoring that causes incorrect behavior.
	Error
	// Warning reports authoring that causes incorrect behavior in some cases.
	Warning
	// Information is informational only.
	Information
)

func (t MessageType) String() string {
	switch t {
	case Failure:
		return "Failure"
	case Error:
		return "Error"
	case Warning:
		return "Warning"
	case Information:
		return "Information"
	default:
		return "MessageType(" + strconv.Itoa(int(t)) + ")"
	}
}

// Message is one parsed ICE line.
type Message struct {
	// Path is the database the message was reported for, when known.
	Path        string
	Name        string
	Type        MessageType
	Description string
	URL         string
	Table       string
	Column      string
	PrimaryKeys []string
}

// Parse parses a single tab-delimited ICE line.
func Parse(line string) (Message, error) {
	parts := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
	if len(parts) < 3 {
		return Message{}, fmt.Errorf("%w: %d fields, need at least 3", ErrInvalidFormat, len(parts))
	}

	code, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return Message{}, fmt.Errorf("%w: type %q is not an integer", ErrInvalidFormat, parts[1])
	}
	if code < int(Failure) || code > int(Information) {
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrInvalidFormat, code)
	}

	m := Message{
		Name:        parts[0],
		Type:        MessageType(code),
		Description: parts[2],
	}
	if len(parts) > 3 {
		m.URL = parts[3]
	}
	if len(parts) > 4 {
		m.Table = parts[4]
	}
	if len(parts) > 5 {
		m.Column = parts[5]
	}
	if len(parts) > 6 {
		m.PrimaryKeys = append([]string(nil), parts[6:]...)
	}
	return m, nil
}

// ParseAll reads one message per non-blank line of r and stamps each with
// path. Lines that fail to parse are reported with their line number and do
// not stop the scan.
func ParseAll(r io.Reader, path string) ([]Message, []error) {
	var (
		messages []Message
		errs     []error
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, err := Parse(line)
		if err != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", n, err))
			continue
		}
		m.Path = path
		messages = append(messages, m)
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, err)
	}
	return messages, errs
}
