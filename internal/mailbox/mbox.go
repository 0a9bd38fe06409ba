package mailbox

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
)

// fromLine matches a classic mbox "From " envelope line, which must
// start at the beginning of a line and be followed by an address and
// a ctime-style date (RFC 4155).
var fromLine = regexp.MustCompile(`^From [^\r\n]*\d{4}\s*$`)

// MboxReader iterates the messages stored in a single mbox file,
// splitting on "From " envelope lines and unescaping the ">From "
// quoting mbox readers apply to embedded lines that would otherwise
// look like envelope separators.
type MboxReader struct {
	path string
}

// OpenMbox opens path for iteration with Messages.
func OpenMbox(path string) (*MboxReader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("mailbox: stat %s: %w", path, err)
	}
	return &MboxReader{path: path}, nil
}

// Messages returns every message in the mbox file, in file order, as
// raw RFC 822 bytes with the envelope line and mbox quoting removed.
func (r *MboxReader) Messages() ([]Message, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("mailbox: opening %s: %w", r.path, err)
	}
	defer f.Close()

	var messages []Message
	var current bytes.Buffer
	haveCurrent := false

	flush := func() {
		if haveCurrent {
			messages = append(messages, Message{Raw: unescapeMboxQuoting(current.Bytes())})
		}
		current.Reset()
		haveCurrent = false
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if fromLine.Match(line) {
			flush()
			haveCurrent = true
			continue
		}
		if haveCurrent {
			current.Write(line)
			current.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mailbox: reading %s: %w", r.path, err)
	}
	flush()
	return messages, nil
}

// unescapeMboxQuoting reverses the ">From " quoting mbox writers apply
// to lines that begin with "From " within a message body.
func unescapeMboxQuoting(raw []byte) []byte {
	lines := bytes.Split(raw, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(line, []byte(">From ")) {
			lines[i] = line[1:]
		}
	}
	return bytes.Join(lines, []byte("\n"))
}

// AppendMbox appends raw (a single RFC 822 message) to the mbox file
// at path, creating it if necessary, quoting any embedded "From " line
// and writing envelopeLine, supplied whole by the caller, as the
// envelope line.
func AppendMbox(path, envelopeLine string, raw []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("mailbox: opening %s for append: %w", path, err)
	}
	defer f.Close()

	escaped := escapeMboxQuoting(raw)
	if _, err := io.WriteString(f, envelopeLine+"\n"); err != nil {
		return err
	}
	if _, err := f.Write(escaped); err != nil {
		return err
	}
	if len(escaped) == 0 || escaped[len(escaped)-1] != '\n' {
		if _, err := f.Write([]byte("\n")); err != nil {
			return err
		}
	}
	_, err = f.Write([]byte("\n"))
	return err
}

func escapeMboxQuoting(raw []byte) []byte {
	lines := bytes.Split(raw, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(line, []byte("From ")) {
			lines[i] = append([]byte(">"), line...)
		}
	}
	return bytes.Join(lines, []byte("\n"))
}
