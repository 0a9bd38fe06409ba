package imapclient

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/moggie-project/moggie-worker/internal/imapclient/utf7"
)

// MetadataHeaderFields is the header set spec.md §3/§4.4 requires for
// indexing: Date, From, To, Cc, Subject, Message-Id, References,
// In-Reply-To, and List-Id.
var MetadataHeaderFields = []string{
	"Date", "From", "To", "Cc", "Subject",
	"Message-Id", "References", "In-Reply-To", "List-Id",
}

// retryAttempts and retryBaseDelay implement spec.md §4.4's "retry with
// exponential backoff up to 3 attempts [starting at] 250ms" policy.
const (
	retryAttempts  = 3
	retryBaseDelay = 250 * time.Millisecond
)

// Client is a single authenticated IMAP connection.
type Client struct {
	conn         net.Conn
	w            *wire
	host         string
	protocol     string
	capabilities map[string]bool
	selected     string
	authed       bool
}

// Dial connects to host[:port] using protocol, one of "auto", "imaps",
// "imap+starttls", or "imap". "auto" tries imaps on 993 then
// imap+starttls on 143, per spec.md §4.4.
func Dial(host, protocol string, timeout time.Duration) (*Client, error) {
	if protocol == "" || protocol == "auto" {
		var lastErr error
		for _, attempt := range []struct {
			protocol string
			port     int
		}{{"imaps", 993}, {"imap+starttls", 143}} {
			c, err := dialWithPort(host, attempt.protocol, attempt.port, timeout)
			if err == nil {
				return c, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
	return dialWithPort(host, protocol, defaultPort(protocol), timeout)
}

// DialWithRetry calls Dial, retrying IMAPError failures (network/IO
// errors) up to retryAttempts times with exponential backoff starting
// at retryBaseDelay, per spec.md §4.4. A ConnectError or
// PleaseUnlock is never retried.
func DialWithRetry(host, protocol string, timeout time.Duration) (*Client, error) {
	delay := retryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		c, err := Dial(host, protocol, timeout)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if _, isConnectErr := err.(*ConnectError); isConnectErr {
			return nil, err
		}
		if attempt < retryAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return nil, lastErr
}

func defaultPort(protocol string) int {
	switch protocol {
	case "imaps":
		return 993
	default:
		return 143
	}
}

// splitHostPort separates an optional trailing ":port" from host,
// supporting bracketed IPv6 literals.
func splitHostPort(host string, fallback int) (string, int) {
	if h, p, err := net.SplitHostPort(host); err == nil {
		port, convErr := strconv.Atoi(p)
		if convErr == nil {
			return h, port
		}
		return h, fallback
	}
	return host, fallback
}

func dialWithPort(host, protocol string, fallbackPort int, timeout time.Duration) (*Client, error) {
	h, port := splitHostPort(host, fallbackPort)
	addr := net.JoinHostPort(h, strconv.Itoa(port))

	var conn net.Conn
	var err error
	if protocol == "imaps" {
		dialer := &net.Dialer{Timeout: timeout}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: h})
	} else {
		conn, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return nil, &ConnectError{Host: addr, Protocol: protocol, Err: err}
	}

	c := &Client{conn: conn, w: newWire(conn), host: h, protocol: protocol}

	// Consume the server greeting.
	if _, err := c.w.readLineRaw(); err != nil {
		conn.Close()
		return nil, &IMAPError{Op: "greeting", Err: err}
	}

	caps, err := c.capability()
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.capabilities = caps

	if protocol == "imap+starttls" {
		if err := c.startTLS(h); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *Client) capability() (map[string]bool, error) {
	status, _, lines, err := c.w.command("CAPABILITY")
	if err != nil {
		return nil, &IMAPError{Op: "CAPABILITY", Err: err}
	}
	ok, tokens := Parse(status, lines)
	caps := map[string]bool{}
	if ok {
		for _, tok := range tokens {
			if list, ok := tok.([]any); ok {
				for _, t := range list {
					if s, ok := t.(string); ok {
						caps[strings.ToUpper(s)] = true
					}
				}
				continue
			}
			s, ok := tok.(string)
			if !ok || strings.EqualFold(s, "CAPABILITY") {
				continue
			}
			caps[strings.ToUpper(s)] = true
		}
	}
	return caps, nil
}

func (c *Client) startTLS(host string) error {
	status, _, _, err := c.w.command("STARTTLS")
	if err != nil {
		return &IMAPError{Op: "STARTTLS", Err: err}
	}
	if status != "OK" {
		return &ConnectError{Host: host, Protocol: "imap+starttls", Err: fmt.Errorf("server refused STARTTLS")}
	}
	tlsConn := tls.Client(c.conn, &tls.Config{ServerName: host})
	if err := tlsConn.Handshake(); err != nil {
		return &ConnectError{Host: host, Protocol: "imap+starttls", Err: err}
	}
	c.conn = tlsConn
	c.w = newWire(tlsConn)
	caps, err := c.capability()
	if err != nil {
		return err
	}
	c.capabilities = caps
	return nil
}

// Login authenticates with AUTH=PLAIN if advertised, otherwise falls
// back to the plaintext LOGIN command.
func (c *Client) Login(username, password string) error {
	if c.capabilities["AUTH=PLAIN"] {
		if err := c.authPlain(username, password); err != nil {
			return err
		}
	} else {
		status, rest, _, err := c.w.command(fmt.Sprintf("LOGIN %s %s", quoteIMAP(username), quoteIMAP(password)))
		if err != nil {
			return &IMAPError{Op: "LOGIN", Err: err}
		}
		if status != "OK" {
			if strings.Contains(strings.ToUpper(rest), "AUTHENTICATIONFAILED") || status == "NO" {
				return &PleaseUnlock{Resource: c.host, NeedPassword: true}
			}
			return &IMAPError{Op: "LOGIN", Err: fmt.Errorf("%s %s", status, rest)}
		}
	}
	c.authed = true
	return nil
}

func (c *Client) authPlain(username, password string) error {
	client := sasl.NewPlainClient("", username, password)
	mech, ir, err := client.Start()
	if err != nil {
		return &IMAPError{Op: "AUTHENTICATE", Err: err}
	}
	status, rest, _, err := c.w.command(fmt.Sprintf("AUTHENTICATE %s %s", mech, b64(ir)))
	if err != nil {
		return &IMAPError{Op: "AUTHENTICATE", Err: err}
	}
	if status != "OK" {
		if status == "NO" {
			return &PleaseUnlock{Resource: c.host, NeedPassword: true}
		}
		return &IMAPError{Op: "AUTHENTICATE", Err: fmt.Errorf("%s %s", status, rest)}
	}
	return nil
}

func quoteIMAP(s string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
}

// Select opens mailbox (a plain UTF-8 name, encoded to modified UTF-7
// on the wire) for subsequent SEARCH/FETCH operations.
func (c *Client) Select(mailbox string) error {
	if c.selected == mailbox {
		return nil
	}
	status, rest, _, err := c.w.command("SELECT " + quoteIMAP(utf7.Encode(mailbox)))
	if err != nil {
		return &IMAPError{Op: "SELECT", Err: err}
	}
	if status != "OK" {
		return &IMAPError{Op: "SELECT", Err: fmt.Errorf("%s %s", status, rest)}
	}
	c.selected = mailbox
	return nil
}

// UIDs returns every message UID in the selected mailbox.
func (c *Client) UIDs() ([]int, error) {
	status, _, lines, err := c.w.command("UID SEARCH ALL")
	if err != nil {
		return nil, &IMAPError{Op: "SEARCH", Err: err}
	}
	ok, tokens := Parse(status, lines)
	if !ok {
		return nil, &IMAPError{Op: "SEARCH", Err: fmt.Errorf("search failed")}
	}
	var uids []int
	for _, t := range tokens {
		if s, ok := t.(string); ok {
			if n, err := strconv.Atoi(s); err == nil {
				uids = append(uids, n)
			}
		}
	}
	return uids, nil
}

// MailboxInfo is one entry returned by ListMailboxes.
type MailboxInfo struct {
	Name       string
	Delimiter  string
	Flags      []string
	NoSelect   bool
	NoInferior bool
}

// ListMailboxes recursively expands the mailbox hierarchy starting from
// the top level (LIST "" "%"), honoring \NOINFERIORS and \NOSELECT per spec.md
// §4.4, decoding folder names from modified UTF-7.
func (c *Client) ListMailboxes() ([]MailboxInfo, error) {
	return c.listRecursive(`""`, "%")
}

func (c *Client) listRecursive(reference, pattern string) ([]MailboxInfo, error) {
	status, _, lines, err := c.w.command(fmt.Sprintf("LIST %s %s", reference, quoteIMAP(pattern)))
	if err != nil {
		return nil, &IMAPError{Op: "LIST", Err: err}
	}
	ok, tokens := Parse(status, lines)
	if !ok {
		return nil, &IMAPError{Op: "LIST", Err: fmt.Errorf("list failed")}
	}

	var out []MailboxInfo
	var children []string
	for _, line := range tokens {
		entry, ok := line.([]any)
		if !ok || len(entry) < 3 {
			continue
		}
		flagList, _ := entry[0].([]any)
		sep, _ := entry[1].(string)
		rawName, _ := entry[2].(string)

		var flags []string
		info := MailboxInfo{Delimiter: sep}
		for _, f := range flagList {
			if s, ok := f.(string); ok {
				flags = append(flags, strings.ToUpper(s))
			}
		}
		info.Flags = flags
		for _, f := range flags {
			switch f {
			case `\NOSELECT`:
				info.NoSelect = true
			case `\NOINFERIORS`:
				info.NoInferior = true
			}
		}

		decoded, decErr := utf7.Decode(rawName)
		if decErr != nil {
			decoded = rawName
		}
		info.Name = decoded
		out = append(out, info)

		if !info.NoInferior {
			children = append(children, rawName+sep)
		}
	}

	for _, child := range children {
		sub, err := c.listRecursive(quoteIMAP(child), "%")
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// FetchedHeader is the (uid, size, flags, raw_headers) tuple spec.md
// §4.4 requires from a metadata fetch.
type FetchedHeader struct {
	UID        int
	Size       int64
	Flags      []string
	RawHeaders []byte
}

// FetchMetadata fetches RFC822.SIZE, FLAGS, and the header fields
// needed for indexing for every uid in uids, in the currently selected
// mailbox.
func (c *Client) FetchMetadata(uids []int) ([]FetchedHeader, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	uidList := make([]string, len(uids))
	for i, u := range uids {
		uidList[i] = strconv.Itoa(u)
	}
	fields := "(" + strings.Join(MetadataHeaderFields, " ") + ")"
	cmd := fmt.Sprintf("UID FETCH %s (RFC822.SIZE FLAGS BODY.PEEK[HEADER.FIELDS %s])",
		strings.Join(uidList, ","), fields)

	status, _, lines, err := c.w.command(cmd)
	if err != nil {
		return nil, &IMAPError{Op: "FETCH", Err: err}
	}
	ok, tokens := Parse(status, lines)
	if !ok {
		return nil, &IMAPError{Op: "FETCH", Err: fmt.Errorf("fetch failed")}
	}
	return parseFetchResponses(tokens), nil
}

func parseFetchResponses(tokens []any) []FetchedHeader {
	var out []FetchedHeader
	for _, t := range tokens {
		entry, ok := t.([]any)
		if !ok {
			continue
		}
		fh := FetchedHeader{}
		for i := 0; i+1 < len(entry); i += 2 {
			key, ok := entry[i].(string)
			if !ok {
				continue
			}
			switch {
			case key == "UID":
				if s, ok := entry[i+1].(string); ok {
					fh.UID, _ = strconv.Atoi(s)
				}
			case key == "RFC822.SIZE":
				if s, ok := entry[i+1].(string); ok {
					fh.Size, _ = strconv.ParseInt(s, 10, 64)
				}
			case key == "FLAGS":
				if list, ok := entry[i+1].([]any); ok {
					for _, f := range list {
						if s, ok := f.(string); ok {
							fh.Flags = append(fh.Flags, s)
						}
					}
				}
			case strings.HasPrefix(key, "BODY["):
				if s, ok := entry[i+1].(string); ok {
					fh.RawHeaders = []byte(s)
				}
			}
		}
		out = append(out, fh)
	}
	return out
}

// Close logs out and closes the underlying socket.
func (c *Client) Close() error {
	c.w.command("LOGOUT")
	return c.conn.Close()
}

// ForceClose shuts down and closes the socket directly, without
// attempting LOGOUT, to unblock any hung operation per spec.md §4.4's
// shutdown semantics.
func (c *Client) ForceClose() error {
	if tcp, ok := c.conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}
	return c.conn.Close()
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
