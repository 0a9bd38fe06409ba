package config

import "fmt"

// Typed accessors over the generic Get/Set API, one per section family
// named in spec.md §6. These are thin: callers that need arbitrary
// options can still call Store.Get/Tx.Set directly.

// AppSettings is the single top-level "App" section.
type AppSettings struct {
	DataDirectory string
	LogLevel      string
	ListenAddress string
}

// App loads the App section, defaulting any unset fields to the zero value.
func (s *Store) App() AppSettings {
	var out AppSettings
	s.Get("App", "data_directory", &out.DataDirectory)
	s.Get("App", "log_level", &out.LogLevel)
	s.Get("App", "listen_address", &out.ListenAddress)
	return out
}

// SetApp writes the App section in one mutation.
func (t *Tx) SetApp(a AppSettings) error {
	if err := t.Set("App", "data_directory", a.DataDirectory); err != nil {
		return err
	}
	if err := t.Set("App", "log_level", a.LogLevel); err != nil {
		return err
	}
	return t.Set("App", "listen_address", a.ListenAddress)
}

// Account holds the credentials and connection details for one mail
// account, stored under "Account N".
type Account struct {
	Name        string
	Username    string
	Password    string // mustBePrivate; always stored encrypted
	IMAPServer  string
	IMAPPort    int
	SMTPServer  string
	SMTPPort    int
	Credentials map[string]string // nilable: OAuth tokens etc, optional
}

// Account loads "Account N" by its numeric suffix.
func (s *Store) Account(n int) (Account, bool) {
	section := fmt.Sprintf("Account %d", n)
	var a Account
	ok, _ := s.Get(section, "username", &a.Username)
	if !ok {
		return Account{}, false
	}
	s.Get(section, "password", &a.Password)
	s.Get(section, "imap_server", &a.IMAPServer)
	s.Get(section, "smtp_server", &a.SMTPServer)
	var port string
	if ok, _ := s.Get(section, "imap_port", &port); ok {
		fmt.Sscanf(port, "%d", &a.IMAPPort)
	}
	if ok, _ := s.Get(section, "smtp_port", &port); ok {
		fmt.Sscanf(port, "%d", &a.SMTPPort)
	}
	var creds map[string]string
	if ok, _ := s.Get(section, "credentials", &creds); ok {
		a.Credentials = creds
	}
	a.Name = section
	return a, true
}

// SetAccount writes "Account N".
func (t *Tx) SetAccount(n int, a Account) error {
	section := fmt.Sprintf("Account %d", n)
	if err := t.Set(section, "username", a.Username); err != nil {
		return err
	}
	if err := t.Set(section, "password", a.Password); err != nil {
		return err
	}
	if err := t.Set(section, "imap_server", a.IMAPServer); err != nil {
		return err
	}
	if err := t.Set(section, "smtp_server", a.SMTPServer); err != nil {
		return err
	}
	if err := t.Set(section, "imap_port", fmt.Sprintf("%d", a.IMAPPort)); err != nil {
		return err
	}
	if err := t.Set(section, "smtp_port", fmt.Sprintf("%d", a.SMTPPort)); err != nil {
		return err
	}
	if a.Credentials != nil {
		if err := t.Set(section, "credentials", a.Credentials); err != nil {
			return err
		}
	}
	return nil
}

// Identity is one "From" identity a user can compose mail as.
type Identity struct {
	Name      string
	Address   string
	Signature string // nilable in spec terms: empty string means unset
}

// Identity loads "Identity N".
func (s *Store) Identity(n int) (Identity, bool) {
	section := fmt.Sprintf("Identity %d", n)
	var id Identity
	ok, _ := s.Get(section, "address", &id.Address)
	if !ok {
		return Identity{}, false
	}
	s.Get(section, "name", &id.Name)
	s.Get(section, "signature", &id.Signature)
	return id, true
}

// SetIdentity writes "Identity N".
func (t *Tx) SetIdentity(n int, id Identity) error {
	section := fmt.Sprintf("Identity %d", n)
	if err := t.Set(section, "name", id.Name); err != nil {
		return err
	}
	if err := t.Set(section, "address", id.Address); err != nil {
		return err
	}
	return t.Set(section, "signature", id.Signature)
}

// ContextSettings is one search/tagging namespace, "Context N".
type ContextSettings struct {
	Name         string
	AccountRefs  []string // "Account N" section names this context searches
	DefaultTags  []string
}

// Context loads "Context N".
func (s *Store) Context(n int) (ContextSettings, bool) {
	section := fmt.Sprintf("Context %d", n)
	var c ContextSettings
	ok, _ := s.Get(section, "name", &c.Name)
	if !ok {
		return ContextSettings{}, false
	}
	var refs []string
	s.Get(section, "accounts", &refs)
	c.AccountRefs = refs
	var tags []string
	s.Get(section, "default_tags", &tags)
	c.DefaultTags = tags
	return c, true
}

// SetContext writes "Context N".
func (t *Tx) SetContext(n int, c ContextSettings) error {
	section := fmt.Sprintf("Context %d", n)
	if err := t.Set(section, "name", c.Name); err != nil {
		return err
	}
	if err := t.Set(section, "accounts", c.AccountRefs); err != nil {
		return err
	}
	return t.Set(section, "default_tags", c.DefaultTags)
}

// Access is a role grant, "Access N": which context an access token can
// reach and which capability letters it carries (spec.md §4.5; "A" means
// all capabilities).
type Access struct {
	ContextRef string
	Password   string // mustBePrivate
	Roles      string // e.g. "A" or a specific capability-letter string
}

// Access loads "Access N".
func (s *Store) Access(n int) (Access, bool) {
	section := fmt.Sprintf("Access %d", n)
	var a Access
	ok, _ := s.Get(section, "context", &a.ContextRef)
	if !ok {
		return Access{}, false
	}
	s.Get(section, "password", &a.Password)
	s.Get(section, "roles", &a.Roles)
	return a, true
}

// SetAccess writes "Access N".
func (t *Tx) SetAccess(n int, a Access) error {
	section := fmt.Sprintf("Access %d", n)
	if err := t.Set(section, "context", a.ContextRef); err != nil {
		return err
	}
	if err := t.Set(section, "password", a.Password); err != nil {
		return err
	}
	return t.Set(section, "roles", a.Roles)
}

// PasscrowRecovery holds the singleton "Passcrow Recovery" section used by
// internal/recovery.
type PasscrowRecovery struct {
	Enabled  bool
	Contacts []string // masked contact identifiers
}

func (s *Store) PasscrowRecovery() PasscrowRecovery {
	var out PasscrowRecovery
	var enabled string
	if ok, _ := s.Get("Passcrow Recovery", "enabled", &enabled); ok {
		out.Enabled = enabled == "true"
	}
	var contacts []string
	s.Get("Passcrow Recovery", "contacts", &contacts)
	out.Contacts = contacts
	return out
}

func (t *Tx) SetPasscrowRecovery(p PasscrowRecovery) error {
	val := "false"
	if p.Enabled {
		val = "true"
	}
	if err := t.Set("Passcrow Recovery", "enabled", val); err != nil {
		return err
	}
	return t.Set("Passcrow Recovery", "contacts", p.Contacts)
}

// SMTPBridgeSettings holds the singleton "SMTP Bridge Service" section.
type SMTPBridgeSettings struct {
	ListenAddress string
	DefaultFrom   string // "Identity N" reference
}

func (s *Store) SMTPBridge() SMTPBridgeSettings {
	var out SMTPBridgeSettings
	s.Get("SMTP Bridge Service", "listen_address", &out.ListenAddress)
	s.Get("SMTP Bridge Service", "default_from", &out.DefaultFrom)
	return out
}

func (t *Tx) SetSMTPBridge(v SMTPBridgeSettings) error {
	if err := t.Set("SMTP Bridge Service", "listen_address", v.ListenAddress); err != nil {
		return err
	}
	return t.Set("SMTP Bridge Service", "default_from", v.DefaultFrom)
}
