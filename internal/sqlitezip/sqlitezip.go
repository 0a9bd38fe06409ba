// Package sqlitezip implements the "Encrypted SQLite container" from
// spec.md §2: a ZIP-packaged, encrypted-at-rest SQLite database that is
// materialized to a scratch file on disk for the lifetime of the
// process and saved back (re-zipped, re-encrypted) by a background
// ticker. Used by internal/autocrypt for peer state and intended for
// the cron schedule store referenced in spec.md §6 (crontab.sqz).
package sqlitezip

import (
	"archive/zip"
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/moggie-project/moggie-worker/internal/cryptutil"
)

// dbEntryName is the single file stored inside the zip archive.
const dbEntryName = "db.sqlite"

// Container owns a *sql.DB backed by a scratch file extracted from an
// encrypted zip at Path, and periodically (or on demand) saves the
// scratch file's contents back to Path.
type Container struct {
	path      string
	scratch   string
	key       cryptutil.MasterKey
	seed      cryptutil.NonceSeed
	db        *sql.DB
	dirty     atomic.Bool
	mu        sync.Mutex
	stopSaver chan struct{}
	saverDone chan struct{}
}

// Open loads (or initializes) the encrypted container at path, keyed
// under key. The returned Container's DB is immediately usable; call
// Close to flush and release it.
func Open(path string, key cryptutil.MasterKey) (*Container, error) {
	seed, err := cryptutil.NewNonceSeed()
	if err != nil {
		return nil, err
	}

	scratch, err := os.CreateTemp("", "sqlitezip-*.db")
	if err != nil {
		return nil, fmt.Errorf("sqlitezip: scratch file: %w", err)
	}
	scratchPath := scratch.Name()
	scratch.Close()

	if err := extractToScratch(path, key, scratchPath); err != nil {
		os.Remove(scratchPath)
		return nil, err
	}

	db, err := sql.Open("sqlite", scratchPath)
	if err != nil {
		os.Remove(scratchPath)
		return nil, fmt.Errorf("sqlitezip: open scratch db: %w", err)
	}

	return &Container{
		path:    path,
		scratch: scratchPath,
		key:     key,
		seed:    seed,
		db:      db,
	}, nil
}

// extractToScratch decrypts and unzips path's single db.sqlite entry
// into scratchPath. A missing path is not an error: the caller gets a
// fresh, empty database.
func extractToScratch(path string, key cryptutil.MasterKey, scratchPath string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sqlitezip: reading %s: %w", path, err)
	}

	plaintext, err := cryptutil.Decrypt([]cryptutil.MasterKey{key}, string(raw))
	if err != nil {
		return fmt.Errorf("sqlitezip: decrypting %s: %w", path, err)
	}

	zr, err := zip.NewReader(bytes.NewReader(plaintext), int64(len(plaintext)))
	if err != nil {
		return fmt.Errorf("sqlitezip: opening zip archive: %w", err)
	}
	f, err := zr.Open(dbEntryName)
	if err != nil {
		return fmt.Errorf("sqlitezip: missing %s entry: %w", dbEntryName, err)
	}
	defer f.Close()

	out, err := os.OpenFile(scratchPath, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, f)
	return err
}

// DB returns the underlying *sql.DB for query execution.
func (c *Container) DB() *sql.DB { return c.db }

// MarkDirty flags the container for the next background save; callers
// mutating the database through DB() should call this afterward.
func (c *Container) MarkDirty() { c.dirty.Store(true) }

// Save flushes the scratch database back to Path as a freshly zipped and
// encrypted blob, regardless of the dirty flag.
func (c *Container) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := os.ReadFile(c.scratch)
	if err != nil {
		return fmt.Errorf("sqlitezip: reading scratch: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(dbEntryName)
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	ciphertext, err := cryptutil.Encrypt(c.key, c.seed, buf.Bytes())
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(ciphertext), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return err
	}
	c.dirty.Store(false)
	return nil
}

// StartBackgroundSaver runs Save every interval as long as MarkDirty was
// called since the previous save, mirroring the "background saver"
// named in spec.md §2. Call StopBackgroundSaver (or Close) to stop it.
func (c *Container) StartBackgroundSaver(interval time.Duration) {
	c.stopSaver = make(chan struct{})
	c.saverDone = make(chan struct{})
	go func() {
		defer close(c.saverDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if c.dirty.Load() {
					_ = c.Save() // best-effort; next tick retries
				}
			case <-c.stopSaver:
				return
			}
		}
	}()
}

// StopBackgroundSaver halts the ticker goroutine started by
// StartBackgroundSaver, if any.
func (c *Container) StopBackgroundSaver() {
	if c.stopSaver == nil {
		return
	}
	close(c.stopSaver)
	<-c.saverDone
	c.stopSaver = nil
}

// Close stops the background saver (if running), performs a final Save,
// and releases the scratch database.
func (c *Container) Close() error {
	c.StopBackgroundSaver()
	saveErr := c.Save()
	closeErr := c.db.Close()
	os.Remove(c.scratch)
	if saveErr != nil {
		return saveErr
	}
	return closeErr
}
