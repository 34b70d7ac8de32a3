package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"sidekick/internal/logging"
)

// Areas bundles the three durable regions.
type Areas struct {
	Local   Area
	Sync    Area
	Session Area

	closers []func() error
}

// Paths locates the area files.
type Paths struct {
	DataDir    string // local + sync
	SessionDir string // session, usually under the OS temp dir
	SessionKey string // identifies the browser session (e.g. its debugger URL)
}

// SessionFile returns the session db path for the given browser session key.
func (p Paths) SessionFile() string {
	sum := sha256.Sum256([]byte(p.SessionKey))
	return filepath.Join(p.SessionDir, "session-"+hex.EncodeToString(sum[:8])+".db")
}

// Open opens all three areas. A session area that cannot be opened degrades
// to memory for this process lifetime; local and sync failures are fatal.
func Open(p Paths) (*Areas, error) {
	local, err := OpenSQLiteArea("local", DriverCGO, filepath.Join(p.DataDir, "local.db"))
	if err != nil {
		return nil, err
	}
	syncArea, err := OpenSQLiteArea("sync", DriverCGO, filepath.Join(p.DataDir, "sync.db"))
	if err != nil {
		local.Close()
		return nil, err
	}

	areas := &Areas{
		Local:   local,
		Sync:    syncArea,
		closers: []func() error{local.Close, syncArea.Close},
	}

	session, err := OpenSQLiteArea("session", DriverPureGo, p.SessionFile())
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("session area unavailable, using memory: %v", err)
		areas.Session = NewMemoryArea("session")
	} else {
		areas.Session = session
		areas.closers = append(areas.closers, session.Close)
	}
	return areas, nil
}

// Close closes every file-backed area.
func (a *Areas) Close() error {
	var firstErr error
	for _, c := range a.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close area: %w", err)
		}
	}
	return firstErr
}

// Files returns the file-backed areas, for watching.
func (a *Areas) Files() []*SQLiteArea {
	var out []*SQLiteArea
	for _, area := range []Area{a.Local, a.Sync, a.Session} {
		if s, ok := area.(*SQLiteArea); ok {
			out = append(out, s)
		}
	}
	return out
}
