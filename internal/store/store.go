package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/saltbo/anima/internal/ids"
)

// Version is an opaque token returned by every read and required by every
// write, so a write against data that has since changed on disk fails with
// KindStale instead of silently clobbering a concurrent writer
// (spec.md §4.1).
type Version string

// noVersion is passed by callers writing a brand-new file that has never
// been read (e.g. creating a milestone for the first time).
const noVersion Version = ""

func fingerprint(data []byte) Version {
	sum := sha256.Sum256(data)
	return Version(hex.EncodeToString(sum[:]))
}

// Store is the Persistence Store (spec.md §4.1). It is safe for concurrent
// use by multiple goroutines within one process; withProjectLock additionally
// serializes against other OS processes touching the same project.
type Store struct{}

// New returns a Store. The type carries no state of its own — all state is
// the files themselves — matching gastown's flock helpers being stateless
// wrappers around the filesystem.
func New() *Store { return &Store{} }

// readFile reads path and returns its bytes plus a version token, or a
// KindIO error if the file is simply missing/unreadable. Callers that need
// "missing file is not an error" semantics check os.IsNotExist on the
// wrapped error themselves.
func (s *Store) readFile(path string) ([]byte, Version, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, noVersion, ioErr(path, err)
	}
	return data, fingerprint(data), nil
}

// writeFileAtomic writes data to path via a temp sibling + rename
// (spec.md §4.1 guarantee (i)), enforcing the optimistic-concurrency
// version check first when expected != noVersion.
func (s *Store) writeFileAtomic(path string, data []byte, expected Version) (Version, error) {
	if expected != noVersion {
		current, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			return noVersion, staleErr(path)
		case err != nil:
			return noVersion, ioErr(path, err)
		case fingerprint(current) != expected:
			return noVersion, staleErr(path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return noVersion, ioErr(path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return noVersion, ioErr(path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return noVersion, ioErr(path, err)
	}
	// Flush durable metadata before the rename, per spec.md §4.1 guarantee
	// (iii), so a crash between write and rename never leaves a renamed
	// file whose content didn't make it to disk.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return noVersion, ioErr(path, err)
	}
	if err := tmp.Close(); err != nil {
		return noVersion, ioErr(path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return noVersion, ioErr(path, err)
	}

	return fingerprint(data), nil
}

func marshalEntity(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// --- ProjectState ---

func (s *Store) ReadProjectState(paths Paths) (*ProjectState, Version, error) {
	data, ver, err := s.readFile(paths.StateFile())
	if err != nil {
		return nil, noVersion, err
	}
	var st ProjectState
	if uerr := json.Unmarshal(data, &st); uerr != nil {
		return nil, noVersion, corruptErr(paths.StateFile(), data, uerr)
	}
	return &st, ver, nil
}

func (s *Store) WriteProjectState(paths Paths, st *ProjectState, expected Version) (Version, error) {
	data, err := marshalEntity(st)
	if err != nil {
		return noVersion, err
	}
	data, err = prettyPrint(data)
	if err != nil {
		return noVersion, err
	}
	return s.writeFileAtomic(paths.StateFile(), data, expected)
}

// --- Milestone ---

func (s *Store) ReadMilestone(paths Paths, id ids.MilestoneID) (*Milestone, Version, error) {
	path := paths.MilestoneFile(id)
	data, ver, err := s.readFile(path)
	if err != nil {
		return nil, noVersion, err
	}
	var m Milestone
	if uerr := json.Unmarshal(data, &m); uerr != nil {
		return nil, noVersion, corruptErr(path, data, uerr)
	}
	return &m, ver, nil
}

func (s *Store) WriteMilestone(paths Paths, m *Milestone, expected Version) (Version, error) {
	data, err := marshalEntity(m)
	if err != nil {
		return noVersion, err
	}
	data, err = prettyPrint(data)
	if err != nil {
		return noVersion, err
	}
	return s.writeFileAtomic(paths.MilestoneFile(m.ID), data, expected)
}

// --- InboxItem ---

func (s *Store) ReadInboxItem(paths Paths, id ids.InboxItemID) (*InboxItem, Version, error) {
	path := paths.InboxItemFile(id)
	data, ver, err := s.readFile(path)
	if err != nil {
		return nil, noVersion, err
	}
	var item InboxItem
	if uerr := json.Unmarshal(data, &item); uerr != nil {
		return nil, noVersion, corruptErr(path, data, uerr)
	}
	return &item, ver, nil
}

func (s *Store) WriteInboxItem(paths Paths, item *InboxItem, expected Version) (Version, error) {
	data, err := marshalEntity(item)
	if err != nil {
		return noVersion, err
	}
	data, err = prettyPrint(data)
	if err != nil {
		return noVersion, err
	}
	return s.writeFileAtomic(paths.InboxItemFile(item.ID), data, expected)
}

func (s *Store) ListInboxItems(paths Paths) ([]*InboxItem, error) {
	entries, err := os.ReadDir(paths.InboxDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioErr(paths.InboxDir(), err)
	}

	var items []*InboxItem
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id := ids.InboxItemID(e.Name()[:len(e.Name())-len(".json")])
		item, _, err := s.ReadInboxItem(paths, id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// --- MilestoneOrder ---

func (s *Store) ReadOrder(paths Paths) (*MilestoneOrder, Version, error) {
	data, ver, err := s.readFile(paths.MilestoneOrderFile())
	if err != nil {
		if se, ok := err.(*Error); ok && se.Kind == KindIO && os.IsNotExist(se.Err) {
			return &MilestoneOrder{}, noVersion, nil
		}
		return nil, noVersion, err
	}
	var order MilestoneOrder
	if uerr := json.Unmarshal(data, &order); uerr != nil {
		return nil, noVersion, corruptErr(paths.MilestoneOrderFile(), data, uerr)
	}
	return &order, ver, nil
}

func (s *Store) WriteOrder(paths Paths, order *MilestoneOrder, expected Version) (Version, error) {
	data, err := marshalEntity(order)
	if err != nil {
		return noVersion, err
	}
	data, err = prettyPrint(data)
	if err != nil {
		return noVersion, err
	}
	return s.writeFileAtomic(paths.MilestoneOrderFile(), data, expected)
}

// WithProjectLock acquires the per-project advisory file lock
// (spec.md §4.1 guarantee (ii)) for the duration of fn, following gastown's
// internal/lock flock wrapper and internal/daemon's own use of
// github.com/gofrs/flock for its pidfile lock.
func (s *Store) WithProjectLock(paths Paths, fn func() error) error {
	if err := os.MkdirAll(paths.AnimaDir(), 0o755); err != nil {
		return ioErr(paths.AnimaDir(), err)
	}

	fl := flock.New(paths.LockFile())
	if err := fl.Lock(); err != nil {
		return ioErr(paths.LockFile(), fmt.Errorf("acquiring project lock: %w", err))
	}
	defer fl.Unlock()

	return fn()
}
