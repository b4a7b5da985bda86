package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Archive directory names, relative to the archive root. The names are part
// of the on-disk contract: operators browse these folders directly.
const (
	DirSnapshots  = "Snapshots"
	DirFailed     = "Failed Snapshots"
	DirUnfinished = "Unfinished Snapshots"
)

// Archive persists snapshot projections to the server's public folder:
// delivered records, permanently rejected records kept for manual follow-up,
// and a staging copy of everything that is enqueued but not yet delivered.
type Archive struct {
	root string
}

// NewArchive creates the archive directories under root.
func NewArchive(root string) (*Archive, error) {
	for _, dir := range []string{DirSnapshots, DirFailed, DirUnfinished} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("create archive dir %s: %w", dir, err)
		}
	}
	return &Archive{root: root}, nil
}

func (a *Archive) Root() string {
	return a.root
}

// WriteDelivered stores the DeviceHub-safe projection of a successfully
// uploaded record. Overwrites any previous file for the same hid.
func (a *Archive) WriteDelivered(hid string, doc map[string]any) (string, error) {
	return a.write(DirSnapshots, hid, doc)
}

// WriteFailed quarantines a permanently rejected record together with the
// backend's error body.
func (a *Archive) WriteFailed(hid string, doc map[string]any, backendErr json.RawMessage) (string, error) {
	if backendErr != nil {
		doc["_error"] = backendErr
	}
	return a.write(DirFailed, hid, doc)
}

// WriteUnfinished stages an outbound payload so a pending delivery survives
// a restart. Removed again once the delivery reaches a terminal outcome.
func (a *Archive) WriteUnfinished(hid string, payload []byte) (string, error) {
	path := filepath.Join(a.root, DirUnfinished, hid+".json")
	if err := atomicWrite(path, payload); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveUnfinished deletes the staging copy for hid. Missing files are fine:
// the staging copy is best effort.
func (a *Archive) RemoveUnfinished(hid string) {
	_ = os.Remove(filepath.Join(a.root, DirUnfinished, hid+".json"))
}

// Staged is one payload recovered from the staging directory.
type Staged struct {
	HID     string
	Payload []byte
}

// Unfinished returns the staged payloads left over from a previous run,
// oldest first, so a startup rescan re-enqueues them in their original
// order. Unreadable entries are skipped.
func (a *Archive) Unfinished() ([]Staged, error) {
	dir := filepath.Join(a.root, DirUnfinished)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read unfinished dir: %w", err)
	}
	type staged struct {
		Staged
		mod int64
	}
	var out []staged
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		hid := entry.Name()[:len(entry.Name())-len(".json")]
		out = append(out, staged{Staged: Staged{HID: hid, Payload: b}, mod: info.ModTime().UnixNano()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mod < out[j].mod })
	result := make([]Staged, len(out))
	for i, s := range out {
		result[i] = s.Staged
	}
	return result, nil
}

// List returns the archived file paths matching a doublestar pattern
// relative to the archive root, e.g. "Snapshots/*.json" or "**/acme-*.json".
func (a *Archive) List(pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(a.root), pattern)
	if err != nil {
		return nil, fmt.Errorf("glob archive: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

func (a *Archive) write(dir, hid string, doc map[string]any) (string, error) {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot %s: %w", hid, err)
	}
	b = append(b, '\n')
	path := filepath.Join(a.root, dir, hid+".json")
	if err := atomicWrite(path, b); err != nil {
		return "", err
	}
	return path, nil
}

func atomicWrite(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	return nil
}
