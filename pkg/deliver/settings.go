// Package deliver implements the durable delivery queue that submits
// finished snapshots to DeviceHub.
//
// One submitter goroutine drains a FIFO of delivery jobs. Connectivity
// failures are retried on the same job forever so DeviceHub always sees
// submissions in the order records became ready; only an explicit rejection
// from the backend moves a job out of the way, into quarantine.
package deliver

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Target is one resolved DeviceHub destination.
type Target struct {
	// Base is the DeviceHub base URL.
	Base string `json:"devicehub"`

	// DB is the inventory (database) snapshots are filed under.
	DB string `json:"db"`

	// Auth is the Authorization header value. A bare token is sent as
	// Basic auth.
	Auth string `json:"token"`
}

// AuthHeader returns the value for the Authorization header.
func (t Target) AuthHeader() string {
	if strings.ContainsRune(t.Auth, ' ') {
		return t.Auth
	}
	return "Basic " + t.Auth
}

// Connection holds the process-wide DeviceHub connection settings. The
// ingress updates it when a DeviceHub client announces itself; the submitter
// reads it before every attempt, so an update applies from the next attempt
// on. Settings persist to dh.json so a restart keeps the target.
type Connection struct {
	mu     sync.Mutex
	path   string
	target Target
	set    bool
}

// NewConnection returns connection settings persisted at
// {dir}/dh.json, preloaded from a previous run when the file exists.
// An empty dir disables persistence.
func NewConnection(dir string) *Connection {
	c := &Connection{}
	if dir == "" {
		return c
	}
	c.path = filepath.Join(dir, "dh.json")
	b, err := os.ReadFile(c.path)
	if err != nil {
		return c
	}
	var t Target
	if err := json.Unmarshal(b, &t); err != nil || t.Base == "" {
		return c
	}
	c.target = t
	c.set = true
	return c
}

// Set atomically replaces the connection settings. The write to dh.json is
// skipped when nothing changed; other processes read that file.
func (c *Connection) Set(base, db, auth string) error {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid devicehub URL %q", base)
	}
	t := Target{Base: strings.TrimRight(base, "/"), DB: db, Auth: auth}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set && c.target == t {
		return nil
	}
	c.target = t
	c.set = true
	if c.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal connection settings: %w", err)
	}
	if err := os.WriteFile(c.path, append(b, '\n'), 0600); err != nil {
		return fmt.Errorf("write %s: %w", c.path, err)
	}
	return nil
}

// Target returns the current settings. ok is false until a DeviceHub has
// announced itself; the submitter holds deliveries while that lasts.
func (c *Connection) Target() (Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target, c.set
}
