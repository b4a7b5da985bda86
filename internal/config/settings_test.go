package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_ReadMissingFile(t *testing.T) {
	s := NewSettings(t.TempDir())

	w, err := s.Read()
	require.NoError(t, err)
	assert.Nil(t, w.Smart)
	assert.True(t, w.LinkRequired(), "unset link means link required")
}

func TestSettings_WriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewSettings(dir)

	in := Workbench{
		Smart: "short",
		Erase: "EraseSectors",
		Link:  false,
	}
	require.NoError(t, s.Write(in))

	w, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, "short", w.Smart)
	assert.Equal(t, "EraseSectors", w.Erase)
	assert.False(t, w.LinkRequired())
	assert.False(t, s.LinkRequired())

	// Unknown-but-null fields stay present in the file so clients see the
	// full document shape.
	b, err := os.ReadFile(filepath.Join(dir, SettingsFile))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"stress":null`)
}

func TestSettings_WriteSkipsWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	s := NewSettings(dir)
	w := Workbench{Install: "debian-12.fsa", Link: true}

	require.NoError(t, s.Write(w))
	path := filepath.Join(dir, SettingsFile)
	before, err := os.Stat(path)
	require.NoError(t, err)

	// Other processes watch this file; an identical write must not touch it.
	future := before.ModTime().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	require.NoError(t, s.Write(w))

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, future.Unix(), after.ModTime().Unix())

	require.NoError(t, s.Write(Workbench{Install: "debian-13.fsa", Link: true}))
	changed, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotEqual(t, future.Unix(), changed.ModTime().Unix())
}

func TestSettings_BrokenFileFallsBackToLinkRequired(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, SettingsFile), []byte("{oops"), 0644))

	s := NewSettings(dir)
	_, err := s.Read()
	assert.Error(t, err)
	assert.True(t, s.LinkRequired())
}
