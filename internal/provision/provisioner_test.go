package provision

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareCreatesDirectoryAndReportsActivity(t *testing.T) {
	base := t.TempDir()
	active := make(chan string, 16)

	p := New(Config{Enabled: true, OutputDir: base, Watch: true}, func(key string) {
		active <- key
	}, zerolog.Nop())
	defer p.StopAll()

	const key = "nf_1710000000_abcdefgh"
	ticket := p.Reserve(key)
	require.NoError(t, p.Prepare(key, ticket))
	require.NoError(t, p.Prepare(key, ticket))
	assert.Equal(t, 1, p.Watching())

	info, err := os.Stat(filepath.Join(base, key))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, os.WriteFile(filepath.Join(base, key, "segment_000.ts"), []byte("data"), 0644))

	select {
	case got := <-active:
		assert.Equal(t, key, got)
	case <-time.After(3 * time.Second):
		t.Fatal("no activity reported")
	}

	p.Release(key)
	assert.Equal(t, 0, p.Watching())
}

func TestPrepareAfterReleaseDoesNotWatch(t *testing.T) {
	base := t.TempDir()
	p := New(Config{Enabled: true, OutputDir: base, Watch: true}, nil, zerolog.Nop())
	defer p.StopAll()

	const key = "nf_1710000000_abcdefgh"
	ticket := p.Reserve(key)
	p.Release(key)
	require.NoError(t, p.Prepare(key, ticket))
	assert.Equal(t, 0, p.Watching())

	// A stale ticket from an earlier publish loses to the current one.
	stale := p.Reserve(key)
	current := p.Reserve(key)
	require.NoError(t, p.Prepare(key, stale))
	assert.Equal(t, 0, p.Watching())
	require.NoError(t, p.Prepare(key, current))
	assert.Equal(t, 1, p.Watching())
}

func TestPrepareDisabled(t *testing.T) {
	base := t.TempDir()
	p := New(Config{Enabled: false, OutputDir: base}, nil, zerolog.Nop())

	require.NoError(t, p.Prepare("nf_1710000000_abcdefgh", p.Reserve("nf_1710000000_abcdefgh")))
	_, err := os.Stat(filepath.Join(base, "nf_1710000000_abcdefgh"))
	assert.True(t, os.IsNotExist(err))
}

func TestDirStaysInsideOutputDir(t *testing.T) {
	p := New(Config{OutputDir: "/srv/hls"}, nil, zerolog.Nop())
	assert.Equal(t, "/srv/hls/escape", p.Dir("../../escape"))
}
