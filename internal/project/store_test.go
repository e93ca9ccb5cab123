package project

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissingReturnsDefault(t *testing.T) {
	s := NewStore(t.TempDir())

	meta, err := s.Load("synth")
	require.NoError(t, err)
	assert.True(t, meta.IsEmpty())
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := NewStore(t.TempDir())

	in := sampleA()
	require.NoError(t, s.Save("synth", in))
	assert.False(t, in.LastUpdated.IsZero())

	got, err := s.Load("synth")
	require.NoError(t, err)
	assert.Equal(t, in.Vision, got.Vision)
	assert.Equal(t, in.Roadmap, got.Roadmap)
	assert.Equal(t, in.Handoffs, got.Handoffs)
	assert.True(t, in.LastUpdated.Equal(got.LastUpdated))

	ids, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"synth"}, ids)
}

func TestStore_CorruptDocument(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	path := filepath.Join(dir, "synth", metaFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("roadmap: [unclosed\n  - :"), 0644))

	meta, err := s.Load("synth")
	assert.ErrorIs(t, err, ErrConfigCorrupt)
	require.NotNil(t, meta)
	assert.True(t, meta.IsEmpty())

	// A sync repairs the document
	res, err := s.SyncFromAgents(context.Background(), "synth", sampleB(), "FAUST")
	require.NoError(t, err)
	assert.True(t, res.Changed)

	meta, err = s.Load("synth")
	require.NoError(t, err)
	assert.Len(t, meta.Roadmap, 3)
}

func TestStore_InvalidProjectID(t *testing.T) {
	s := NewStore(t.TempDir())
	for _, id := range []string{"", "  ", "..", "a/b", `a\b`} {
		_, err := s.Load(id)
		assert.Error(t, err, "id %q", id)
		assert.Error(t, s.Save(id, sampleA()), "id %q", id)
	}
}

func TestStore_SyncFromAgents(t *testing.T) {
	s := NewStore(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.Save("synth", sampleA()))

	res, err := s.SyncFromAgents(ctx, "synth", sampleB(), "FAUST")
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "FAUST", res.Meta.UpdatedBy)
	assert.Equal(t, []string{"preset browser"}, res.Report.AddedMilestones)

	stored, err := s.Load("synth")
	require.NoError(t, err)
	require.Len(t, stored.Roadmap, 3)
	assert.Equal(t, StatusDone, stored.Roadmap[1].Status)

	// Same payload again changes nothing
	again, err := s.SyncFromAgents(ctx, "synth", sampleB(), "FAUST")
	require.NoError(t, err)
	assert.False(t, again.Changed)

	reloaded, err := s.Load("synth")
	require.NoError(t, err)
	assert.True(t, stored.LastUpdated.Equal(reloaded.LastUpdated))
}

func TestStore_SyncCancelledContext(t *testing.T) {
	s := NewStore(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SyncFromAgents(ctx, "synth", sampleB(), "FAUST")
	assert.ErrorIs(t, err, context.Canceled)

	ids, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStore_ConcurrentSyncsKeepEveryMilestone(t *testing.T) {
	s := NewStore(t.TempDir())
	ctx := context.Background()

	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			in := &Meta{Roadmap: []Milestone{{Milestone: name, Status: StatusPlanned}}}
			_, err := s.SyncFromAgents(ctx, "synth", in, name)
			assert.NoError(t, err)
		}(name)
	}
	wg.Wait()

	got, err := s.Load("synth")
	require.NoError(t, err)
	assert.Len(t, got.Roadmap, len(names))
}
