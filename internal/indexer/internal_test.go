package indexer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/duskfall-labs/corevault/internal/storage"
)

func TestMatchesRulesExcludeWinsOverInclude(t *testing.T) {
	require.False(t, matchesRules("a.tmp", []string{"*"}, []string{"*.tmp"}))
	require.True(t, matchesRules("a.txt", []string{"*"}, []string{"*.tmp"}))
}

func TestMatchesRulesEmptyIncludeMatchesEverything(t *testing.T) {
	require.True(t, matchesRules("anything", nil, nil))
	require.False(t, matchesRules("skip.log", nil, []string{"*.log"}))
}

func TestMatchesRulesNonEmptyIncludeRequiresMatch(t *testing.T) {
	require.True(t, matchesRules("photo.jpg", []string{"*.jpg", "*.png"}, nil))
	require.False(t, matchesRules("photo.raw", []string{"*.jpg", "*.png"}, nil))
}

func TestChangedFieldsOnlyReportsDivergence(t *testing.T) {
	prior := storage.FilePath{Name: "a", SizeInBytes: 10, IsDir: false}
	fresh := walkedEntry{Name: "a", SizeInBytes: 10}

	require.Empty(t, changedFields(prior, fresh))

	fresh.SizeInBytes = 20
	fields := changedFields(prior, fresh)
	require.Equal(t, int64(20), fields["size_in_bytes"])
	require.Len(t, fields, 1)
}

func TestChangedFieldsDetectsNewInode(t *testing.T) {
	inode := int64(42)
	prior := storage.FilePath{Name: "a", Inode: nil}
	fresh := walkedEntry{Name: "a", Inode: &inode}

	fields := changedFields(prior, fresh)
	require.Equal(t, inode, fields["inode"])
}

func TestChangedFieldsIgnoresSameInode(t *testing.T) {
	inode := int64(7)
	otherInode := inode
	prior := storage.FilePath{Name: "a", Inode: &inode}
	fresh := walkedEntry{Name: "a", Inode: &otherInode}

	require.Empty(t, changedFields(prior, fresh))
}

func TestFlushChunkSkipsEmptyChunks(t *testing.T) {
	task := &WalkDirTask{}
	task.flushChunk(nil)
	require.Empty(t, task.chunks)

	task.toCreate = append(task.toCreate, PendingFile{Name: "x"})
	task.flushChunk(nil)
	require.Len(t, task.chunks, 1)
	require.Empty(t, task.toCreate)
}

func TestWalkDirTaskSerializeRoundTrips(t *testing.T) {
	loc := uuid.New()
	task := NewWalkDirTask(nil, loc, "/tmp/root", true, []string{"*.go"}, nil, nil)
	task.built = true
	task.cursor = 3
	task.entries = []walkedEntry{{MaterializedPath: "/tmp/root/a", Name: "a", ModTime: time.Now()}}
	task.existing = map[string]storage.FilePath{"/tmp/root/a": {Name: "a"}}
	task.seen = map[string]struct{}{"/tmp/root/a": {}}
	task.cumulativeSize = 99

	data, err := task.Serialize()
	require.NoError(t, err)

	resumed, err := DecodeWalkDirTask(nil, data, nil)
	require.NoError(t, err)
	require.True(t, resumed.built)
	require.Equal(t, 3, resumed.cursor)
	require.Equal(t, loc, resumed.LocationID)
	require.Equal(t, "/tmp/root", resumed.RootPath)
	require.True(t, resumed.Deep)
	require.Equal(t, int64(99), resumed.cumulativeSize)
	require.Contains(t, resumed.seen, "/tmp/root/a")
}

func TestWalkShallowListsOneLevelOnly(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "nested.txt"), []byte("n"), 0o644))

	entries, err := walkShallow(root, nil, nil)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	require.ElementsMatch(t, []string{"a.txt", "sub"}, names)
}

func TestWalkDeepDescendsAndSkipsExcludedDirs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "keep"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "skip"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "keep", "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skip", "b.txt"), []byte("b"), 0o644))

	entries, err := walkDeep(root, nil, []string{"skip"})
	require.NoError(t, err)

	var paths []string
	for _, e := range entries {
		paths = append(paths, e.MaterializedPath)
	}
	require.Contains(t, paths, filepath.Join(root, "keep"))
	require.Contains(t, paths, filepath.Join(root, "keep", "a.txt"))
	require.NotContains(t, paths, filepath.Join(root, "skip"))
	require.NotContains(t, paths, filepath.Join(root, "skip", "b.txt"))
}

func TestDecodeIndexerJobPicksTaskKindFromPersistedPhase(t *testing.T) {
	loc := uuid.New()

	jobBytesFor := func(state serializedIndexerState) []byte {
		data, err := msgpack.Marshal(state)
		require.NoError(t, err)
		return data
	}

	t.Run("no walk yet resumes the walk", func(t *testing.T) {
		walk := NewWalkDirTask(nil, loc, "/tmp/root", true, nil, nil, nil)
		walkBytes, err := walk.Serialize()
		require.NoError(t, err)

		j, err := decodeIndexerJob(jobBytesFor(serializedIndexerState{LocationID: loc}), [][]byte{walkBytes})
		require.NoError(t, err)
		ij := j.(*IndexerJob)
		require.NotNil(t, ij.resumedWalk)
		require.Nil(t, ij.resumedSave)
		require.Nil(t, ij.resumedUpdate)
	})

	t.Run("walk done, save not yet done resumes the save", func(t *testing.T) {
		save := NewSaveTask(nil, loc, []PendingFile{{Name: "a.txt"}}, nil, nil)
		saveBytes, err := save.Serialize()
		require.NoError(t, err)

		state := serializedIndexerState{
			LocationID: loc,
			WalkOutput: &WalkOutput{LocationID: loc, Chunks: []WalkChunk{{ToCreate: []PendingFile{{Name: "a.txt"}}}}},
		}
		j, err := decodeIndexerJob(jobBytesFor(state), [][]byte{saveBytes})
		require.NoError(t, err)
		ij := j.(*IndexerJob)
		require.Nil(t, ij.resumedWalk)
		require.NotNil(t, ij.resumedSave)
		require.Nil(t, ij.resumedUpdate)
	})

	t.Run("save done, update not yet done resumes the update", func(t *testing.T) {
		update := NewUpdateTask(nil, []PendingUpdate{{PubID: uuid.New(), Fields: map[string]interface{}{"name": "b.txt"}}}, nil, nil)
		updateBytes, err := update.Serialize()
		require.NoError(t, err)

		state := serializedIndexerState{
			LocationID: loc,
			WalkOutput: &WalkOutput{LocationID: loc, Chunks: []WalkChunk{{ToUpdate: []PendingUpdate{{PubID: uuid.New()}}}}},
			SaveDone:   true,
		}
		j, err := decodeIndexerJob(jobBytesFor(state), [][]byte{updateBytes})
		require.NoError(t, err)
		ij := j.(*IndexerJob)
		require.Nil(t, ij.resumedWalk)
		require.Nil(t, ij.resumedSave)
		require.NotNil(t, ij.resumedUpdate)
	})
}

func TestToWalkedEntryCapturesInode(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	info, err := os.Stat(path)
	require.NoError(t, err)

	e := toWalkedEntry("f.txt", path, info)
	require.Equal(t, int64(5), e.SizeInBytes)
	require.NotNil(t, e.Inode)
}
