package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesRootInode(t *testing.T) {
	s := newTestStore(t)
	err := s.View(func(tx *Tx) error {
		row, err := tx.GetInode(RootID)
		require.NoError(t, err)
		assert.Equal(t, RootID, row.ID)

		dotdot, err := tx.GetAnyContentsRowByInode(RootID)
		require.NoError(t, err)
		assert.Equal(t, RootID, dotdot.ParentInode)
		assert.Equal(t, "..", string(dotdot.Name))
		return nil
	})
	require.NoError(t, err)
}

func TestInsertInodeAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	var id1, id2 uint64
	err := s.Update(func(tx *Tx) error {
		var err error
		id1, err = tx.InsertInode(Inode{Mode: 0100644})
		if err != nil {
			return err
		}
		id2, err = tx.InsertInode(Inode{Mode: 0100644})
		return err
	})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)
	assert.NotEqual(t, RootID, id1)
}

func TestContentsUniqueKeyAndLookup(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(func(tx *Tx) error {
		id, err := tx.InsertInode(Inode{Mode: 0100644})
		if err != nil {
			return err
		}
		if _, err := tx.InsertContents([]byte("a.txt"), id, RootID); err != nil {
			return err
		}
		row, err := tx.GetContentsByNameParent([]byte("a.txt"), RootID)
		if err != nil {
			return err
		}
		assert.Equal(t, id, row.Inode)
		return nil
	})
	require.NoError(t, err)
}

func TestGetContentsByNameParentMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.View(func(tx *Tx) error {
		_, err := tx.GetContentsByNameParent([]byte("nope"), RootID)
		assert.ErrorIs(t, err, ErrNoSuchRow)
		return nil
	})
	require.NoError(t, err)
}

func TestListContentsByParentOrdersByRowID(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(func(tx *Tx) error {
		for _, name := range []string{"c", "a", "b"} {
			id, err := tx.InsertInode(Inode{Mode: 0100644})
			if err != nil {
				return err
			}
			if _, err := tx.InsertContents([]byte(name), id, RootID); err != nil {
				return err
			}
		}
		rows, err := tx.ListContentsByParent(RootID, 0)
		if err != nil {
			return err
		}
		// insertion order is c, a, b - rowid order must match insertion order,
		// plus the pre-existing root ".." row from Open().
		require.Len(t, rows, 4)
		assert.Equal(t, "..", string(rows[0].Name))
		assert.Equal(t, "c", string(rows[1].Name))
		assert.Equal(t, "a", string(rows[2].Name))
		assert.Equal(t, "b", string(rows[3].Name))
		return nil
	})
	require.NoError(t, err)
}

func TestRenameContentsMovesSecondaryIndexes(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(func(tx *Tx) error {
		dirID, err := tx.InsertInode(Inode{Mode: 0040755})
		if err != nil {
			return err
		}
		if _, err := tx.InsertContents([]byte("dir"), dirID, RootID); err != nil {
			return err
		}
		fileID, err := tx.InsertInode(Inode{Mode: 0100644})
		if err != nil {
			return err
		}
		rowid, err := tx.InsertContents([]byte("f"), fileID, RootID)
		if err != nil {
			return err
		}
		if err := tx.RenameContents(rowid, []byte("f2"), dirID); err != nil {
			return err
		}

		_, err = tx.GetContentsByNameParent([]byte("f"), RootID)
		assert.ErrorIs(t, err, ErrNoSuchRow)

		moved, err := tx.GetContentsByNameParent([]byte("f2"), dirID)
		require.NoError(t, err)
		assert.Equal(t, fileID, moved.Inode)
		return nil
	})
	require.NoError(t, err)
}

func TestMessageMappingOrderingAndDeletion(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(func(tx *Tx) error {
		id, err := tx.InsertInode(Inode{Mode: 0100644})
		if err != nil {
			return err
		}
		if err := tx.InsertMessages(id, []int64{10, 11, 12}); err != nil {
			return err
		}
		ids, err := tx.GetMessageIDsForInode(id)
		if err != nil {
			return err
		}
		assert.Equal(t, []int64{10, 11, 12}, ids)

		deleted, err := tx.DeleteMessagesForInode(id)
		if err != nil {
			return err
		}
		assert.Equal(t, []int64{10, 11, 12}, deleted)

		_, err = tx.GetMessageIDsForInode(id)
		assert.ErrorIs(t, err, ErrNoSuchRow)
		return nil
	})
	require.NoError(t, err)
}

func TestCountContentsByInodeIsNlink(t *testing.T) {
	s := newTestStore(t)
	err := s.Update(func(tx *Tx) error {
		id, err := tx.InsertInode(Inode{Mode: 0100644})
		if err != nil {
			return err
		}
		if _, err := tx.InsertContents([]byte("one"), id, RootID); err != nil {
			return err
		}
		count, err := tx.CountContentsByInode(id)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, count)

		if _, err := tx.InsertContents([]byte("two"), id, RootID); err != nil {
			return err
		}
		count, err = tx.CountContentsByInode(id)
		if err != nil {
			return err
		}
		assert.Equal(t, 2, count)
		return nil
	})
	require.NoError(t, err)
}
