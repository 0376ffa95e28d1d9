// Package store is the metadata store (MS): a bbolt-backed relational-ish
// layout holding the inode, directory-contents and message-mapping tables
// described alongside the filesystem operations that use them.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNoSuchRow mirrors the source's NoSuchRowError: a query that was
// expected to return exactly one (or at least one) row returned none.
var ErrNoSuchRow = errors.New("store: no such row")

// ErrNoUniqueValue mirrors the source's NoUniqueValueError: a query that
// was expected to return at most one row returned more than one.
var ErrNoUniqueValue = errors.New("store: query did not produce a unique row")

// RootID is the inode id of the filesystem root, matching pyfuse3.ROOT_INODE.
const RootID uint64 = 1

const (
	modeDir = 1 << 14 // S_IFDIR
)

var (
	bucketInodes            = []byte("inodes")
	bucketContents          = []byte("contents")
	bucketContentsByKey     = []byte("contents_by_key")
	bucketContentsByParent  = []byte("contents_by_parent")
	bucketMessages          = []byte("messages")
	bucketMessagesByInode   = []byte("messages_by_inode")
)

// Inode is a row of the inodes table: POSIX metadata for one filesystem
// object, independent of how many directory entries point at it.
type Inode struct {
	ID      uint64
	UID     uint32
	GID     uint32
	Mode    uint32
	MtimeNS int64
	AtimeNS int64
	CtimeNS int64
	Size    uint64
	Rdev    uint32
	Target  []byte // nil unless this is a symlink
}

// ContentsRow is a row of the contents table: one directory entry, mapping
// a (parent, name) pair to the inode it names.
type ContentsRow struct {
	RowID       uint64
	Name        []byte
	Inode       uint64
	ParentInode uint64
}

// Store owns the bbolt handle and provides transactional access to the
// three logical tables.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the metadata store at path, creates the
// tables if they don't exist, and inserts the root inode + its
// self-referential ".." entry on first run.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	err = db.Update(func(btx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketInodes, bucketContents, bucketContentsByKey,
			bucketContentsByParent, bucketMessages, bucketMessagesByInode,
		} {
			if _, err := btx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		inodes := btx.Bucket(bucketInodes)
		if inodes.Get(itob(RootID)) != nil {
			// already initialized
			return nil
		}

		now := time.Now().UnixNano()
		root := Inode{
			ID:      RootID,
			UID:     uint32(os.Getuid()),
			GID:     uint32(os.Getgid()),
			Mode:    modeDir | 0755,
			MtimeNS: now,
			AtimeNS: now,
			CtimeNS: now,
		}
		data, err := json.Marshal(root)
		if err != nil {
			return err
		}
		if err := inodes.Put(itob(RootID), data); err != nil {
			return err
		}
		// force the sequence past RootID so InsertInode never collides with it
		if _, err := inodes.NextSequence(); err != nil {
			return err
		}

		tx := &Tx{tx: btx}
		_, err = tx.InsertContents([]byte(".."), RootID, RootID)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying bbolt file cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a handle to a single transaction: callers do all of their reads and
// writes for one filesystem operation inside one Update/View call, and an
// error return rolls the whole thing back.
type Tx struct {
	tx *bolt.Tx
}

// Update runs fn in a read-write transaction. If fn returns an error, all
// writes made during fn are rolled back (bbolt's native behavior).
func (s *Store) Update(fn func(*Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(*Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func i64tob(v int64) []byte {
	return itob(uint64(v))
}

func btoi64(b []byte) int64 {
	return int64(btoi(b))
}

// --- inodes table ---------------------------------------------------------

// GetInode returns the unique inodes row for id, or ErrNoSuchRow.
func (t *Tx) GetInode(id uint64) (*Inode, error) {
	data := t.tx.Bucket(bucketInodes).Get(itob(id))
	if data == nil {
		return nil, ErrNoSuchRow
	}
	var row Inode
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// InsertInode assigns a fresh id (last_insert_id()) and stores row under it.
func (t *Tx) InsertInode(row Inode) (uint64, error) {
	b := t.tx.Bucket(bucketInodes)
	id, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	row.ID = id
	data, err := json.Marshal(row)
	if err != nil {
		return 0, err
	}
	return id, b.Put(itob(id), data)
}

// UpdateInode loads the row for id, applies mutate, and persists the result.
// Fails with ErrNoSuchRow if the inode doesn't exist.
func (t *Tx) UpdateInode(id uint64, mutate func(*Inode)) error {
	row, err := t.GetInode(id)
	if err != nil {
		return err
	}
	mutate(row)
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketInodes).Put(itob(id), data)
}

// DeleteInode removes the inodes row for id. Not an error if absent -
// callers are expected to have already verified existence via GetInode.
func (t *Tx) DeleteInode(id uint64) error {
	return t.tx.Bucket(bucketInodes).Delete(itob(id))
}

// Stats sums inode sizes and counts inodes, backing statfs().
func (t *Tx) Stats() (totalSize uint64, count uint64, err error) {
	err = t.tx.Bucket(bucketInodes).ForEach(func(_, v []byte) error {
		var row Inode
		if err := json.Unmarshal(v, &row); err != nil {
			return err
		}
		totalSize += row.Size
		count++
		return nil
	})
	return totalSize, count, err
}

// --- contents table --------------------------------------------------------

func contentsKey(parent uint64, name []byte) []byte {
	key := make([]byte, 8+len(name))
	binary.BigEndian.PutUint64(key, parent)
	copy(key[8:], name)
	return key
}

func contentsByParentKey(parent, rowid uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], parent)
	binary.BigEndian.PutUint64(key[8:], rowid)
	return key
}

// GetContentsRow returns the contents row with the given rowid.
func (t *Tx) GetContentsRow(rowid uint64) (*ContentsRow, error) {
	data := t.tx.Bucket(bucketContents).Get(itob(rowid))
	if data == nil {
		return nil, ErrNoSuchRow
	}
	var row ContentsRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	return &row, nil
}

// GetContentsByNameParent resolves the (name, parent_inode) unique index.
func (t *Tx) GetContentsByNameParent(name []byte, parent uint64) (*ContentsRow, error) {
	rowidBytes := t.tx.Bucket(bucketContentsByKey).Get(contentsKey(parent, name))
	if rowidBytes == nil {
		return nil, ErrNoSuchRow
	}
	return t.GetContentsRow(btoi(rowidBytes))
}

// GetAnyContentsRowByInode returns one contents row whose Inode field is
// inode - the row that binds inode into its parent directory. Used to
// resolve "..", to find a directory's own parent, and to recover a
// filename for an inode when flushing content (any one row is fine even if
// multiple hard links exist).
func (t *Tx) GetAnyContentsRowByInode(inode uint64) (*ContentsRow, error) {
	c := t.tx.Bucket(bucketContents).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var row ContentsRow
		if err := json.Unmarshal(v, &row); err != nil {
			return nil, err
		}
		if row.Inode == inode {
			return &row, nil
		}
	}
	return nil, ErrNoSuchRow
}

// CountContentsByInode returns st_nlink: how many contents rows reference
// inode as their child.
func (t *Tx) CountContentsByInode(inode uint64) (int, error) {
	count := 0
	c := t.tx.Bucket(bucketContents).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var row ContentsRow
		if err := json.Unmarshal(v, &row); err != nil {
			return 0, err
		}
		if row.Inode == inode {
			count++
		}
	}
	return count, nil
}

// CountContentsByParent returns the number of children of parent (used to
// test emptiness for rmdir/ENOTEMPTY checks).
func (t *Tx) CountContentsByParent(parent uint64) (int, error) {
	rows, err := t.ListContentsByParent(parent, 0)
	if err != nil && !errors.Is(err, ErrNoSuchRow) {
		return 0, err
	}
	return len(rows), nil
}

// ListContentsByParent lists contents rows with parent_inode = parent and
// rowid > afterRowID, in ascending rowid order - the readdir query.
func (t *Tx) ListContentsByParent(parent uint64, afterRowID uint64) ([]ContentsRow, error) {
	c := t.tx.Bucket(bucketContentsByParent).Cursor()
	prefix := itob(parent)
	var rows []ContentsRow
	for k, _ := c.Seek(prefix); k != nil && len(k) == 16 && binary.BigEndian.Uint64(k[:8]) == parent; k, _ = c.Next() {
		rowid := binary.BigEndian.Uint64(k[8:])
		if rowid <= afterRowID {
			continue
		}
		row, err := t.GetContentsRow(rowid)
		if err != nil {
			return nil, err
		}
		rows = append(rows, *row)
	}
	return rows, nil
}

// InsertContents inserts a new (name, inode, parent_inode) binding and
// returns its rowid. Callers must have already checked uniqueness if they
// care about it (the store itself will happily overwrite the index entry,
// matching a "last insert wins" UNIQUE violation only being checked by the
// caller, as in the source which relies on the UNIQUE(name,parent_inode)
// SQL constraint - here enforced by GetContentsByNameParent checks upstream
// of InsertContents in FSO).
func (t *Tx) InsertContents(name []byte, inode, parent uint64) (uint64, error) {
	b := t.tx.Bucket(bucketContents)
	rowid, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	row := ContentsRow{RowID: rowid, Name: name, Inode: inode, ParentInode: parent}
	data, err := json.Marshal(row)
	if err != nil {
		return 0, err
	}
	if err := b.Put(itob(rowid), data); err != nil {
		return 0, err
	}
	if err := t.tx.Bucket(bucketContentsByKey).Put(contentsKey(parent, name), itob(rowid)); err != nil {
		return 0, err
	}
	return rowid, t.tx.Bucket(bucketContentsByParent).Put(contentsByParentKey(parent, rowid), []byte{})
}

// DeleteContentsRow removes a single contents row (and its secondary index
// entries) by rowid.
func (t *Tx) DeleteContentsRow(rowid uint64) error {
	row, err := t.GetContentsRow(rowid)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketContents).Delete(itob(rowid)); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketContentsByKey).Delete(contentsKey(row.ParentInode, row.Name)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketContentsByParent).Delete(contentsByParentKey(row.ParentInode, rowid))
}

// DeleteContentsByNameParent is a convenience wrapper used by unlink/rmdir.
func (t *Tx) DeleteContentsByNameParent(name []byte, parent uint64) error {
	row, err := t.GetContentsByNameParent(name, parent)
	if err != nil {
		return err
	}
	return t.DeleteContentsRow(row.RowID)
}

// RenameContents moves a contents row to a new (name, parent_inode) in
// place - the non-replace branch of rename().
func (t *Tx) RenameContents(rowid uint64, newName []byte, newParent uint64) error {
	row, err := t.GetContentsRow(rowid)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketContentsByKey).Delete(contentsKey(row.ParentInode, row.Name)); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketContentsByParent).Delete(contentsByParentKey(row.ParentInode, rowid)); err != nil {
		return err
	}
	row.Name = newName
	row.ParentInode = newParent
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketContents).Put(itob(rowid), data); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketContentsByKey).Put(contentsKey(newParent, newName), itob(rowid)); err != nil {
		return err
	}
	return t.tx.Bucket(bucketContentsByParent).Put(contentsByParentKey(newParent, rowid), []byte{})
}

// RetargetContents points an existing contents row at a different child
// inode - used by rename's _replace path, which keeps the destination's
// (name, parent_inode) but swaps in the source inode.
func (t *Tx) RetargetContents(rowid uint64, newInode uint64) error {
	row, err := t.GetContentsRow(rowid)
	if err != nil {
		return err
	}
	row.Inode = newInode
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketContents).Put(itob(rowid), data)
}

// --- telegram_messages table ------------------------------------------------

// GetMessageIDsForInode returns the message ids for inode, in ascending
// (insertion) order. Returns ErrNoSuchRow if there are none, matching
// get_rows()'s "zero rows" failure mode.
func (t *Tx) GetMessageIDsForInode(inode uint64) ([]int64, error) {
	c := t.tx.Bucket(bucketMessagesByInode).Cursor()
	prefix := itob(inode)
	var ids []int64
	for k, _ := c.Seek(prefix); k != nil && len(k) == 16 && binary.BigEndian.Uint64(k[:8]) == inode; k, _ = c.Next() {
		ids = append(ids, btoi64(k[8:]))
	}
	if len(ids) == 0 {
		return nil, ErrNoSuchRow
	}
	return ids, nil
}

// InsertMessages records a batch of remote message ids as belonging to inode.
func (t *Tx) InsertMessages(inode uint64, ids []int64) error {
	for _, id := range ids {
		if err := t.tx.Bucket(bucketMessages).Put(i64tob(id), itob(inode)); err != nil {
			return err
		}
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key[:8], inode)
		binary.BigEndian.PutUint64(key[8:], uint64(id))
		if err := t.tx.Bucket(bucketMessagesByInode).Put(key, []byte{}); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMessagesForInode removes all message-mapping rows for inode and
// returns the ids that were deleted, so the caller can ask the ROC to
// delete the corresponding remote objects.
func (t *Tx) DeleteMessagesForInode(inode uint64) ([]int64, error) {
	ids, err := t.GetMessageIDsForInode(inode)
	if err != nil {
		if errors.Is(err, ErrNoSuchRow) {
			return nil, nil
		}
		return nil, err
	}
	for _, id := range ids {
		if err := t.tx.Bucket(bucketMessages).Delete(i64tob(id)); err != nil {
			return nil, err
		}
		key := make([]byte, 16)
		binary.BigEndian.PutUint64(key[:8], inode)
		binary.BigEndian.PutUint64(key[8:], uint64(id))
		if err := t.tx.Bucket(bucketMessagesByInode).Delete(key); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
