package blobpack

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Insert(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	roots, err := store.InsertDirectories(ctx, []DirectoryRow{{Name: "/data"}})
	if err != nil {
		t.Fatalf("InsertDirectories() error = %v", err)
	}
	children, err := store.InsertDirectories(ctx, []DirectoryRow{
		{Name: "a", ParentID: roots[0]},
		{Name: "b", ParentID: roots[0]},
	})
	if err != nil {
		t.Fatalf("InsertDirectories() error = %v", err)
	}
	if len(children) != 2 || children[0] == children[1] {
		t.Fatalf("got ids %v", children)
	}

	hash := Digest("\x01\x02\x03")
	for i := 0; i < 2; i++ {
		if err := store.InsertBlob(ctx, BlobRow{ID: 1, Hash: hash, Size: 3}); err != nil {
			t.Fatalf("InsertBlob() attempt %d error = %v", i, err)
		}
	}

	err = store.InsertFiles(ctx, []FileRecord{
		{Name: "one", Extension: "txt", Mime: "text/plain", BlobID: 1, DirectoryID: children[0]},
		{Name: "two", Extension: "txt", Mime: "text/plain", BlobID: 1, DirectoryID: children[1]},
	})
	if err != nil {
		t.Fatalf("InsertFiles() error = %v", err)
	}

	var blobs, files int
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM blobs").Scan(&blobs); err != nil {
		t.Fatal(err)
	}
	if err := store.DB().QueryRow("SELECT COUNT(*) FROM files").Scan(&files); err != nil {
		t.Fatal(err)
	}
	if blobs != 1 || files != 2 {
		t.Errorf("blobs = %d, files = %d, want 1 and 2", blobs, files)
	}

	var parent sql.NullInt64
	if err := store.DB().QueryRow("SELECT parent_id FROM directories WHERE id = ?", roots[0]).Scan(&parent); err != nil {
		t.Fatal(err)
	}
	if parent.Valid {
		t.Errorf("root directory has parent %d", parent.Int64)
	}
}

func TestSQLiteStore_TrailingDotNames(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	dirs, err := store.InsertDirectories(ctx, []DirectoryRow{{Name: "/r"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.InsertBlob(ctx, BlobRow{ID: 1, Hash: Digest("\x01"), Size: 1}); err != nil {
		t.Fatal(err)
	}

	var records []FileRecord
	for _, name := range []string{"x", "x.", "x.."} {
		stem, ext := SplitExtension(name)
		records = append(records, FileRecord{Name: stem, Extension: ext, BlobID: 1, DirectoryID: dirs[0]})
	}
	if err := store.InsertFiles(ctx, records); err != nil {
		t.Fatalf("InsertFiles() error = %v", err)
	}

	rows, err := store.DB().Query("SELECT name, extension FROM files ORDER BY id")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var stem, ext string
		if err := rows.Scan(&stem, &ext); err != nil {
			t.Fatal(err)
		}
		names = append(names, JoinExtension(stem, ext))
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 || names[0] != "x" || names[1] != "x." || names[2] != "x.." {
		t.Errorf("stored names = %q, want x, x. and x..", names)
	}
}

func TestSQLiteStore_Constraints(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.InsertDirectories(ctx, []DirectoryRow{{Name: "orphan", ParentID: 99}}); err == nil {
		t.Error("InsertDirectories() with unknown parent should fail")
	}

	err := store.InsertFiles(ctx, []FileRecord{{Name: "x", BlobID: 42, DirectoryID: 42}})
	if err == nil {
		t.Error("InsertFiles() with unknown references should fail")
	}
}

func TestSQLiteStore_PersistTree(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	tree := NewPathTree("/data")
	for _, p := range []string{"/data/a/b/f.txt", "/data/a/g.txt", "/data/c/h.txt"} {
		if _, err := tree.GetOrAdd(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := tree.Persist(ctx, store); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}

	var name string
	var parent int64
	b := tree.Children(tree.Children(RootNode)[0])[0]
	err := store.DB().QueryRow("SELECT name, parent_id FROM directories WHERE id = ?", tree.DirDBID(b)).Scan(&name, &parent)
	if err != nil {
		t.Fatal(err)
	}
	if name != "b" || parent != tree.DirDBID(tree.DirParent(b)) {
		t.Errorf("row = %s/%d, want b under %d", name, parent, tree.DirDBID(tree.DirParent(b)))
	}
}

func TestSQLiteStore_Export(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	if _, err := store.InsertDirectories(ctx, []DirectoryRow{{Name: "/root"}}); err != nil {
		t.Fatal(err)
	}

	memFs := afero.NewMemMapFs()
	if err := store.Export(ctx, memFs, "/out/index.db"); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	data, err := afero.ReadFile(memFs, "/out/index.db")
	if err != nil {
		t.Fatal(err)
	}

	// Reopen the exported bytes as a database.
	copyPath := filepath.Join(t.TempDir(), "copy.db")
	if err := os.WriteFile(copyPath, data, 0o644); err != nil {
		t.Fatal(err)
	}
	exported, err := OpenSQLiteStore(copyPath)
	if err != nil {
		t.Fatalf("exported index does not open: %v", err)
	}
	defer exported.Close()

	var name string
	if err := exported.DB().QueryRow("SELECT name FROM directories").Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "/root" {
		t.Errorf("exported directory = %s, want /root", name)
	}
}

func TestSQLiteStore_TemporaryPath(t *testing.T) {
	store, err := OpenSQLiteStore("")
	if err != nil {
		t.Fatalf("OpenSQLiteStore() error = %v", err)
	}
	p := store.Path()
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("database file missing: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := os.Stat(filepath.Dir(p)); !os.IsNotExist(err) {
		t.Errorf("temporary directory still exists: %v", err)
	}
}
