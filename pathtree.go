package blobpack

import (
	"context"
	"fmt"
	"strings"
)

// NodeID addresses a directory in a PathTree.
type NodeID int32

// FileID addresses a file in a PathTree.
type FileID int32

// RootNode is the ID of a tree's base directory.
const RootNode NodeID = 0

// dirNode is one directory slot of the arena.
type dirNode struct {
	name     string
	parent   NodeID
	children []NodeID
	files    []FileID
	dirIndex map[string]NodeID
	fileIdx  map[string]FileID
	dbID     int64
}

// TreeFile is one file slot of a PathTree. Size, Hash and Mime are filled in
// after hashing.
type TreeFile struct {
	Name string
	Dir  NodeID
	Path string // source path as added
	Size int64
	Hash Digest
	Mime string
	Err  error
}

// PathTree is the in-memory directory tree of one import root. Nodes live in
// flat slices and refer to each other by index.
type PathTree struct {
	base  string
	dirs  []dirNode
	files []TreeFile
}

// NewPathTree creates a tree whose root directory is base.
func NewPathTree(base string) *PathTree {
	base = normalizePath(base)
	return &PathTree{
		base: base,
		dirs: []dirNode{{name: base, parent: -1}},
	}
}

// Base returns the root directory path.
func (t *PathTree) Base() string {
	return t.base
}

// GetOrAdd returns the file node for path, creating any missing directories.
// path must lie below the tree's base.
func (t *PathTree) GetOrAdd(path string) (FileID, error) {
	rel, ok := t.relative(normalizePath(path))
	if !ok {
		return -1, fmt.Errorf("path %q is outside %q", path, t.base)
	}
	segments := splitSegments(rel)
	if len(segments) == 0 {
		return -1, fmt.Errorf("path %q names the tree root", path)
	}

	dir := RootNode
	for _, seg := range segments[:len(segments)-1] {
		dir = t.getOrAddDir(dir, seg)
	}

	name := segments[len(segments)-1]
	node := &t.dirs[dir]
	if id, ok := node.fileIdx[name]; ok {
		return id, nil
	}
	id := FileID(len(t.files))
	t.files = append(t.files, TreeFile{Name: name, Dir: dir, Path: path})
	if node.fileIdx == nil {
		node.fileIdx = make(map[string]FileID)
	}
	node.fileIdx[name] = id
	node.files = append(node.files, id)
	return id, nil
}

func (t *PathTree) getOrAddDir(parent NodeID, name string) NodeID {
	if id, ok := t.dirs[parent].dirIndex[name]; ok {
		return id
	}
	id := NodeID(len(t.dirs))
	t.dirs = append(t.dirs, dirNode{name: name, parent: parent})

	p := &t.dirs[parent]
	if p.dirIndex == nil {
		p.dirIndex = make(map[string]NodeID)
	}
	p.dirIndex[name] = id
	p.children = append(p.children, id)
	return id
}

// relative strips the base from p.
func (t *PathTree) relative(p string) (string, bool) {
	if p == t.base {
		return "", true
	}
	prefix := t.base
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return p[len(prefix):], true
}

// File returns the file slot for id. The pointer stays valid until the next GetOrAdd.
func (t *PathTree) File(id FileID) *TreeFile {
	return &t.files[id]
}

// FileCount returns the number of files in the tree.
func (t *PathTree) FileCount() int {
	return len(t.files)
}

// DirCount returns the number of directories, including the root.
func (t *PathTree) DirCount() int {
	return len(t.dirs)
}

// DirName returns the name of directory id.
func (t *PathTree) DirName(id NodeID) string {
	return t.dirs[id].name
}

// DirParent returns the parent of id, or -1 for the root.
func (t *PathTree) DirParent(id NodeID) NodeID {
	return t.dirs[id].parent
}

// Children returns the subdirectories of id in insertion order.
func (t *PathTree) Children(id NodeID) []NodeID {
	return t.dirs[id].children
}

// DirDBID returns the store ID assigned by Persist, or 0.
func (t *PathTree) DirDBID(id NodeID) int64 {
	return t.dirs[id].dbID
}

// DirPath rebuilds the full path of directory id.
func (t *PathTree) DirPath(id NodeID) string {
	var parts []string
	for ; id >= 0; id = t.dirs[id].parent {
		parts = append(parts, t.dirs[id].name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return joinTreePath(parts)
}

// Levels returns directory IDs grouped by depth, breadth-first.
func (t *PathTree) Levels() [][]NodeID {
	var levels [][]NodeID
	level := []NodeID{RootNode}
	for len(level) > 0 {
		levels = append(levels, level)
		var next []NodeID
		for _, id := range level {
			next = append(next, t.dirs[id].children...)
		}
		level = next
	}
	return levels
}

// Persist inserts every directory into store one depth level at a time, so a
// directory's parent always has its ID before the directory is inserted.
func (t *PathTree) Persist(ctx context.Context, store MetadataStore) error {
	for depth, level := range t.Levels() {
		rows := make([]DirectoryRow, len(level))
		for i, id := range level {
			d := t.dirs[id]
			row := DirectoryRow{Name: d.name}
			if d.parent >= 0 {
				row.ParentID = t.dirs[d.parent].dbID
				if row.ParentID == 0 {
					return fmt.Errorf("directory %q: %w", t.DirPath(id), ErrParentUnassigned)
				}
			}
			rows[i] = row
		}

		ids, err := store.InsertDirectories(ctx, rows)
		if err != nil {
			return fmt.Errorf("persist directory level %d: %w", depth, err)
		}
		if len(ids) != len(rows) {
			return fmt.Errorf("persist directory level %d: store returned %d ids for %d rows", depth, len(ids), len(rows))
		}
		for i, id := range level {
			t.dirs[id].dbID = ids[i]
		}
	}
	return nil
}

func splitSegments(rel string) []string {
	var out []string
	for _, s := range strings.Split(rel, "/") {
		if s != "" && s != "." {
			out = append(out, s)
		}
	}
	return out
}

// joinTreePath joins a root name and child names with "/".
func joinTreePath(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	root := parts[0]
	if len(parts) == 1 {
		return root
	}
	rest := strings.Join(parts[1:], "/")
	if strings.HasSuffix(root, "/") {
		return root + rest
	}
	return root + "/" + rest
}
