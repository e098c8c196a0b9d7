package btree

import (
	"fmt"
	"os"
	"path/filepath"
)

// SaveToFile writes every node of t to file as consecutive 4 KiB pages and
// returns the byte offset of the root page. Children are written before
// their parents (post-order) so a parent's child-offset table can record
// already-known offsets (spec.md §4.C "save_node, load_node ... one node
// per 4 KiB page").
func (t *Tree) SaveToFile(f *os.File) (int64, error) {
	if err := f.Truncate(0); err != nil {
		return 0, fmt.Errorf("btree: truncate index file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return 0, fmt.Errorf("btree: seek index file: %w", err)
	}

	var offset int64
	var save func(n *Node) error
	save = func(n *Node) error {
		if n.Kind == NodeInternal {
			for _, c := range n.Children {
				if err := save(c); err != nil {
					return err
				}
			}
		}
		page, err := marshalPage(n)
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(page, offset); err != nil {
			return fmt.Errorf("btree: write page: %w", err)
		}
		n.offset = offset
		offset += pageSize
		return nil
	}

	if err := save(&t.root); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("btree: fsync index file: %w", err)
	}
	t.Meta.RootOffset = t.root.offset
	return t.root.offset, nil
}

// LoadFromFile reconstructs a Tree from an index file given its root
// offset and metadata (spec.md §4.C "load_from_file(file, metadata)").
func LoadFromFile(f *os.File, meta Metadata) (*Tree, error) {
	root, err := loadNode(f, meta.RootOffset)
	if err != nil {
		return nil, err
	}
	return &Tree{root: *root, Meta: meta}, nil
}

func loadNode(f *os.File, offset int64) (*Node, error) {
	page := make([]byte, pageSize)
	if _, err := f.ReadAt(page, offset); err != nil {
		return nil, fmt.Errorf("btree: read page at %d: %w", offset, err)
	}
	n, childOffsets, err := unmarshalPage(page)
	if err != nil {
		return nil, err
	}
	n.offset = offset
	if n.Kind == NodeInternal {
		n.Children = make([]*Node, len(childOffsets))
		for i, off := range childOffsets {
			child, err := loadNode(f, off)
			if err != nil {
				return nil, err
			}
			n.Children[i] = child
		}
	}
	return n, nil
}

// PrepareChanges writes the current tree state to "<base>.idx.tmp",
// fsyncs, and returns the temp path — Phase 1 of the two-phase commit
// surface spec.md §4.C and §4.F require. The base tree file on disk is
// left untouched.
func (t *Tree) PrepareChanges(basePath string) (string, error) {
	tmpPath := basePath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return "", fmt.Errorf("btree: create %s: %w", tmpPath, err)
	}
	defer f.Close()

	if _, err := t.SaveToFile(f); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// CommitPreparedChanges atomically renames tmpPath to finalPath — Phase 3
// of the two-phase commit (spec.md §4.F): "rename(temp_path, final_path).
// Atomic on a POSIX filesystem."
func CommitPreparedChanges(tmpPath, finalPath string) error {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("btree: ensure index dir: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("btree: commit index %s -> %s: %w", tmpPath, finalPath, err)
	}
	return nil
}

// RollbackPreparedChanges unlinks tmpPath if present (spec.md §4.C
// "rollback_prepared_changes").
func RollbackPreparedChanges(tmpPath string) error {
	if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("btree: rollback %s: %w", tmpPath, err)
	}
	return nil
}
