package table

import (
	iradix "github.com/hashicorp/go-immutable-radix/v2"

	"github.com/maxd13/user-scheduler/pkg/proc"
)

// pathIndex maps executable paths to real-time processes for reference
// resolution and duplicate rejection. Absolute paths (leading '/') and
// relative paths live in separate trees, each created on first use. The
// index mirrors the real-time set exactly; it aliases processes owned by the
// set and never frees them.
type pathIndex struct {
	absolute *iradix.Tree[*proc.Process]
	relative *iradix.Tree[*proc.Process]
}

func (x *pathIndex) tree(path string) **iradix.Tree[*proc.Process] {
	if len(path) > 0 && path[0] == '/' {
		return &x.absolute
	}

	return &x.relative
}

// insertUnique maps path to p. It returns false, leaving the index
// untouched, if a mapping already exists at that key.
func (x *pathIndex) insertUnique(path string, p *proc.Process) bool {
	tree := x.tree(path)
	if *tree == nil {
		*tree = iradix.New[*proc.Process]()
	}

	next, _, existed := (*tree).Insert([]byte(path), p)
	if existed {
		return false
	}

	*tree = next

	return true
}

// lookup returns the process mapped at path, choosing the tree by the
// leading byte.
func (x *pathIndex) lookup(path string) (*proc.Process, bool) {
	tree := *x.tree(path)
	if tree == nil {
		return nil, false
	}

	return tree.Get([]byte(path))
}

// size returns the number of indexed paths across both trees.
func (x *pathIndex) size() int {
	var n int

	if x.absolute != nil {
		n += x.absolute.Len()
	}

	if x.relative != nil {
		n += x.relative.Len()
	}

	return n
}
