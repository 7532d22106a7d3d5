package btrfs

import (
	"github.com/containerd/log"
)

// Traversal bounds for corrupted trees.
const maxTreeDepth = 100

// treeIterator descends from a tree root and yields leaf items in key
// order. Nodes failing their checksum are logged and their subtrees
// skipped; the iteration continues with the next sibling. A visited set
// keyed by logical byte address guards against cycles in corrupted images.
type treeIterator struct {
	eng     *Engine
	stack   []iterFrame
	visited map[uint64]bool
}

type iterFrame struct {
	items []Item  // leaf items pending emission
	ptrs  []keyPtr // internal children pending descent
	next  int
	level int
}

func newTreeIterator(e *Engine, rootBytenr uint64, rootLevel int) *treeIterator {
	it := &treeIterator{eng: e, visited: make(map[uint64]bool)}
	it.push(rootBytenr, rootLevel, 0)
	return it
}

func (it *treeIterator) push(bytenr uint64, expectLevel, depth int) {
	if depth > maxTreeDepth {
		log.L.WithField("bytenr", bytenr).Warn("btrfs: tree depth limit exceeded")
		return
	}
	if it.visited[bytenr] {
		log.L.WithField("bytenr", bytenr).Warn("btrfs: tree cycle detected")
		return
	}
	it.visited[bytenr] = true

	n, err := it.eng.readNode(bytenr)
	if err != nil {
		// An opaque node demotes its whole subtree; siblings continue.
		log.L.WithError(err).WithField("bytenr", bytenr).Warn("btrfs: skipping opaque tree node")
		return
	}
	if expectLevel >= 0 && int(n.Level) != expectLevel {
		log.L.WithFields(log.Fields{"bytenr": bytenr, "level": n.Level, "expected": expectLevel}).
			Warn("btrfs: node level mismatch")
		return
	}
	if n.Level == 0 {
		it.stack = append(it.stack, iterFrame{items: n.items(), level: 0})
	} else {
		it.stack = append(it.stack, iterFrame{ptrs: n.keyPtrs(), level: int(n.Level)})
	}
}

// Next yields the next leaf item in key order.
func (it *treeIterator) Next() (Item, bool) {
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.items != nil {
			if top.next < len(top.items) {
				item := top.items[top.next]
				top.next++
				return item, true
			}
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}
		if top.next < len(top.ptrs) {
			ptr := top.ptrs[top.next]
			top.next++
			it.push(ptr.BlockPtr, top.level-1, len(it.stack))
			continue
		}
		it.stack = it.stack[:len(it.stack)-1]
	}
	return Item{}, false
}
