// Package tree projects a flat sequence of key names into a hierarchy.
//
// Keys are split at a separator (":" by convention). Every shared prefix
// becomes a folder, every key a leaf:
//
//	user:1:name, user:1:mail, user:2:name, config
//
//	config                (leaf)
//	user                  (folder, 2 children, 3 keys)
//	  1                   (folder)
//	    mail              (leaf, user:1:mail)
//	    name              (leaf, user:1:name)
//	  2                   (folder)
//	    name              (leaf, user:2:name)
//
// The projection is pure and cheap enough to be recomputed on every render;
// nodes are never mutated after Project returns.
package tree

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// DefaultSeparator is the conventional namespace separator of key names
const DefaultSeparator = ":"

// Node is a folder (shared prefix) or a leaf (a key)
type Node struct {
	// Name is the path segment of this node
	Name string `json:"name"`
	// FullPath is the key of a leaf or the prefix of a folder (without trailing separator)
	FullPath string `json:"fullPath"`
	// Level is the nesting depth, 0 for top level nodes
	Level int `json:"level"`
	// IsFolder distinguishes folders from leaves. A key that is also a prefix of
	// other keys yields a leaf and a folder with the same FullPath.
	IsFolder bool `json:"isFolder"`
	// ChildCount is the number of direct children of a folder
	ChildCount int `json:"childCount,omitempty"`
	// KeyCount is the number of keys below a folder
	KeyCount int `json:"keyCount,omitempty"`
	// Children of a folder, folders first, then by name
	Children []*Node `json:"children,omitempty"`
}

// folder is the mutable form of a folder node while building
type folder struct {
	node    *Node
	folders map[string]*folder
	leaves  map[string]*Node
}

func newFolder(node *Node) *folder {
	return &folder{
		node:    node,
		folders: make(map[string]*folder),
		leaves:  make(map[string]*Node),
	}
}

// Project builds the tree of keys. An empty separator yields a flat list of leaves.
// Duplicate keys are projected once.
func Project(keys []string, separator string) []*Node {
	root := newFolder(&Node{Level: -1, IsFolder: true})

	for _, key := range keys {
		segments := []string{key}
		if separator != "" {
			segments = strings.Split(key, separator)
		}

		current := root
		for i, segment := range segments[:len(segments)-1] {
			next, ok := current.folders[segment]
			if !ok {
				next = newFolder(&Node{
					Name:     segment,
					FullPath: strings.Join(segments[:i+1], separator),
					Level:    i,
					IsFolder: true,
				})
				current.folders[segment] = next
			}
			current = next
		}

		name := segments[len(segments)-1]
		if _, exists := current.leaves[name]; exists {
			continue
		}
		current.leaves[name] = &Node{
			Name:     name,
			FullPath: key,
			Level:    len(segments) - 1,
		}
	}

	return root.seal()
}

// seal converts the folder into sorted nodes and fills the counters
func (f *folder) seal() []*Node {
	children := make([]*Node, 0, len(f.folders)+len(f.leaves))
	keys := len(f.leaves)

	for _, sub := range f.folders {
		sub.node.Children = sub.seal()
		sub.node.ChildCount = len(sub.node.Children)
		keys += sub.node.KeyCount
		children = append(children, sub.node)
	}
	for _, leaf := range f.leaves {
		children = append(children, leaf)
	}
	f.node.KeyCount = keys

	sort.Slice(children, func(i, j int) bool {
		if children[i].IsFolder != children[j].IsFolder {
			return children[i].IsFolder
		}
		return children[i].Name < children[j].Name
	})
	return children
}

// Flatten lists the nodes depth-first. The children of a folder are included
// only if expanded returns true for its FullPath; a nil expanded expands all.
func Flatten(nodes []*Node, expanded func(fullPath string) bool) []*Node {
	out := make([]*Node, 0, len(nodes))
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			out = append(out, n)
			if n.IsFolder && (expanded == nil || expanded(n.FullPath)) {
				walk(n.Children)
			}
		}
	}
	walk(nodes)
	return out
}

// Count returns the number of keys in a projection
func Count(nodes []*Node) int {
	n := 0
	for _, node := range nodes {
		if node.IsFolder {
			n += node.KeyCount
		} else {
			n++
		}
	}
	return n
}

// Print writes an indented rendering of the nodes
func Print(w io.Writer, nodes []*Node) error {
	for _, n := range Flatten(nodes, nil) {
		indent := strings.Repeat("  ", n.Level)
		var err error
		if n.IsFolder {
			_, err = fmt.Fprintf(w, "%s%s/ (%d)\n", indent, n.Name, n.KeyCount)
		} else {
			_, err = fmt.Fprintf(w, "%s%s\n", indent, n.Name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
