// Package util
//
// This file provides a priority queue that combines a binary heap with a hash
// map, so items can be prioritized and still be accessed or removed by key.
//
// The scanner uses it to schedule patterns fairly: every pattern is an item
// and its priority is the sequence number of the tick that last scheduled it.
// Popping from the heap therefore yields the least recently scheduled pattern.
//
// Complexity:
//   - O(log n) for Push, Pop and priority updates
//   - O(1) for key lookups and existence checks
//   - O(log n) for key-based removal
//
// This implementation is not thread-safe. Callers synchronize externally.
//
// Example usage:
//
//	queue := NewMapHeap[string]()
//	queue.AddItem("user:*", 0)
//	queue.AddItem("session:*", 1)
//
//	next, _ := queue.Peek() // user:*
//	queue.AddItem(next.Key, 2)
//
//	for queue.Len() > 0 {
//	    item := queue.PopItem()
//	    // ...
//	}
package util

import (
	"container/heap"
	"fmt"
)

// Item is an entry of the MapHeap
type Item[K comparable] struct {
	Key      K      // Unique identifier for the item
	Priority uint64 // Lower values are popped first
	index    int    // Index in the heap, maintained by the heap package
}

func (i *Item[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// MapHeap is a min-heap of items with O(1) access by key
type MapHeap[K comparable] struct {
	items    []*Item[K]     // The actual heap slice
	itemsMap map[K]*Item[K] // Map for O(1) access by key
}

// NewMapHeap creates a new, empty and initialized MapHeap
func NewMapHeap[K comparable]() *MapHeap[K] {
	mh := &MapHeap[K]{
		items:    make([]*Item[K], 0),
		itemsMap: make(map[K]*Item[K]),
	}
	heap.Init(mh)
	return mh
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

// Len returns the number of items in the queue
func (mh *MapHeap[K]) Len() int { return len(mh.items) }

// Less orders items by priority (min-heap)
func (mh *MapHeap[K]) Less(i, j int) bool {
	return mh.items[i].Priority < mh.items[j].Priority
}

// Swap exchanges items at positions i and j
func (mh *MapHeap[K]) Swap(i, j int) {
	mh.items[i], mh.items[j] = mh.items[j], mh.items[i]
	mh.items[i].index = i
	mh.items[j].index = j
}

// Push adds an item to the heap. Use AddItem instead of calling this directly.
func (mh *MapHeap[K]) Push(x interface{}) {
	it := x.(*Item[K])
	it.index = len(mh.items)
	mh.items = append(mh.items, it)
	mh.itemsMap[it.Key] = it
}

// Pop removes the last item of the heap slice. Use PopItem instead of calling this directly.
func (mh *MapHeap[K]) Pop() interface{} {
	old := mh.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil // avoid memory leak
	it.index = -1
	mh.items = old[:n-1]
	delete(mh.itemsMap, it.Key)
	return it
}

// --------------------------------------------------------------------------
// Key based access
// --------------------------------------------------------------------------

// AddItem adds a new item or updates the priority of an existing one
func (mh *MapHeap[K]) AddItem(key K, priority uint64) {
	if it, exists := mh.itemsMap[key]; exists {
		it.Priority = priority
		heap.Fix(mh, it.index)
		return
	}
	heap.Push(mh, &Item[K]{Key: key, Priority: priority})
}

// PopItem removes and returns the item with the lowest priority.
// It returns nil if the heap is empty.
func (mh *MapHeap[K]) PopItem() *Item[K] {
	if len(mh.items) == 0 {
		return nil
	}
	return heap.Pop(mh).(*Item[K])
}

// RemoveByKey removes an item by its key and returns its priority
func (mh *MapHeap[K]) RemoveByKey(key K) (uint64, bool) {
	it, exists := mh.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(mh, it.index)
	return it.Priority, true
}

// Peek returns the item with the lowest priority without removing it
func (mh *MapHeap[K]) Peek() (*Item[K], bool) {
	if len(mh.items) == 0 {
		return nil, false
	}
	return mh.items[0], true
}

// Contains checks if a key exists in the queue
func (mh *MapHeap[K]) Contains(key K) bool {
	_, exists := mh.itemsMap[key]
	return exists
}

// GetByKey retrieves an item by its key without removing it
func (mh *MapHeap[K]) GetByKey(key K) (*Item[K], bool) {
	it, exists := mh.itemsMap[key]
	return it, exists
}
