// Package util provides small building blocks shared by the kscan packages.
//
// The package contains:
//   - functions: string hashing (xxhash) used to order keys like a hash table would
//   - mapheap: a generic priority queue with key-based access, used to pick the
//     least recently scheduled scan patterns
//   - mpsc: a lock-free Multi-Producer Single-Consumer queue used to deliver
//     scanner events to a listener in one total order
package util
