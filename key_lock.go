// key_lock.go: per-extension mutual exclusion
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// KeyedMutex hands out one mutex per key. Mutexes are created on first use and
// kept for the life of the KeyedMutex; the number of extensions is small and
// bounded, so they are never reclaimed.
type KeyedMutex struct {
	locks cmap.ConcurrentMap[string, *sync.Mutex]
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: cmap.New[*sync.Mutex]()}
}

func (k *KeyedMutex) get(key string) *sync.Mutex {
	if mu, ok := k.locks.Get(key); ok {
		return mu
	}
	k.locks.SetIfAbsent(key, &sync.Mutex{})
	mu, _ := k.locks.Get(key)
	return mu
}

// Lock acquires the mutex of key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	mu := k.get(key)
	mu.Lock()
	return mu.Unlock
}

// TryLock acquires the mutex of key if it is free.
func (k *KeyedMutex) TryLock(key string) (func(), bool) {
	mu := k.get(key)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}
