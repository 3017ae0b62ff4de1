// Copyright 2026 The pagestore Authors
// This file is part of the pagestore library.
//
// The pagestore library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The pagestore library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the pagestore library. If not, see <http://www.gnu.org/licenses/>.

package pagestore

import "sync"

// watchCell is a single-producer, multi-consumer "latest value" cell.
// Subscribers receive change notifications on a one-slot conflating channel:
// intermediate values may be skipped, but the final value is always
// observed. State transitions are delivered to each subscriber in order.
type watchCell[T comparable] struct {
	mu    sync.Mutex
	value T
	subs  map[chan T]struct{}
}

func newWatchCell[T comparable](initial T) *watchCell[T] {
	return &watchCell[T]{
		value: initial,
		subs:  make(map[chan T]struct{}),
	}
}

// Load returns the current value.
func (w *watchCell[T]) Load() T {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// Store replaces the value and notifies all subscribers. Storing the current
// value again is a no-op.
func (w *watchCell[T]) Store(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.value == v {
		return
	}
	w.value = v
	for ch := range w.subs {
		// Conflate: drop the undelivered previous value, keep the latest.
		for {
			select {
			case ch <- v:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe registers a new subscriber. The subscription must be released
// with Unsubscribe.
func (w *watchCell[T]) Subscribe() *watchSub[T] {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan T, 1)
	w.subs[ch] = struct{}{}
	return &watchSub[T]{cell: w, ch: ch}
}

// watchSub is one subscriber's handle on a watchCell.
type watchSub[T comparable] struct {
	cell *watchCell[T]
	ch   chan T
	once sync.Once
}

// Chan returns the notification channel carrying new values.
func (s *watchSub[T]) Chan() <-chan T { return s.ch }

// Unsubscribe removes the subscription. It is idempotent.
func (s *watchSub[T]) Unsubscribe() {
	s.once.Do(func() {
		s.cell.mu.Lock()
		delete(s.cell.subs, s.ch)
		s.cell.mu.Unlock()
	})
}
