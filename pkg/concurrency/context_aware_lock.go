/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package concurrency

import "context"

// ContextAwareLock is a lock that can be acquired only while the context passed to Lock() is not done.
// Sessions use it to serialize connection attempts without blocking callers past their deadline.
type ContextAwareLock struct {
	ch chan struct{}
}

func NewContextAwareLock() *ContextAwareLock {
	return &ContextAwareLock{
		ch: make(chan struct{}, 1),
	}
}

func (l *ContextAwareLock) Lock(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.ch <- struct{}{}:
	}

	// guard against possible race condition where the context expires and the lock is acquired at the same time
	if ctx.Err() != nil {
		l.Unlock()
		return ctx.Err()
	}

	return nil
}

func (l *ContextAwareLock) Unlock() {
	// Non-blocking for caller
	select {
	case <-l.ch:
	default:
	}
}
