/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/cdpkit/cdpkit/pkg/syncmap"
)

// pendingCommand tracks a command that is awaiting its reply.
type pendingCommand struct {
	// method is the command name (for logging).
	method string

	// createdAt is when the command was registered.
	createdAt time.Time

	// slot receives the reply. It has capacity 1 and is written at most once.
	slot chan reply
}

// commandCorrelator matches replies to the commands that caused them.
// Identifiers come from a 64-bit counter that is never reset, so an identifier
// is never reused for the lifetime of the correlator.
type commandCorrelator struct {
	seq     atomic.Int64
	pending syncmap.Map[int64, *pendingCommand]
	log     logr.Logger
}

func newCommandCorrelator(log logr.Logger) *commandCorrelator {
	return &commandCorrelator{log: log}
}

// next allocates the next command identifier and registers a fresh, unresolved slot for it.
func (c *commandCorrelator) next(method string) (int64, <-chan reply) {
	id := c.seq.Add(1)
	pc := &pendingCommand{
		method:    method,
		createdAt: time.Now(),
		slot:      make(chan reply, 1),
	}
	c.pending.Store(id, pc)
	return id, pc.slot
}

// resolve fulfils the slot registered for id and deregisters it.
// A reply for an unknown identifier (late, duplicate, or already timed out) is logged and ignored.
func (c *commandCorrelator) resolve(id int64, r reply) bool {
	pc, found := c.pending.LoadAndDelete(id)
	if !found {
		c.log.Info("Received reply for unknown command", "id", id)
		return false
	}

	// LoadAndDelete guarantees a single resolver, so the send never blocks.
	pc.slot <- r
	c.log.V(1).Info("Command resolved", "id", id, "method", pc.method, "elapsed", time.Since(pc.createdAt))
	return true
}

// discard deregisters id without resolving it.
func (c *commandCorrelator) discard(id int64) {
	c.pending.Delete(id)
}

// drain deregisters all pending commands and returns how many there were.
// Callers still waiting observe the closure of the connection instead of a reply.
func (c *commandCorrelator) drain() int {
	count := 0
	c.pending.Range(func(id int64, _ *pendingCommand) bool {
		c.pending.Delete(id)
		count++
		return true
	})
	return count
}

// len returns the number of pending commands.
func (c *commandCorrelator) len() int {
	return c.pending.Len()
}

// lastID returns the most recently issued identifier (0 if none were issued).
func (c *commandCorrelator) lastID() int64 {
	return c.seq.Load()
}
