/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package cdp

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/cdpkit/cdpkit/pkg/resiliency"
)

// SubscriptionID identifies an event subscription within a session.
type SubscriptionID int64

// SubscriptionLifetime determines whether a subscription survives its first delivery.
type SubscriptionLifetime int

const (
	// Persistent subscriptions receive every matching event until removed.
	Persistent SubscriptionLifetime = iota

	// Temporary subscriptions are removed after their first delivery.
	Temporary
)

func (l SubscriptionLifetime) String() string {
	switch l {
	case Persistent:
		return "persistent"
	case Temporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// EventCallback receives the "params" object of an event.
// A returned error is logged and does not affect delivery to other subscribers.
type EventCallback func(params json.RawMessage) error

type subscription struct {
	id       SubscriptionID
	event    string
	callback EventCallback
	lifetime SubscriptionLifetime
}

// eventDispatcher routes events to the callbacks registered for them.
type eventDispatcher struct {
	log logr.Logger

	// mu protects all fields below
	mu            sync.Mutex
	lastID        SubscriptionID
	subscriptions map[SubscriptionID]*subscription

	// byEvent keeps subscription identifiers per event name, in registration order
	byEvent map[string][]SubscriptionID
}

func newEventDispatcher(log logr.Logger) *eventDispatcher {
	return &eventDispatcher{
		log:           log,
		subscriptions: make(map[SubscriptionID]*subscription),
		byEvent:       make(map[string][]SubscriptionID),
	}
}

func (d *eventDispatcher) subscribe(event string, callback EventCallback, lifetime SubscriptionLifetime) (SubscriptionID, error) {
	if callback == nil {
		d.log.Error(ErrInvalidCallback, "Callback must be a non-nil function", "event", event)
		return 0, fmt.Errorf("%w: nil callback for event %q", ErrInvalidCallback, event)
	}
	if strings.TrimSpace(event) == "" {
		return 0, fmt.Errorf("%w: event name must not be empty", ErrInvalidCallback)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastID++
	sub := &subscription{
		id:       d.lastID,
		event:    event,
		callback: callback,
		lifetime: lifetime,
	}
	d.subscriptions[sub.id] = sub
	d.byEvent[event] = append(d.byEvent[event], sub.id)

	return sub.id, nil
}

func (d *eventDispatcher) unsubscribe(id SubscriptionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.removeLocked(id) {
		d.log.Info("No subscription to remove", "subscription", id)
		return false
	}
	return true
}

func (d *eventDispatcher) removeLocked(id SubscriptionID) bool {
	sub, found := d.subscriptions[id]
	if !found {
		return false
	}
	delete(d.subscriptions, id)

	ids := d.byEvent[sub.event]
	for i, subID := range ids {
		if subID == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(d.byEvent, sub.event)
	} else {
		d.byEvent[sub.event] = ids
	}

	return true
}

func (d *eventDispatcher) clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.subscriptions = make(map[SubscriptionID]*subscription)
	d.byEvent = make(map[string][]SubscriptionID)
}

func (d *eventDispatcher) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subscriptions)
}

func (d *eventDispatcher) isRegistered(id SubscriptionID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, found := d.subscriptions[id]
	return found
}

// dispatch delivers params to every subscription registered for event, in registration order,
// and returns the number of callbacks invoked.
// The set of recipients is fixed when the pass starts. Temporary subscriptions are removed
// after the pass completes, whether or not their callback succeeded.
func (d *eventDispatcher) dispatch(event string, params json.RawMessage) int {
	d.mu.Lock()
	ids := d.byEvent[event]
	recipients := make([]*subscription, 0, len(ids))
	for _, id := range ids {
		recipients = append(recipients, d.subscriptions[id])
	}
	d.mu.Unlock()

	if len(recipients) == 0 {
		d.log.V(1).Info("No subscribers for event", "event", event)
		return 0
	}

	delivered := 0
	var expired []SubscriptionID
	for _, sub := range recipients {
		// A callback earlier in this pass may have removed a later subscription.
		if !d.isRegistered(sub.id) {
			continue
		}
		if sub.lifetime == Temporary {
			expired = append(expired, sub.id)
		}

		d.invoke(sub, params)
		delivered++
	}

	if len(expired) > 0 {
		d.mu.Lock()
		for _, id := range expired {
			_ = d.removeLocked(id)
		}
		d.mu.Unlock()
	}

	return delivered
}

func (d *eventDispatcher) invoke(sub *subscription, params json.RawMessage) {
	defer func() {
		if panicVal := recover(); panicVal != nil {
			d.log.Error(resiliency.PanicValueToError(panicVal), "Event callback panicked",
				"event", sub.event,
				"subscription", sub.id,
				"params", truncateFrame(params),
				"stack", string(debug.Stack()))
		}
	}()

	if callbackErr := sub.callback(params); callbackErr != nil {
		d.log.Error(callbackErr, "Event callback failed",
			"event", sub.event,
			"subscription", sub.id,
			"params", truncateFrame(params))
	}
}
