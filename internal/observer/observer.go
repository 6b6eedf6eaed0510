// Package observer implements the intrusive observer list described in
// spec.md §4.D: a safe way to deliver one notification to many subscribers
// when subscribers may add or remove themselves from inside the callback
// they're being delivered. Modeled on aipstack's Observable/Observer pair,
// which the TCP send path uses for "retry when ARP resolves" / "retry when
// the driver's send buffer drains" notifications (spec.md §4.D, §4.G).
package observer

// Observer is one subscription on a List. The zero value is not usable;
// construct with (*List).Subscribe.
type Observer struct {
	list     *List
	prev     *Observer
	next     *Observer
	attached bool
	callback func()
}

// Close removes the observer from its list. Safe to call more than once, and
// safe to call from inside the observer's own callback during NotifyKeep or
// NotifyRemoveAll. Per spec.md §4.C/§6, closing an observer before its
// callback fires guarantees no callback is delivered for it thereafter.
func (o *Observer) Close() {
	if !o.attached {
		return
	}
	o.list.remove(o)
	o.attached = false
}

// List is an intrusive doubly-linked list of Observers. The zero value is an
// empty, ready-to-use list. Lists are not safe for concurrent use; per
// spec.md §4/§5 they are mutated only from the event-loop thread.
type List struct {
	head *Observer
	tail *Observer
}

// Subscribe adds an observer to the list. callback is invoked with no
// arguments by NotifyKeep/NotifyRemoveAll; callers that need to distinguish
// why they were notified thread that through the closure.
func (l *List) Subscribe(callback func()) *Observer {
	o := &Observer{list: l, attached: true, callback: callback}
	l.link(o)
	return o
}

func (l *List) link(o *Observer) {
	o.prev = l.tail
	o.next = nil
	if l.tail != nil {
		l.tail.next = o
	} else {
		l.head = o
	}
	l.tail = o
}

func (l *List) remove(o *Observer) {
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		l.tail = o.prev
	}
	o.prev, o.next = nil, nil
}

// NotifyKeep calls every currently-subscribed observer's callback once. The
// list is left undisturbed by the notification itself: an observer that
// doesn't call Close stays subscribed, matching spec.md's "list undisturbed
// unless observers self-remove". Observers added during the call are not
// visited in this pass (iteration follows the snapshot of next-pointers
// present when NotifyKeep started, so appends during callbacks are safe but
// deferred to the next notification).
func (l *List) NotifyKeep() {
	last := l.tail
	o := l.head
	for o != nil {
		next := o.next
		if o.attached {
			o.callback()
		}
		if o == last {
			break
		}
		o = next
	}
}

// NotifyRemoveAll detaches every observer from the list immediately before
// invoking its callback, so an observer that resubscribes from inside its
// own callback (e.g. "retry failed, re-arm the retry notification") ends up
// correctly on a fresh list rather than corrupting the one being drained.
func (l *List) NotifyRemoveAll() {
	pending := &List{head: l.head, tail: l.tail}
	l.head, l.tail = nil, nil
	for o := pending.head; o != nil; o = o.next {
		o.list = pending
	}
	for {
		o := pending.head
		if o == nil {
			return
		}
		pending.remove(o)
		o.attached = false
		o.list = l
		o.callback()
	}
}

// Empty reports whether the list currently has no subscribers.
func (l *List) Empty() bool { return l.head == nil }
