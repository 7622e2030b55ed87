// Package ledger tracks which broker topics are subscribed, which still need
// to be (re)subscribed, and the cooldown bookkeeping that keeps deferred
// subscribe attempts from storming while the transport is mid-transition.
//
// Every topic is in exactly one state: subscribed, pending, inflight,
// scheduled, or leaving (inflight but no longer wanted). The ledger is not safe for concurrent use; the messaging
// client owns it from a single goroutine.
package ledger

import (
	"sort"
	"time"
)

type topicState int

const (
	stateNone topicState = iota
	statePending
	stateInflight
	stateScheduled
	stateSubscribed
	stateLeaving
)

// Ledger is the subscription bookkeeping for one client session.
type Ledger struct {
	topics          map[string]topicState
	cooldowns       map[string]time.Time
	firstDeferralAt map[string]time.Time
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		topics:          make(map[string]topicState),
		cooldowns:       make(map[string]time.Time),
		firstDeferralAt: make(map[string]time.Time),
	}
}

func (l *Ledger) set(topic string, s topicState) {
	if s == stateNone {
		delete(l.topics, topic)
		return
	}
	l.topics[topic] = s
}

// IsSubscribed reports whether the broker acknowledged topic.
func (l *Ledger) IsSubscribed(topic string) bool {
	return l.topics[topic] == stateSubscribed
}

// IsPending reports whether topic waits for the next stable connection.
func (l *Ledger) IsPending(topic string) bool {
	return l.topics[topic] == statePending
}

// IsBusy reports whether a subscribe request for topic is in flight or a
// retry is already scheduled.
func (l *Ledger) IsBusy(topic string) bool {
	s := l.topics[topic]
	return s == stateInflight || s == stateScheduled
}

// IsInflight reports whether a subscribe request for topic awaits its ack.
func (l *Ledger) IsInflight(topic string) bool {
	return l.topics[topic] == stateInflight
}

// IsLeaving reports whether topic was dropped while its subscribe request
// was in flight. A successful ack must be followed by an unsubscribe.
func (l *Ledger) IsLeaving(topic string) bool {
	return l.topics[topic] == stateLeaving
}

// Known reports whether the ledger tracks topic in any state.
func (l *Ledger) Known(topic string) bool {
	_, ok := l.topics[topic]
	return ok
}

// AddPending queues topic for restoration after the next successful connect.
// Confirmed subscriptions are left untouched.
func (l *Ledger) AddPending(topic string) {
	if l.topics[topic] == stateSubscribed {
		return
	}
	l.set(topic, statePending)
}

// MarkInflight records that a subscribe request was sent for topic.
func (l *Ledger) MarkInflight(topic string) {
	l.set(topic, stateInflight)
}

// MarkLeaving flags an inflight topic as no longer wanted. It reports false
// and changes nothing when topic is not inflight.
func (l *Ledger) MarkLeaving(topic string) bool {
	if l.topics[topic] != stateInflight {
		return false
	}
	l.topics[topic] = stateLeaving
	l.ResetDeferral(topic)
	return true
}

// MarkScheduled records that a subscribe retry timer is armed for topic.
func (l *Ledger) MarkScheduled(topic string) {
	l.set(topic, stateScheduled)
}

// MarkSubscribed moves topic into the confirmed set and forgets its
// cooldown and deferral bookkeeping.
func (l *Ledger) MarkSubscribed(topic string) {
	l.set(topic, stateSubscribed)
	l.ResetDeferral(topic)
}

// Remove forgets topic entirely.
func (l *Ledger) Remove(topic string) {
	l.set(topic, stateNone)
	l.ResetDeferral(topic)
}

// DrainPending returns the pending topics in sorted order and removes them
// from the pending set.
func (l *Ledger) DrainPending() []string {
	out := l.collect(statePending)
	for _, t := range out {
		delete(l.topics, t)
	}
	return out
}

// Cooldown returns the earliest time a deferred subscribe of topic may run again.
func (l *Ledger) Cooldown(topic string) (time.Time, bool) {
	t, ok := l.cooldowns[topic]
	return t, ok
}

// Defer records a deferred subscribe attempt. It returns false when topic is
// still inside its cooldown window, in which case nothing changes. Otherwise
// it arms a new cooldown until now+cooldown and returns when the deferral of
// topic first started.
func (l *Ledger) Defer(topic string, now time.Time, cooldown time.Duration) (time.Time, bool) {
	if until, ok := l.cooldowns[topic]; ok && now.Before(until) {
		return time.Time{}, false
	}
	l.cooldowns[topic] = now.Add(cooldown)
	first, ok := l.firstDeferralAt[topic]
	if !ok {
		first = now
		l.firstDeferralAt[topic] = now
	}
	return first, true
}

// RestartDeferral restarts the stuck-deferral clock of topic at now.
func (l *Ledger) RestartDeferral(topic string, now time.Time) {
	if _, ok := l.firstDeferralAt[topic]; ok {
		l.firstDeferralAt[topic] = now
	}
}

// ResetDeferral forgets the cooldown and deferral start of topic.
func (l *Ledger) ResetDeferral(topic string) {
	delete(l.cooldowns, topic)
	delete(l.firstDeferralAt, topic)
}

// Requeue moves every wanted topic back to pending and drops all cooldowns.
// Leaving topics are forgotten. Used whenever a new broker session starts
// without server-side state.
func (l *Ledger) Requeue() {
	for t, s := range l.topics {
		if s == stateLeaving {
			delete(l.topics, t)
			continue
		}
		l.topics[t] = statePending
	}
	clear(l.cooldowns)
	clear(l.firstDeferralAt)
}

// Clear forgets everything.
func (l *Ledger) Clear() {
	clear(l.topics)
	clear(l.cooldowns)
	clear(l.firstDeferralAt)
}

// Subscribed returns the confirmed topics in sorted order.
func (l *Ledger) Subscribed() []string {
	return l.collect(stateSubscribed)
}

// Pending returns the topics waiting for restoration in sorted order.
func (l *Ledger) Pending() []string {
	return l.collect(statePending)
}

// Counts summarizes the ledger.
type Counts struct {
	Subscribed int
	Pending    int
	Inflight   int
	Scheduled  int
	Leaving    int
}

// Counts returns how many topics are in each state.
func (l *Ledger) Counts() Counts {
	var c Counts
	for _, s := range l.topics {
		switch s {
		case stateSubscribed:
			c.Subscribed++
		case statePending:
			c.Pending++
		case stateInflight:
			c.Inflight++
		case stateScheduled:
			c.Scheduled++
		case stateLeaving:
			c.Leaving++
		}
	}
	return c
}

func (l *Ledger) collect(s topicState) []string {
	out := make([]string, 0)
	for t, st := range l.topics {
		if st == s {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
