// Package intercom is the in-process pub/sub fabric between components:
// background runners announce task completions, the lifecycle manager
// announces agent transitions, and the nudge scheduler reports deliveries.
// Dispatch is synchronous and handler failures are swallowed so a broken
// subscriber can never block user-visible work.
package intercom

import (
	"log/slog"
	"sync"
)

// Topic names form a closed set.
const (
	TopicTaskQueued         = "task:queued"
	TopicTaskCompleted      = "task:completed"
	TopicTaskFailed         = "task:failed"
	TopicAgentCreated       = "agent:created"
	TopicAgentDismissed     = "agent:dismissed"
	TopicAgentRevived       = "agent:revived"
	TopicMemoryUpdated      = "memory:updated"
	TopicMemoryConsolidated = "memory:consolidated"
	TopicBlackboardProposal = "blackboard:proposal"
	TopicBlackboardResolved = "blackboard:resolved"
	TopicNudgeScheduled     = "nudge:scheduled"
	TopicNudgeDelivered     = "nudge:delivered"
	TopicNudgeSuppressed    = "nudge:suppressed"
)

var knownTopics = map[string]bool{
	TopicTaskQueued: true, TopicTaskCompleted: true, TopicTaskFailed: true,
	TopicAgentCreated: true, TopicAgentDismissed: true, TopicAgentRevived: true,
	TopicMemoryUpdated: true, TopicMemoryConsolidated: true,
	TopicBlackboardProposal: true, TopicBlackboardResolved: true,
	TopicNudgeScheduled: true, TopicNudgeDelivered: true, TopicNudgeSuppressed: true,
}

// KnownTopic reports whether topic belongs to the closed set.
func KnownTopic(topic string) bool { return knownTopics[topic] }

// Event is one published occurrence.
type Event struct {
	Topic  string
	UserID string
	Data   interface{}
}

// Handler receives events. Panics are swallowed.
type Handler func(Event)

// DefaultHistory is the per-topic ring size; the global ring keeps twice that.
const DefaultHistory = 100

// Intercom is the topic bus. The zero value is not usable; call New.
type Intercom struct {
	mu          sync.Mutex
	nextID      int
	subs        map[string]map[int]Handler // topic → id → handler
	anySubs     map[int]Handler
	history     map[string][]Event // per-topic ring, newest last
	global      []Event            // cross-topic ring, newest last
	historySize int
}

// New creates an Intercom with the given per-topic history size
// (DefaultHistory when size <= 0).
func New(size int) *Intercom {
	if size <= 0 {
		size = DefaultHistory
	}
	return &Intercom{
		subs:        make(map[string]map[int]Handler),
		anySubs:     make(map[int]Handler),
		history:     make(map[string][]Event),
		historySize: size,
	}
}

// On subscribes h to topic and returns an unsubscribe thunk.
func (ic *Intercom) On(topic string, h Handler) func() {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	id := ic.nextID
	ic.nextID++
	if ic.subs[topic] == nil {
		ic.subs[topic] = make(map[int]Handler)
	}
	ic.subs[topic][id] = h

	return func() {
		ic.mu.Lock()
		defer ic.mu.Unlock()
		delete(ic.subs[topic], id)
	}
}

// OnAny subscribes h to every topic and returns an unsubscribe thunk.
func (ic *Intercom) OnAny(h Handler) func() {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	id := ic.nextID
	ic.nextID++
	ic.anySubs[id] = h

	return func() {
		ic.mu.Lock()
		defer ic.mu.Unlock()
		delete(ic.anySubs, id)
	}
}

// Emit delivers an event to all subscribers synchronously, in subscription
// order per topic. Handler panics are logged and swallowed. The lock is
// released before dispatch so handlers may re-enter the intercom.
func (ic *Intercom) Emit(topic, userID string, data interface{}) {
	if !KnownTopic(topic) {
		slog.Warn("intercom: emit on unknown topic", "topic", topic)
		return
	}
	ev := Event{Topic: topic, UserID: userID, Data: data}

	ic.mu.Lock()
	ic.history[topic] = appendRing(ic.history[topic], ev, ic.historySize)
	ic.global = appendRing(ic.global, ev, 2*ic.historySize)

	handlers := make([]Handler, 0, len(ic.subs[topic])+len(ic.anySubs))
	for id := 0; id < ic.nextID; id++ {
		if h, ok := ic.subs[topic][id]; ok {
			handlers = append(handlers, h)
		}
	}
	for id := 0; id < ic.nextID; id++ {
		if h, ok := ic.anySubs[id]; ok {
			handlers = append(handlers, h)
		}
	}
	ic.mu.Unlock()

	for _, h := range handlers {
		dispatch(h, ev)
	}
}

func dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("intercom: handler panic swallowed", "topic", ev.Topic, "panic", r)
		}
	}()
	h(ev)
}

// History returns a copy of the retained events for topic, oldest first.
func (ic *Intercom) History(topic string) []Event {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	out := make([]Event, len(ic.history[topic]))
	copy(out, ic.history[topic])
	return out
}

// GlobalHistory returns a copy of the cross-topic ring, oldest first.
func (ic *Intercom) GlobalHistory() []Event {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	out := make([]Event, len(ic.global))
	copy(out, ic.global)
	return out
}

// Clear drops all subscribers and retained history.
func (ic *Intercom) Clear() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.subs = make(map[string]map[int]Handler)
	ic.anySubs = make(map[int]Handler)
	ic.history = make(map[string][]Event)
	ic.global = nil
}

func appendRing(ring []Event, ev Event, max int) []Event {
	ring = append(ring, ev)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}
