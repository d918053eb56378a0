package agent

import (
	"sync"
	"time"
)

// Log item types
const (
	LogUser         = "user"
	LogAgent        = "agent"
	LogReasoning    = "reasoning"
	LogStream       = "stream"
	LogTool         = "tool"
	LogDelegation   = "delegation"
	LogResponse     = "response"
	LogIntervention = "intervention"
	LogError        = "error"
	LogInfo         = "info"
)

const maxLogItems = 2000

// LogItem is one entry of a context log
type LogItem struct {
	No        int            `json:"no"`
	Version   int64          `json:"version"`
	Type      string         `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Heading   string         `json:"heading,omitempty"`
	Content   string         `json:"content,omitempty"`
	KVPs      map[string]any `json:"kvps,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Log is an ordered, versioned record of what happened in a context.
// Every append bumps the version; pollers ask for items newer than the
// version they last saw.
type Log struct {
	mu      sync.RWMutex
	items   []LogItem
	next    int
	version int64

	subs   map[int]chan LogItem
	subSeq int
	closed bool
}

// NewLog creates an empty log
func NewLog() *Log {
	return &Log{subs: make(map[int]chan LogItem)}
}

// Add appends an item and fans it out to subscribers
func (l *Log) Add(itemType, agentID, heading, content string, kvps map[string]any) LogItem {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.version++
	item := LogItem{
		No:        l.next,
		Version:   l.version,
		Type:      itemType,
		AgentID:   agentID,
		Heading:   heading,
		Content:   content,
		KVPs:      kvps,
		Timestamp: time.Now(),
	}
	l.next++
	l.items = append(l.items, item)
	if len(l.items) > maxLogItems {
		l.items = append([]LogItem(nil), l.items[len(l.items)-maxLogItems:]...)
	}

	for _, ch := range l.subs {
		// Slow subscribers miss items; they can catch up with Since.
		select {
		case ch <- item:
		default:
		}
	}
	return item
}

// Version returns the current log version
func (l *Log) Version() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

// Since returns the items written after version, and the current version
func (l *Log) Since(version int64) ([]LogItem, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i := len(l.items)
	for i > 0 && l.items[i-1].Version > version {
		i--
	}
	out := make([]LogItem, len(l.items)-i)
	copy(out, l.items[i:])
	return out, l.version
}

// Subscribe returns a channel receiving every new item and a function that
// ends the subscription. The channel is closed when the log closes.
func (l *Log) Subscribe(buffer int) (<-chan LogItem, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan LogItem, buffer)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := l.subSeq
	l.subSeq++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if c, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(c)
			}
		})
	}
}

// Close ends all subscriptions. Items can still be added and polled.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
}
