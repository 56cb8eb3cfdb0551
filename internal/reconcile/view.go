// Package reconcile merges fetched session history with live-pushed
// messages into one ordered, de-duplicated view.
//
// Messages are ordered by timestamp, ties broken by the order in which
// they entered the view. Two messages with the same id are one message.
// A message without an id (not yet persisted) is never matched by id; it
// stays in the view as pending until a persisted message with the same
// role and content, stamped within the match window, takes its place.
package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/mpro775/kleem/internal/chat"
)

// DefaultMatchWindow bounds how far apart the client-side and server-side
// timestamps of the same pending message may be.
const DefaultMatchWindow = 5 * time.Second

type entry struct {
	msg chat.Message
	seq uint64
}

// View is the reconciled transcript of one session. It is not safe for
// concurrent use; the owning channel serializes access.
type View struct {
	entries []entry
	next    uint64
	window  time.Duration
}

type Option func(*View)

func WithMatchWindow(d time.Duration) Option {
	return func(v *View) {
		if d >= 0 {
			v.window = d
		}
	}
}

func NewView(opts ...Option) *View {
	v := &View{window: DefaultMatchWindow}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Merge is the stateless form: history with live folded in. Neither input
// is modified.
func Merge(history []chat.Message, live chat.Message) []chat.Message {
	v := NewView()
	v.Replace(history)
	v.Apply(live)
	return v.Messages()
}

// Apply folds one message into the view. It reports false when the
// message was malformed and dropped.
func (v *View) Apply(msg chat.Message) bool {
	if msg.Validate() != nil {
		return false
	}
	msg = msg.Clone()

	if msg.Persisted() {
		if i := v.indexOf(msg.ID); i >= 0 {
			v.entries[i].msg = msg
			v.sort()
			return true
		}
		if i := v.pendingMatch(msg); i >= 0 {
			v.entries[i].msg = msg
			v.sort()
			return true
		}
	}

	v.insert(msg)
	return true
}

// Replace rebuilds the view from a full history fetch. Entries the fetch
// does not know about yet (live pushes that raced the fetch, pending
// sends not matched by a fetched row) are kept. Entries already in the
// view keep their arrival position; only rows new to the view count as
// arriving now.
func (v *View) Replace(history []chat.Message) {
	known := make(map[string]uint64, len(v.entries))
	for _, e := range v.entries {
		if e.msg.Persisted() {
			known[e.msg.ID] = e.seq
		}
	}

	fetched := make([]entry, 0, len(history))
	seen := make(map[string]bool, len(history))
	for _, msg := range history {
		if msg.Validate() != nil {
			continue
		}
		e := entry{msg: msg.Clone()}
		if msg.Persisted() {
			if seen[msg.ID] {
				continue
			}
			seen[msg.ID] = true
			e.seq = known[msg.ID]
		}
		fetched = append(fetched, e)
	}

	entries := make([]entry, 0, len(fetched)+len(v.entries))
	claimed := make(map[int]bool)
	for _, e := range v.entries {
		if e.msg.Persisted() {
			if !seen[e.msg.ID] {
				entries = append(entries, e)
			}
			continue
		}
		if i := v.fetchedMatch(fetched, e.msg, claimed); i >= 0 {
			claimed[i] = true
			if fetched[i].seq == 0 {
				fetched[i].seq = e.seq
			}
			continue
		}
		entries = append(entries, e)
	}

	for i := range fetched {
		if fetched[i].seq == 0 {
			v.next++
			fetched[i].seq = v.next
		}
	}

	v.entries = append(entries, fetched...)
	v.sort()
}

// Update applies fn to the message with the given id and returns the
// message as it was before, so callers can roll the change back.
func (v *View) Update(id string, fn func(*chat.Message)) (chat.Message, bool) {
	i := v.indexOf(id)
	if i < 0 {
		return chat.Message{}, false
	}
	prev := v.entries[i].msg.Clone()
	fn(&v.entries[i].msg)
	v.entries[i].msg.ID = id
	v.sort()
	return prev, true
}

func (v *View) Get(id string) (chat.Message, bool) {
	i := v.indexOf(id)
	if i < 0 {
		return chat.Message{}, false
	}
	return v.entries[i].msg.Clone(), true
}

func (v *View) Messages() []chat.Message {
	out := make([]chat.Message, len(v.entries))
	for i, e := range v.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

func (v *View) Len() int {
	return len(v.entries)
}

func (v *View) Pending() int {
	n := 0
	for _, e := range v.entries {
		if !e.msg.Persisted() {
			n++
		}
	}
	return n
}

func (v *View) insert(msg chat.Message) {
	v.next++
	v.entries = append(v.entries, entry{msg: msg, seq: v.next})
	v.sort()
}

func (v *View) sort() {
	sort.SliceStable(v.entries, func(i, j int) bool {
		a, b := v.entries[i], v.entries[j]
		if !a.msg.Timestamp.Equal(b.msg.Timestamp) {
			return a.msg.Timestamp.Before(b.msg.Timestamp)
		}
		return a.seq < b.seq
	})
}

func (v *View) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, e := range v.entries {
		if e.msg.ID == id {
			return i
		}
	}
	return -1
}

// pendingMatch finds the earliest pending entry that persisted stands for.
func (v *View) pendingMatch(persisted chat.Message) int {
	for i, e := range v.entries {
		if !e.msg.Persisted() && v.sameContent(e.msg, persisted) {
			return i
		}
	}
	return -1
}

// fetchedMatch finds the first unclaimed persisted row of fetched that the
// pending message stands for.
func (v *View) fetchedMatch(fetched []entry, pending chat.Message, claimed map[int]bool) int {
	for i, e := range fetched {
		if e.msg.Persisted() && !claimed[i] && v.sameContent(pending, e.msg) {
			return i
		}
	}
	return -1
}

func (v *View) sameContent(a, b chat.Message) bool {
	if a.Role != b.Role || strings.TrimSpace(a.Text) != strings.TrimSpace(b.Text) {
		return false
	}
	if (a.Media == nil) != (b.Media == nil) {
		return false
	}
	if a.Media != nil && a.Media.URL != b.Media.URL {
		return false
	}
	d := a.Timestamp.Sub(b.Timestamp)
	if d < 0 {
		d = -d
	}
	return d <= v.window
}
