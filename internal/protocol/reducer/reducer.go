// Package reducer folds a conversation log into its current state.
//
// Entries may arrive in any order and more than once. Everything except the
// message list is resolved by (timestamp, writer key) stamps, so the result
// only depends on the set of entries seen.
//
// Only authorized entries count. The conversation starts at its first valid
// initialization; after that an entry counts when its author is a member at
// the entry's stamp and its writer key is certified by the signing key that
// member was added with. Everything else is recorded as a Rejection.
package reducer

import (
	"bytes"
	"convlog/internal/model"
	"convlog/internal/protocol/envelope"
	"sort"
	"time"
)

type stamp struct {
	at     time.Time
	writer model.HexKey
}

func stampOf(m model.EntryMeta) stamp { return stamp{at: m.Timestamp, writer: m.WriterKey} }

func (s stamp) compare(o stamp) int {
	if c := s.at.Compare(o.at); c != 0 {
		return c
	}
	return bytes.Compare(s.writer, o.writer)
}

// Reasons an entry is rejected.
const (
	ReasonNoInitialization     = "conversation has no valid initialization"
	ReasonSecondInitialization = "conversation is already initialized"
	ReasonNotMember            = "author is not a member"
	ReasonWriterNotCertified   = "writer key is not certified by the author"
	ReasonDirectAdd            = "members cannot be added to a direct conversation"
)

// Rejection is an entry the reducer left out.
type Rejection struct {
	Index  int
	Author string
	Type   model.EntryType
	Reason string
}

type (
	Option func(*options)

	options struct {
		trust func(model.CoreParticipant) bool
	}
)

// WithTrust makes an initialization count only when trust accepts every
// participant it lists, for example by comparing their keys with published
// profiles.
func WithTrust(trust func(model.CoreParticipant) bool) Option {
	return func(o *options) { o.trust = trust }
}

// transition is one applied add or remove of a handle.
type transition struct {
	stamp       stamp
	add         bool
	index       int
	participant model.CoreParticipant
}

func (t transition) before(o transition) bool {
	if c := t.stamp.compare(o.stamp); c != 0 {
		return c < 0
	}
	// A remove with the same stamp as an add wins.
	if t.add != o.add {
		return t.add
	}
	return t.index < o.index
}

type membership struct {
	history []transition
}

func (m *membership) insert(t transition) {
	i := sort.Search(len(m.history), func(i int) bool { return t.before(m.history[i]) })
	m.history = append(m.history, transition{})
	copy(m.history[i+1:], m.history[i:])
	m.history[i] = t
}

func (m *membership) present() bool {
	return len(m.history) > 0 && m.history[len(m.history)-1].add
}

// latest returns the record of the newest add.
func (m *membership) latest() (model.CoreParticipant, bool) {
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].add {
			return m.history[i].participant, true
		}
	}
	return model.CoreParticipant{}, false
}

// at reports whether the handle was a member at st, and with which record.
// Entries stamped before a member's first add count from that add, so a
// writer whose clock lags the adder's is not locked out.
func (m *membership) at(st stamp) (model.CoreParticipant, bool) {
	var (
		p       model.CoreParticipant
		present bool
	)
	for i, t := range m.history {
		if t.stamp.compare(st) > 0 {
			if i == 0 && t.add {
				return t.participant, true
			}
			break
		}
		if t.add {
			p = t.participant
		}
		present = t.add
	}
	return p, present
}

type field struct {
	value string
	stamp stamp
}

type typing struct {
	on    bool
	stamp stamp
}

// State is the reduced view of one conversation log.
type State struct {
	ConversationID string
	IsGroup        bool
	Initialized    bool

	members  map[string]*membership
	metadata map[string]field
	receipts map[string]int
	typing   map[string]typing
	messages []MessageEntry
	rejected []Rejection
}

// MessageEntry is a Message together with its log index.
type MessageEntry struct {
	Index   int
	Message model.Message
}

// Reduce folds the entries of conversation id into a State. It is
// idempotent and does not depend on the order of entries, except that the
// initialization at the lowest index wins and of two messages with the same
// id the one at the lower index is kept.
func Reduce(id string, entries []model.IndexedEntry, opts ...Option) *State {
	o := options{trust: func(model.CoreParticipant) bool { return true }}
	for _, opt := range opts {
		opt(&o)
	}

	s := &State{
		ConversationID: id,
		members:        make(map[string]*membership),
		metadata:       make(map[string]field),
		receipts:       make(map[string]int),
		typing:         make(map[string]typing),
	}
	if _, isGroup, err := model.ParseID(id); err == nil {
		s.IsGroup = isGroup
	}

	ordered := dedupe(entries)
	genesis, ok := s.genesis(ordered, o.trust)
	if !ok {
		for _, ie := range ordered {
			s.reject(ie, ReasonNoInitialization)
		}
		return s
	}
	s.Initialized = true
	s.replayMembership(ordered, genesis)

	byID := make(map[string]int)
	for _, ie := range ordered {
		if ie.Index == genesis.Index {
			continue
		}
		switch e := ie.Entry.(type) {
		case model.Initialization:
			s.reject(ie, ReasonSecondInitialization)
		case model.MemberAdd, model.MemberRemove:
			// Settled by replayMembership.
		case model.MetadataUpdate:
			if s.authorize(ie) {
				for k, v := range e.Fields {
					s.setField(k, v, stampOf(e.EntryMeta))
				}
			}
		case model.ReadReceipt:
			if !s.authorize(ie) {
				continue
			}
			if cur, ok := s.receipts[e.Author]; !ok || e.UpToIndex > cur {
				s.receipts[e.Author] = e.UpToIndex
			}
		case model.Typing:
			if !s.authorize(ie) {
				continue
			}
			st := stampOf(e.EntryMeta)
			if cur, ok := s.typing[e.Author]; !ok || st.compare(cur.stamp) > 0 {
				s.typing[e.Author] = typing{on: e.IsTyping, stamp: st}
			}
		case model.Message:
			if !s.authorize(ie) {
				continue
			}
			if i, dup := byID[e.ID]; dup {
				if ie.Index < s.messages[i].Index {
					s.messages[i] = MessageEntry{Index: ie.Index, Message: e}
				}
				continue
			}
			byID[e.ID] = len(s.messages)
			s.messages = append(s.messages, MessageEntry{Index: ie.Index, Message: e})
		}
	}

	sort.Slice(s.messages, func(i, j int) bool { return s.messages[i].Index < s.messages[j].Index })
	return s
}

// dedupe keeps one entry per index, sorted by index.
func dedupe(entries []model.IndexedEntry) []model.IndexedEntry {
	seen := make(map[int]struct{}, len(entries))
	out := make([]model.IndexedEntry, 0, len(entries))
	for _, ie := range entries {
		if _, dup := seen[ie.Index]; dup || ie.Entry == nil {
			continue
		}
		seen[ie.Index] = struct{}{}
		out = append(out, ie)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

type genesisEntry struct {
	Index int
	Entry model.Initialization
}

// genesis finds the lowest-index initialization that names exactly the
// handles of the id, is written by one of them under a certified writer key
// and whose participants are all trusted.
func (s *State) genesis(ordered []model.IndexedEntry, trust func(model.CoreParticipant) bool) (genesisEntry, bool) {
	for _, ie := range ordered {
		e, ok := ie.Entry.(model.Initialization)
		if ok && s.validInit(e, trust) {
			return genesisEntry{Index: ie.Index, Entry: e}, true
		}
	}
	return genesisEntry{}, false
}

func (s *State) validInit(e model.Initialization, trust func(model.CoreParticipant) bool) bool {
	if e.ConversationID != s.ConversationID {
		return false
	}
	handles, isGroup, err := model.ParseID(e.ConversationID)
	if err != nil || isGroup != e.IsGroup || len(handles) != len(e.Participants) {
		return false
	}
	byHandle := make(map[string]model.CoreParticipant, len(e.Participants))
	for _, p := range e.Participants {
		byHandle[p.Handle] = p
	}
	for _, h := range handles {
		if _, ok := byHandle[h]; !ok {
			return false
		}
	}
	author, ok := byHandle[e.Author]
	if !ok || !envelope.VerifyWriter(s.ConversationID, e.EntryMeta, author.SigningPublicKey) {
		return false
	}
	for _, p := range e.Participants {
		if !trust(p) {
			return false
		}
	}
	return true
}

type memberOp struct {
	ie     model.IndexedEntry
	t      transition
	handle string
}

// replayMembership applies the genesis participants, then every add and
// remove in stamp order. An op counts only if its author is a member at the
// op's stamp, given the ops applied before it.
func (s *State) replayMembership(ordered []model.IndexedEntry, genesis genesisEntry) {
	g := genesis.Entry
	st := stampOf(g.EntryMeta)
	for _, p := range g.Participants {
		s.member(p.Handle).insert(transition{stamp: st, add: true, index: genesis.Index, participant: p})
	}
	if g.Name != "" {
		s.setField(FieldName, g.Name, st)
	}

	var ops []memberOp
	for _, ie := range ordered {
		switch e := ie.Entry.(type) {
		case model.MemberAdd:
			ops = append(ops, memberOp{
				ie:     ie,
				t:      transition{stamp: stampOf(e.EntryMeta), add: true, index: ie.Index, participant: e.Participant},
				handle: e.Participant.Handle,
			})
		case model.MemberRemove:
			ops = append(ops, memberOp{
				ie:     ie,
				t:      transition{stamp: stampOf(e.EntryMeta), index: ie.Index},
				handle: e.Handle,
			})
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].t.before(ops[j].t) })

	for _, op := range ops {
		if !s.authorize(op.ie) {
			continue
		}
		if op.t.add && !s.IsGroup {
			s.reject(op.ie, ReasonDirectAdd)
			continue
		}
		s.member(op.handle).insert(op.t)
	}
}

// authorize reports whether the author of ie was a member at its stamp with
// a writer key certified by the signing key they were added with. Entries
// that fail are recorded.
func (s *State) authorize(ie model.IndexedEntry) bool {
	meta := ie.Entry.Meta()
	m, ok := s.members[meta.Author]
	if !ok {
		s.reject(ie, ReasonNotMember)
		return false
	}
	p, present := m.at(stampOf(meta))
	if !present {
		s.reject(ie, ReasonNotMember)
		return false
	}
	if !envelope.VerifyWriter(s.ConversationID, meta, p.SigningPublicKey) {
		s.reject(ie, ReasonWriterNotCertified)
		return false
	}
	return true
}

func (s *State) reject(ie model.IndexedEntry, reason string) {
	s.rejected = append(s.rejected, Rejection{
		Index:  ie.Index,
		Author: ie.Entry.Meta().Author,
		Type:   ie.Entry.Type(),
		Reason: reason,
	})
}

func (s *State) member(handle string) *membership {
	m, ok := s.members[handle]
	if !ok {
		m = &membership{}
		s.members[handle] = m
	}
	return m
}

func (s *State) setField(key, value string, st stamp) {
	cur, ok := s.metadata[key]
	if ok {
		c := st.compare(cur.stamp)
		if c < 0 || (c == 0 && value <= cur.value) {
			return
		}
	}
	s.metadata[key] = field{value: value, stamp: st}
}

// FieldName is the metadata key holding a conversation's display name.
const FieldName = "name"

// Members returns the current participants sorted by handle.
func (s *State) Members() []model.CoreParticipant {
	out := make([]model.CoreParticipant, 0, len(s.members))
	for _, m := range s.members {
		if !m.present() {
			continue
		}
		if p, ok := m.latest(); ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func (s *State) Handles() []string {
	members := s.Members()
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.Handle
	}
	return out
}

func (s *State) IsMember(handle string) bool {
	m, ok := s.members[handle]
	return ok && m.present()
}

// Participant returns the latest known record for handle, including handles
// that have since been removed. Old messages by removed members still need
// their signing key.
func (s *State) Participant(handle string) (model.CoreParticipant, bool) {
	m, ok := s.members[handle]
	if !ok {
		return model.CoreParticipant{}, false
	}
	return m.latest()
}

// ParticipantAt returns the record handle was a member with when the entry
// carrying meta was written.
func (s *State) ParticipantAt(handle string, meta model.EntryMeta) (model.CoreParticipant, bool) {
	m, ok := s.members[handle]
	if !ok {
		return model.CoreParticipant{}, false
	}
	return m.at(stampOf(meta))
}

func (s *State) Metadata() map[string]string {
	out := make(map[string]string, len(s.metadata))
	for k, f := range s.metadata {
		out[k] = f.value
	}
	return out
}

// ReadUpTo returns the highest index handle has marked read.
func (s *State) ReadUpTo(handle string) (int, bool) {
	i, ok := s.receipts[handle]
	return i, ok
}

// Typing returns handles whose latest typing entry is on, sorted.
func (s *State) Typing() []string {
	var out []string
	for h, t := range s.typing {
		if t.on {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

// Messages returns deduplicated messages in log order.
func (s *State) Messages() []MessageEntry {
	return append([]MessageEntry(nil), s.messages...)
}

// Rejected returns the entries left out, by index.
func (s *State) Rejected() []Rejection {
	out := append([]Rejection(nil), s.rejected...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
