package remote

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/kimhsiao/postbills/backend/internal/errors"
	"github.com/kimhsiao/postbills/backend/internal/observer"
)

// Call records one mutating call made against a Memory store.
type Call struct {
	Op      string
	BoardID string
	IDs     []string
}

// FaultFunc may return an error to make a call fail before it has any effect.
type FaultFunc func(op, boardID string, ids []string) error

// Memory is an in-process DocumentStore and ObjectStore.
// It backs the development server and tests.
type Memory struct {
	mu      sync.Mutex
	boards  map[string]map[string]Document
	objects map[string]memObject
	calls   []Call
	fault   FaultFunc
	baseURL string

	// notifyMu keeps subscriber deliveries in change order.
	notifyMu sync.Mutex
	subs     map[string]*observer.Registry[[]Document]
}

type memObject struct {
	data        []byte
	contentType string
}

// NewMemory creates an empty store. Object URLs are baseURL + "/" + key.
func NewMemory(baseURL string) *Memory {
	if baseURL == "" {
		baseURL = "mem://objects"
	}
	return &Memory{
		boards:  make(map[string]map[string]Document),
		objects: make(map[string]memObject),
		subs:    make(map[string]*observer.Registry[[]Document]),
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// SetBaseURL changes the prefix used by URL.
func (m *Memory) SetBaseURL(baseURL string) {
	m.mu.Lock()
	m.baseURL = strings.TrimSuffix(baseURL, "/")
	m.mu.Unlock()
}

// SetFault installs fn as the failure hook. Nil clears it.
func (m *Memory) SetFault(fn FaultFunc) {
	m.mu.Lock()
	m.fault = fn
	m.mu.Unlock()
}

// Calls returns the calls recorded so far, including failed ones.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// ResetCalls clears the call log.
func (m *Memory) ResetCalls() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// begin records the call and consults the fault hook. Caller holds mu.
func (m *Memory) begin(op, boardID string, ids ...string) error {
	m.calls = append(m.calls, Call{Op: op, BoardID: boardID, IDs: ids})
	if m.fault != nil {
		return m.fault(op, boardID, ids)
	}
	return nil
}

func (m *Memory) board(boardID string) map[string]Document {
	b, ok := m.boards[boardID]
	if !ok {
		b = make(map[string]Document)
		m.boards[boardID] = b
	}
	return b
}

// snapshot returns the board's documents sorted by id. Caller holds mu.
func (m *Memory) snapshot(boardID string) []Document {
	b := m.boards[boardID]
	docs := make([]Document, 0, len(b))
	for _, d := range b {
		docs = append(docs, d)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// Set implements DocumentStore.
func (m *Memory) Set(ctx context.Context, boardID string, doc Document) error {
	m.mu.Lock()
	if err := m.begin("set", boardID, doc.ID); err != nil {
		m.mu.Unlock()
		return err
	}
	if doc.ID == "" {
		m.mu.Unlock()
		return errors.New(errors.ErrRemoteRejected, "document id is required")
	}
	m.board(boardID)[doc.ID] = doc
	m.mu.Unlock()

	m.notify(boardID)
	return nil
}

// Merge implements DocumentStore.
func (m *Memory) Merge(ctx context.Context, boardID, id string, p Patch) error {
	m.mu.Lock()
	if err := m.begin("merge", boardID, id); err != nil {
		m.mu.Unlock()
		return err
	}
	b := m.board(boardID)
	doc, ok := b[id]
	if !ok {
		doc = Document{ID: id}
	}
	p.Apply(&doc)
	b[id] = doc
	m.mu.Unlock()

	m.notify(boardID)
	return nil
}

// Delete implements DocumentStore.
func (m *Memory) Delete(ctx context.Context, boardID, id string) error {
	m.mu.Lock()
	if err := m.begin("delete", boardID, id); err != nil {
		m.mu.Unlock()
		return err
	}
	b := m.board(boardID)
	if _, ok := b[id]; !ok {
		m.mu.Unlock()
		return errors.New(errors.ErrRemoteNotFound, fmt.Sprintf("document %s not found", id))
	}
	delete(b, id)
	m.mu.Unlock()

	m.notify(boardID)
	return nil
}

// Batch implements DocumentStore.
func (m *Memory) Batch(ctx context.Context, boardID string, writes []Write) error {
	ids := make([]string, len(writes))
	for i, w := range writes {
		ids[i] = w.ID
	}

	m.mu.Lock()
	if err := m.begin("batch", boardID, ids...); err != nil {
		m.mu.Unlock()
		return err
	}
	b := m.board(boardID)
	for _, w := range writes {
		if _, ok := b[w.ID]; !ok {
			m.mu.Unlock()
			return errors.New(errors.ErrRemoteNotFound, fmt.Sprintf("batch target %s not found", w.ID))
		}
	}
	for _, w := range writes {
		doc := b[w.ID]
		w.Patch.Apply(&doc)
		b[w.ID] = doc
	}
	m.mu.Unlock()

	if len(writes) > 0 {
		m.notify(boardID)
	}
	return nil
}

// List implements DocumentStore.
func (m *Memory) List(ctx context.Context, boardID string) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		if err := m.fault("list", boardID, nil); err != nil {
			return nil, err
		}
	}
	return m.snapshot(boardID), nil
}

// Subscribe implements DocumentStore. The current set is delivered before
// Subscribe returns.
func (m *Memory) Subscribe(ctx context.Context, boardID string, fn func([]Document)) (func(), error) {
	m.notifyMu.Lock()
	reg, ok := m.subs[boardID]
	if !ok {
		reg = &observer.Registry[[]Document]{}
		m.subs[boardID] = reg
	}
	unsub := reg.Subscribe(fn)

	m.mu.Lock()
	docs := m.snapshot(boardID)
	m.mu.Unlock()
	fn(docs)
	m.notifyMu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}
	return unsub, nil
}

func (m *Memory) notify(boardID string) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	reg, ok := m.subs[boardID]
	if !ok || reg.Len() == 0 {
		return
	}
	m.mu.Lock()
	docs := m.snapshot(boardID)
	m.mu.Unlock()
	reg.Emit(docs)
}

// Documents returns the board's documents sorted by day key then order.
func (m *Memory) Documents(boardID string) []Document {
	m.mu.Lock()
	docs := m.snapshot(boardID)
	m.mu.Unlock()
	sort.SliceStable(docs, func(i, j int) bool {
		if docs[i].DayKey != docs[j].DayKey {
			return docs[i].DayKey < docs[j].DayKey
		}
		return docs[i].Order < docs[j].Order
	})
	return docs
}

// MemoryObjects is the ObjectStore view of a Memory store.
type MemoryObjects struct {
	m *Memory
}

// Objects returns the object store sharing m's call log and fault hook.
func (m *Memory) Objects() *MemoryObjects {
	return &MemoryObjects{m: m}
}

// Upload implements ObjectStore.
func (o *MemoryObjects) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	m := o.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("upload", "", key); err != nil {
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = memObject{data: buf, contentType: contentType}
	return nil
}

// URL implements ObjectStore.
func (o *MemoryObjects) URL(ctx context.Context, key string) (string, error) {
	m := o.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", errors.New(errors.ErrRemoteNotFound, fmt.Sprintf("object %s not found", key))
	}
	return m.baseURL + "/" + (&url.URL{Path: key}).EscapedPath(), nil
}

// Delete implements ObjectStore.
func (o *MemoryObjects) Delete(ctx context.Context, key string) error {
	m := o.m
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("delete-object", "", key); err != nil {
		return err
	}
	if _, ok := m.objects[key]; !ok {
		return errors.New(errors.ErrRemoteNotFound, fmt.Sprintf("object %s not found", key))
	}
	delete(m.objects, key)
	return nil
}

// Get returns an uploaded object.
func (o *MemoryObjects) Get(key string) (data []byte, contentType string, ok bool) {
	m := o.m
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", false
	}
	return obj.data, obj.contentType, true
}

// Ensure Memory implements the remote contracts.
var (
	_ DocumentStore = (*Memory)(nil)
	_ ObjectStore   = (*MemoryObjects)(nil)
)
