// Package dispatch maps integer opcodes to handlers.
//
// Every handler has the same untyped shape: it receives the positional
// arguments as encoded buffers plus the codec that encoded them, and returns
// the encoded result. The generic RegisterVoid* and RegisterValue* helpers
// adapt typed Go functions of 0 to 3 arguments to that shape.
//
// One-way notifications share the opcode space with calls. A notification
// opcode is reserved through ReserveNotification so that reusing it for a
// call, or the other way round, fails at registration time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pipe-rpc/codec"
)

var (
	// ErrInvalidArgument is the root of all local registration and
	// argument errors.
	ErrInvalidArgument = errors.New("invalid argument")

	ErrNilHandler    = fmt.Errorf("%w: nil handler", ErrInvalidArgument)
	ErrOpcodeInUse   = fmt.Errorf("%w: opcode already registered", ErrInvalidArgument)
	ErrArgumentCount = fmt.Errorf("%w: wrong number of arguments", ErrInvalidArgument)
)

// Handler executes one call. args[i] holds the i-th encoded argument.
type Handler func(ctx context.Context, c codec.Codec, args [][]byte) ([]byte, error)

// Kind tells what an opcode is bound to.
type Kind int

const (
	KindCall Kind = iota
	KindNotification
)

func (k Kind) String() string {
	if k == KindNotification {
		return "notification"
	}
	return "call"
}

// Entry describes one bound opcode.
type Entry struct {
	Opcode  int32
	Kind    Kind
	Arity   int  // calls only
	Returns bool // calls only: true if the handler produces a value
}

type binding struct {
	entry   Entry
	handler Handler
}

// Table is the opcode registry of one server. It is safe for concurrent use;
// lookups take a read lock only.
type Table struct {
	mu       sync.RWMutex
	bindings map[int32]*binding
}

func NewTable() *Table {
	return &Table{bindings: make(map[int32]*binding)}
}

// Register binds h to opcode. arity and returns describe the handler for
// listings; the handler itself validates what it receives.
func (t *Table) Register(opcode int32, arity int, returns bool, h Handler) error {
	if h == nil {
		return fmt.Errorf("opcode %d: %w", opcode, ErrNilHandler)
	}
	if arity < 0 {
		return fmt.Errorf("opcode %d: %w: negative arity %d", opcode, ErrInvalidArgument, arity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.bindings[opcode]; ok {
		return fmt.Errorf("opcode %d: %w as %s", opcode, ErrOpcodeInUse, existing.entry.Kind)
	}
	t.bindings[opcode] = &binding{
		entry:   Entry{Opcode: opcode, Kind: KindCall, Arity: arity, Returns: returns},
		handler: h,
	}
	return nil
}

// ReserveNotification marks opcode as one-way. Reserving the same opcode
// again is fine (several subscribers); reserving a call opcode is not.
func (t *Table) ReserveNotification(opcode int32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.bindings[opcode]; ok {
		if existing.entry.Kind == KindNotification {
			return nil
		}
		return fmt.Errorf("opcode %d: %w as %s", opcode, ErrOpcodeInUse, existing.entry.Kind)
	}
	t.bindings[opcode] = &binding{entry: Entry{Opcode: opcode, Kind: KindNotification}}
	return nil
}

// Lookup returns the call handler bound to opcode. Notification opcodes are
// not callable and report false.
func (t *Table) Lookup(opcode int32) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.bindings[opcode]
	if !ok || b.entry.Kind != KindCall {
		return nil, false
	}
	return b.handler, true
}

// Entries lists every bound opcode in ascending order.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	entries := make([]Entry, 0, len(t.bindings))
	for _, b := range t.bindings {
		entries = append(entries, b.entry)
	}
	t.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Opcode < entries[j].Opcode })
	return entries
}
