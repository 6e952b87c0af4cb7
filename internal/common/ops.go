package common

import (
	"fmt"

	"golang.org/x/xerrors"
)

const (
	Add = "insert"
	Del = "delete"
)

// Op is a single edit. Values are immutable; transforms always build new ones.
type Op interface {
	// Apply returns a new Text with the op applied. Positions are not
	// re-validated: an out-of-range op panics.
	Apply(t Text) Text
	// Fits reports whether the op can be applied to a text of length n.
	Fits(n int) bool

	String() string
}

type Insert struct {
	Position int
	Text     string
}

type Delete struct {
	Position int
	Length   int
}

func (op Insert) Apply(t Text) Text {
	ins := NewText(op.Text)
	res := make(Text, 0, len(t)+len(ins))
	res = append(res, t[:op.Position]...)
	res = append(res, ins...)
	return append(res, t[op.Position:]...)
}

func (op Insert) Fits(n int) bool {
	return op.Position >= 0 && op.Position <= n
}

func (op Insert) String() string {
	return fmt.Sprintf("insert(%d,%q)", op.Position, op.Text)
}

func (op Delete) Apply(t Text) Text {
	res := make(Text, 0, len(t)-op.Length)
	res = append(res, t[:op.Position]...)
	return append(res, t[op.Position+op.Length:]...)
}

func (op Delete) Fits(n int) bool {
	return op.Position >= 0 && op.Length >= 0 && op.Position+op.Length <= n
}

func (op Delete) String() string {
	return fmt.Sprintf("delete(%d,%d)", op.Position, op.Length)
}

// Transform returns the form of a that applies after b, where both were
// generated against the same state. A nil result means a was subsumed by b
// and nothing is left to apply.
func Transform(a, b Op) Op {
	switch ao := a.(type) {
	case Insert:
		switch bo := b.(type) {
		case Insert:
			return xformInsertInsert(ao, bo)
		case Delete:
			return xformInsertDelete(ao, bo)
		}
	case Delete:
		switch bo := b.(type) {
		case Insert:
			return xformDeleteInsert(ao, bo)
		case Delete:
			return xformDeleteDelete(ao, bo)
		}
	}
	panic(fmt.Sprintf("transform of unknown op pair %T, %T", a, b))
}

// equal positions leave a in front of b's text
func xformInsertInsert(a, b Insert) Op {
	if a.Position <= b.Position {
		return a
	}
	return Insert{a.Position + Units(b.Text), a.Text}
}

func xformInsertDelete(a Insert, b Delete) Op {
	if a.Position <= b.Position {
		return a
	}
	if a.Position >= b.Position+b.Length {
		return Insert{a.Position - b.Length, a.Text}
	}
	// inside the deleted range: collapse to the deletion point
	return Insert{b.Position, a.Text}
}

func xformDeleteInsert(a Delete, b Insert) Op {
	if a.Position >= b.Position {
		return Delete{a.Position + Units(b.Text), a.Length}
	}
	if a.Position+a.Length <= b.Position {
		return a
	}
	// the insert lands inside a's range and is deleted along with it
	return Delete{a.Position, a.Length + Units(b.Text)}
}

func xformDeleteDelete(a, b Delete) Op {
	aEnd, bEnd := a.Position+a.Length, b.Position+b.Length

	switch {
	case a.Position >= bEnd:
		return Delete{a.Position - b.Length, a.Length}
	case aEnd <= b.Position:
		return a
	case a.Position >= b.Position && aEnd <= bEnd:
		return nil
	case a.Position <= b.Position && aEnd >= bEnd:
		return Delete{a.Position, a.Length - b.Length}
	case a.Position < b.Position:
		// a's tail overlaps b's head
		return Delete{a.Position, b.Position - a.Position}
	default:
		// a's head overlaps b's tail
		return Delete{b.Position, maxInt(0, aEnd-bEnd)}
	}
}

// Operation is the wire form of an Op.
type Operation struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

func EncodeOp(op Op) Operation {
	switch o := op.(type) {
	case Insert:
		return Operation{Type: Add, Position: o.Position, Text: o.Text}
	case Delete:
		return Operation{Type: Del, Position: o.Position, Length: o.Length}
	}
	panic(fmt.Sprintf("encode of unknown op %T", op))
}

func (o Operation) Decode() (Op, error) {
	if o.Position < 0 {
		return nil, xerrors.Errorf("negative position %d", o.Position)
	}

	switch o.Type {
	case Add:
		return Insert{o.Position, o.Text}, nil
	case Del:
		if o.Length < 0 {
			return nil, xerrors.Errorf("negative length %d", o.Length)
		}
		return Delete{o.Position, o.Length}, nil
	default:
		return nil, xerrors.Errorf("unknown op type %q", o.Type)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
