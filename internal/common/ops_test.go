package common

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransform(t *testing.T) {
	tests := []struct {
		name string
		a, b Op
		want Op
	}{
		// insert vs insert
		{"ins before ins", Insert{1, "x"}, Insert{3, "abc"}, Insert{1, "x"}},
		{"ins tie stays", Insert{3, "x"}, Insert{3, "abc"}, Insert{3, "x"}},
		{"ins after ins", Insert{4, "x"}, Insert{3, "abc"}, Insert{7, "x"}},

		// insert vs delete
		{"ins before del", Insert{2, "x"}, Delete{2, 3}, Insert{2, "x"}},
		{"ins at del end", Insert{5, "x"}, Delete{2, 3}, Insert{2, "x"}},
		{"ins after del", Insert{8, "x"}, Delete{2, 3}, Insert{5, "x"}},
		{"ins inside del", Insert{3, "x"}, Delete{2, 3}, Insert{2, "x"}},

		// delete vs insert
		{"del at ins", Delete{3, 2}, Insert{3, "abc"}, Delete{6, 2}},
		{"del after ins", Delete{5, 2}, Insert{3, "abc"}, Delete{8, 2}},
		{"del before ins", Delete{0, 3}, Insert{3, "abc"}, Delete{0, 3}},
		{"del spans ins", Delete{1, 4}, Insert{3, "abc"}, Delete{1, 7}},

		// delete vs delete
		{"del disjoint after", Delete{8, 2}, Delete{3, 4}, Delete{4, 2}},
		{"del adjacent after", Delete{7, 2}, Delete{3, 4}, Delete{3, 2}},
		{"del disjoint before", Delete{0, 2}, Delete{3, 4}, Delete{0, 2}},
		{"del adjacent before", Delete{1, 2}, Delete{3, 4}, Delete{1, 2}},
		{"del contained", Delete{4, 2}, Delete{3, 4}, nil},
		{"del equal", Delete{3, 4}, Delete{3, 4}, nil},
		{"del contains", Delete{2, 6}, Delete{3, 4}, Delete{2, 2}},
		{"del front overlap", Delete{2, 2}, Delete{3, 4}, Delete{2, 1}},
		{"del back overlap", Delete{6, 3}, Delete{3, 4}, Delete{3, 2}},
		{"del empty inside", Delete{4, 0}, Delete{3, 4}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Transform(tt.a, tt.b))
		})
	}
}

func TestTransformIsPure(t *testing.T) {
	a := Delete{1, 4}
	b := Insert{3, "abc"}

	_ = Transform(a, b)

	require.Equal(t, Delete{1, 4}, a)
	require.Equal(t, Insert{3, "abc"}, b)
}

func TestDisjointDeletesCommute(t *testing.T) {
	base := NewText("abcdefghij")
	a := Delete{0, 3}
	b := Delete{5, 3}

	ab := Apply(base, []Op{a, Transform(b, a)})
	ba := Apply(base, []Op{b, Transform(a, b)})

	require.Equal(t, "deij", ab.String())
	require.Equal(t, ab, ba)
}

// Pairs that converge regardless of which one the server applies first.
// Two inserts at the same position and an insert strictly inside a concurrent
// delete resolve by arrival order instead, so they are not listed here.
func TestConvergence(t *testing.T) {
	base := "hello brave new world"

	pairs := []struct {
		name string
		a, b Op
	}{
		{"ins ins apart", Insert{0, "oh "}, Insert{5, ","}},
		{"ins del apart", Insert{21, "!"}, Delete{6, 6}},
		{"ins at del start", Insert{6, "so "}, Delete{6, 6}},
		{"ins at del end", Insert{12, "big "}, Delete{6, 6}},
		{"del del disjoint", Delete{0, 6}, Delete{12, 4}},
		{"del del adjacent", Delete{0, 6}, Delete{6, 6}},
		{"del del overlap", Delete{2, 8}, Delete{6, 10}},
		{"del del nested", Delete{0, 21}, Delete{6, 6}},
		{"del del equal", Delete{6, 6}, Delete{6, 6}},
		{"del before ins", Delete{0, 5}, Insert{5, "!"}},
	}

	for _, p := range pairs {
		t.Run(p.name, func(t *testing.T) {
			ab := applyBoth(NewText(base), p.a, p.b)
			ba := applyBoth(NewText(base), p.b, p.a)
			require.Equal(t, ab.String(), ba.String())
		})
	}
}

// applies first, then second transformed against first
func applyBoth(t Text, first, second Op) Text {
	t = first.Apply(t)
	if op := Transform(second, first); op != nil {
		t = op.Apply(t)
	}
	return t
}

func TestSubsumedDeleteLeavesContentAlone(t *testing.T) {
	base := NewText("abcdefghij")
	applied := Delete{2, 6}
	after := applied.Apply(base)

	require.Nil(t, Transform(Delete{3, 2}, applied))
	require.Equal(t, "abij", after.String())
}

func TestApplyUTF16Offsets(t *testing.T) {
	// the emoji takes two code units, so "b" sits at offset 3
	doc := NewText("a\U0001F600b")
	require.Equal(t, 4, doc.Len())

	doc = Insert{3, "!"}.Apply(doc)
	require.Equal(t, "a\U0001F600!b", doc.String())

	doc = Delete{1, 2}.Apply(doc)
	require.Equal(t, "a!b", doc.String())

	require.Equal(t, 2, Units("\U0001F600"))
	require.Equal(t, 3, Units("héy"))
}

func TestApplySplitSurrogate(t *testing.T) {
	// positions are not snapped to code points; splitting a pair is allowed
	doc := Insert{2, "x"}.Apply(NewText("a\U0001F600"))
	require.Equal(t, 4, doc.Len())
	require.Equal(t, uint16('x'), doc[2])
}

func TestApplyOutOfRangePanics(t *testing.T) {
	require.Panics(t, func() { Delete{2, 5}.Apply(NewText("abc")) })
	require.Panics(t, func() { Insert{4, "x"}.Apply(NewText("abc")) })
	require.False(t, Delete{2, 5}.Fits(3))
	require.True(t, Insert{3, "x"}.Fits(3))
}

func TestOperationDecode(t *testing.T) {
	var o Operation
	require.NoError(t, json.Unmarshal([]byte(`{"type":"insert","position":5,"text":" world"}`), &o))

	op, err := o.Decode()
	require.NoError(t, err)
	require.Equal(t, Insert{5, " world"}, op)
	require.Equal(t, o, EncodeOp(op))

	_, err = Operation{Type: Del, Position: 1, Length: -1}.Decode()
	require.Error(t, err)

	_, err = Operation{Type: Add, Position: -1}.Decode()
	require.Error(t, err)

	_, err = Operation{Type: "retain", Position: 0}.Decode()
	require.Error(t, err)
}

func TestErrorCodes(t *testing.T) {
	err := SaveFailure(ErrUnknownDocument)
	require.Equal(t, CodeSaveFailure, CodeOf(err))
	require.ErrorIs(t, &Error{Code: CodeUnknownDocument, Message: "x"}, ErrUnknownDocument)

	res := ErrorResponse("doc", ErrUnregisteredClient)
	require.Equal(t, ErrorRes, res.Type)
	require.Equal(t, CodeUnregisteredClient, res.Error.Code)

	res = ErrorResponse("doc", json.Unmarshal([]byte("{"), &struct{}{}))
	require.Equal(t, CodeMalformedMessage, res.Error.Code)
}
