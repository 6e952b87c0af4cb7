package common

// create a diff between two strings
// returns the ops that change s1 into s2: at most one Delete covering the
// replaced span of s1, followed by one Insert of the new span at the same
// position
func Diff(s1, s2 string) []Op {
	t1, t2 := NewText(s1), NewText(s2)
	n := minInt(len(t1), len(t2))

	prefix := 0
	for prefix < n && t1[prefix] == t2[prefix] {
		prefix++
	}
	// keep surrogate pairs whole so the inserted span survives as a string
	if prefix > 0 && isHighSurrogate(t1[prefix-1]) {
		prefix--
	}

	// suffix may not reach back into the prefix of either side
	suffix := 0
	for suffix < n-prefix && t1[len(t1)-1-suffix] == t2[len(t2)-1-suffix] {
		suffix++
	}
	if suffix > 0 && isLowSurrogate(t1[len(t1)-suffix]) {
		suffix--
	}

	res := []Op{}

	if del := len(t1) - prefix - suffix; del > 0 {
		res = append(res, Delete{prefix, del})
	}
	if ins := t2[prefix : len(t2)-suffix]; len(ins) > 0 {
		res = append(res, Insert{prefix, ins.String()})
	}

	return res
}

// applies a sequence of ops in order
func Apply(t Text, ops []Op) Text {
	for _, op := range ops {
		t = op.Apply(t)
	}
	return t
}

func isHighSurrogate(u uint16) bool {
	return u >= 0xd800 && u < 0xdc00
}

func isLowSurrogate(u uint16) bool {
	return u >= 0xdc00 && u < 0xe000
}
