package merge

// StringAppend treats a value as a delimited list and appends each operand.
type StringAppend struct {
	Delim byte
}

func NewStringAppend(delim byte) StringAppend {
	return StringAppend{Delim: delim}
}

func (StringAppend) Name() string {
	return NameStringAppend
}

func (s StringAppend) FullMerge(_, existing []byte, hasExisting bool, operands [][]byte) ([]byte, error) {
	size := len(existing) + len(operands)
	for _, op := range operands {
		size += len(op)
	}

	out := make([]byte, 0, size)
	first := true
	if hasExisting {
		out = append(out, existing...)
		first = false
	}
	for _, op := range operands {
		if !first {
			out = append(out, s.Delim)
		}
		out = append(out, op...)
		first = false
	}

	return out, nil
}

func (s StringAppend) PartialMerge(_, left, right []byte) ([]byte, bool) {
	out := make([]byte, 0, len(left)+1+len(right))
	out = append(out, left...)
	out = append(out, s.Delim)
	out = append(out, right...)
	return out, true
}
