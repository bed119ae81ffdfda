package merge

// Overwrite makes Merge behave like Put: the newest operand wins.
type Overwrite struct{}

func (Overwrite) Name() string {
	return NameOverwrite
}

func (Overwrite) FullMerge(_, existing []byte, hasExisting bool, operands [][]byte) ([]byte, error) {
	if len(operands) == 0 {
		if !hasExisting {
			return nil, nil
		}
		return append([]byte(nil), existing...), nil
	}
	return append([]byte(nil), operands[len(operands)-1]...), nil
}

func (Overwrite) PartialMerge(_, _, right []byte) ([]byte, bool) {
	return append([]byte(nil), right...), true
}
