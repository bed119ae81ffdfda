package store

import (
	"fmt"

	"mergedb/pkg/dberrors"
)

var (
	ErrEmptyKey         = fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	ErrNilOperator      = fmt.Errorf("%w: merge operator is required", dberrors.ErrInvalidArgument)
	ErrOperatorMismatch = fmt.Errorf("%w: merge operator differs from the one the database was created with", dberrors.ErrInvalidArgument)
)
