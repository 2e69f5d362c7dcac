package service

import (
	"errors"
	"fmt"
)

// ErrStaleRow means a compare-and-set update matched nothing because another
// transaction already moved the row.
var ErrStaleRow = errors.New("row changed concurrently")

func expectOneRow(rows int64, op string) error {
	switch rows {
	case 1:
		return nil
	case 0:
		return newError(KindInvalidState, op, ErrStaleRow)
	}
	return newError(KindInfraFailure, op, fmt.Errorf("affected %d rows", rows))
}
