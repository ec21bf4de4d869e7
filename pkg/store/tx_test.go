package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestMapSerialization(t *testing.T) {
	t.Run("serialization failure maps to sentinel", func(t *testing.T) {
		pqErr := &pq.Error{Code: pq.ErrorCode("40001"), Message: "could not serialize access"}
		err := mapSerialization(fmt.Errorf("unit of work failed: %w", pqErr))
		assert.ErrorIs(t, err, ErrSerialization)
	})

	t.Run("other pq errors pass through", func(t *testing.T) {
		pqErr := &pq.Error{Code: pq.ErrorCode("23505"), Message: "duplicate key"}
		err := mapSerialization(pqErr)
		assert.False(t, errors.Is(err, ErrSerialization))
		assert.ErrorIs(t, err, pqErr)
	})

	t.Run("non-pq errors pass through untouched", func(t *testing.T) {
		orig := errors.New("boom")
		assert.Equal(t, orig, mapSerialization(orig))
	})
}
