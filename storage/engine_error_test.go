package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahalvadzija/docdb/dberr"
)

func TestTranslateEngineErrorWrapsAsStorageEngineError(t *testing.T) {
	err := translateEngineError(errors.New("value log checksum mismatch"))

	cause := dberr.Cause(err)
	var storageErr *dberr.StorageEngineError
	require.ErrorAs(t, cause, &storageErr)
	assert.Equal(t, "value log checksum mismatch", storageErr.Message)
}
