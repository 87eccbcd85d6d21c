package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var attributionCols = []string{"id", "block_number", "delegator_address"}

func TestCopyFrom_NoRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "block_attributions", attributionCols, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"block_attributions"}, attributionCols).WillReturnResult(2)

	rows := [][]any{{"a1", int64(100), "5Ga"}, {"a2", int64(100), "5Gb"}}
	n, err := CopyFrom(context.Background(), mock, "block_attributions", attributionCols, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_ShortWrite(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"block_attributions"}, attributionCols).WillReturnResult(1)

	rows := [][]any{{"a1", int64(100), "5Ga"}, {"a2", int64(100), "5Gb"}}
	_, err = CopyFrom(context.Background(), mock, "block_attributions", attributionCols, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrote 1 of 2")
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"block_attributions"}, attributionCols).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyFrom(context.Background(), mock, "block_attributions", attributionCols, [][]any{{"a1", int64(1), "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO block_attributions")
	assert.NoError(t, mock.ExpectationsWereMet())
}
