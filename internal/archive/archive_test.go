package archive

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

type memStore struct {
	objects map[string][]byte
	err     error
}

func (m *memStore) PutObject(_ context.Context, bucket, key string, data []byte) error {
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = map[string][]byte{}
	}
	m.objects[bucket+"/"+key] = data
	return nil
}

func process() *models.Process {
	return &models.Process{
		ID: 10,
		Columns: []models.ColumnConfig{
			{ColumnName: "event_time", DataType: models.DataTypeDatetime, IsGetDate: true},
			{ColumnName: "serial", DataType: models.DataTypeText},
			{ColumnName: "count", DataType: models.DataTypeInteger},
			{ColumnName: "load", DataType: models.DataTypeReal},
			{ColumnName: "not_imported", DataType: models.DataTypeText},
		},
	}
}

func TestEncode(t *testing.T) {
	rows := frame.New([]string{"event_time", "serial", "count", "load", "extra"},
		[]any{time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC), "S1", int64(3), 1.5, "x"},
		[]any{nil, nil, "7", "bad", "y"},
	)
	data, err := Encode(process(), rows)
	require.NoError(t, err)
	require.Greater(t, len(data), 8)
	assert.True(t, bytes.HasPrefix(data, []byte("PAR1")))
	assert.True(t, bytes.HasSuffix(data, []byte("PAR1")))

	_, err = Encode(process(), frame.New([]string{"extra"}, []any{"x"}))
	assert.Error(t, err)
}

func TestArchive_Key(t *testing.T) {
	store := &memStore{}
	a := New(store, "factory")
	a.now = func() time.Time { return time.Date(2024, 2, 3, 23, 0, 0, 0, time.UTC) }

	rows := frame.New([]string{"serial"}, []any{"S1"})
	require.NoError(t, a.Archive(context.Background(), process(), "TRANSACTION-a-b-1.jsonl.gz", rows))

	require.Len(t, store.objects, 1)
	assert.Contains(t, store.objects, "factory/process=10/dt=2024-02-03/TRANSACTION-a-b-1.parquet")
}

func TestArchive_StoreError(t *testing.T) {
	a := New(&memStore{err: errors.New("bucket gone")}, "factory")
	err := a.Archive(context.Background(), process(), "c.jsonl.gz", frame.New([]string{"serial"}, []any{"S1"}))
	assert.ErrorContains(t, err, "bucket gone")
}
