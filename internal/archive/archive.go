// Package archive keeps a parquet copy of every imported batch in an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/kiranshivaraju/factoryetl/internal/chunk"
	"github.com/kiranshivaraju/factoryetl/internal/config"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

// ObjectStore is the bucket API the archive writes through.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, key string, data []byte) error
}

// MinioStore is an ObjectStore backed by minio-go.
type MinioStore struct {
	client *minio.Client
}

func NewMinioStore(cfg config.ArchiveConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

// EnsureBucket creates bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

func (s *MinioStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/vnd.apache.parquet",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// Archive writes batches as parquet objects keyed by process and day.
type Archive struct {
	store  ObjectStore
	bucket string
	now    func() time.Time
}

func New(store ObjectStore, bucket string) *Archive {
	return &Archive{store: store, bucket: bucket, now: time.Now}
}

// Key is process={id}/dt={day}/{chunk}.parquet, without the chunk extension.
func (a *Archive) Key(p *models.Process, chunkName string) string {
	base := strings.TrimSuffix(chunkName, chunk.Ext)
	return path.Join(
		fmt.Sprintf("process=%d", p.ID),
		fmt.Sprintf("dt=%s", a.now().UTC().Format("2006-01-02")),
		base+".parquet",
	)
}

func (a *Archive) Archive(ctx context.Context, p *models.Process, chunkName string, rows *frame.Frame) error {
	data, err := Encode(p, rows)
	if err != nil {
		return err
	}
	key := a.Key(p, chunkName)
	if err := a.store.PutObject(ctx, a.bucket, key, data); err != nil {
		return err
	}
	return nil
}

// Encode renders the configured columns of rows present in the frame as one
// snappy-compressed parquet file.
func Encode(p *models.Process, rows *frame.Frame) ([]byte, error) {
	var cols []models.ColumnConfig
	for _, c := range p.Columns {
		if rows.Has(c.ColumnName) {
			cols = append(cols, c)
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("archive process %d: no configured column present", p.ID)
	}

	buf := &bytes.Buffer{}
	pfw := writerfile.NewWriterFile(buf)
	pw, err := writer.NewJSONWriter(schema(cols), pfw, 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i := 0; i < rows.Len(); i++ {
		rec := make(map[string]any, len(cols))
		for _, c := range cols {
			rec[c.ColumnName] = parquetValue(c.DataType, rows.Value(i, c.ColumnName))
		}
		line, err := json.Marshal(rec)
		if err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("encode archive row %d: %w", i, err)
		}
		if err := pw.Write(string(line)); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("write archive row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finish parquet file: %w", err)
	}
	_ = pfw.Close()
	return buf.Bytes(), nil
}

func schema(cols []models.ColumnConfig) string {
	fields := make([]map[string]string, 0, len(cols))
	for _, c := range cols {
		fields = append(fields, map[string]string{"Tag": fieldTag(c)})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func fieldTag(c models.ColumnConfig) string {
	switch c.DataType {
	case models.DataTypeInteger:
		return fmt.Sprintf("name=%s, type=INT64, repetitiontype=OPTIONAL", c.ColumnName)
	case models.DataTypeReal:
		return fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", c.ColumnName)
	default:
		return fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", c.ColumnName)
	}
}

// parquetValue maps a cell onto the physical type of its column. Cells that
// do not convert are written as null.
func parquetValue(dt models.DataType, v any) any {
	if frame.IsNull(v) {
		return nil
	}
	switch dt {
	case models.DataTypeInteger:
		if n, err := frame.AsInt(v); err == nil {
			return n
		}
		return nil
	case models.DataTypeReal:
		if f, err := frame.AsFloat(v); err == nil {
			return f
		}
		return nil
	case models.DataTypeDatetime:
		if t, err := frame.AsTime(v); err == nil {
			return t.UTC().Format(time.RFC3339Nano)
		}
		return nil
	}
	return frame.AsString(v)
}
