package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/kiranshivaraju/factoryetl/internal/chunk"
	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/internal/workshop"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

// ReferenceSource supplies the master row and the code to name mapping of
// one workshop child equipment.
type ReferenceSource interface {
	Master(ctx context.Context) (*frame.Frame, error)
	// CodeNames maps measurement item codes, rendered with frame.AsString,
	// to their names.
	CodeNames(ctx context.Context) (map[string]string, error)
}

// Local reads the MASTER and CODE files the pull engine wrote next to the
// transaction chunks. When a file is missing and Fallback is set, the
// fallback is asked instead.
type Local struct {
	Chunks    *chunk.Store
	ProcessID int64
	Def       *workshop.Def
	Fallback  ReferenceSource
}

func (l *Local) Master(ctx context.Context) (*frame.Frame, error) {
	f, err := l.Chunks.ReadReference(l.ProcessID, chunk.Master)
	if errors.Is(err, chunk.ErrNotFound) {
		if l.Fallback != nil {
			return l.Fallback.Master(ctx)
		}
		slog.Warn("master reference file missing", "process_id", l.ProcessID)
		return frame.Empty(), nil
	}
	return f, err
}

func (l *Local) CodeNames(ctx context.Context) (map[string]string, error) {
	f, err := l.Chunks.ReadReference(l.ProcessID, chunk.Code)
	if errors.Is(err, chunk.ErrNotFound) {
		if l.Fallback != nil {
			return l.Fallback.CodeNames(ctx)
		}
		slog.Warn("code reference file missing", "process_id", l.ProcessID)
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return codeMapping(f, l.Def.MeasItemCode, l.Def.MeasItemName), nil
}

func codeMapping(f *frame.Frame, codeCol, nameCol string) map[string]string {
	out := make(map[string]string, f.Len())
	for i := 0; i < f.Len(); i++ {
		code := f.Value(i, codeCol)
		if frame.IsNull(code) {
			continue
		}
		out[frame.AsString(code)] = frame.AsString(f.Value(i, nameCol))
	}
	return out
}

// codeNameCache memoizes remote code mappings across imports.
var codeNameCache = ttlcache.New[string, map[string]string](
	ttlcache.WithTTL[string, map[string]string](10*time.Minute),
	ttlcache.WithDisableTouchOnHit[string, map[string]string](),
)

// Remote queries the source through a read-only connector.
type Remote struct {
	Factory    *connector.Factory
	DataSource *models.DataSource
	FactID     string
	Def        *workshop.Def
}

func (r *Remote) query(ctx context.Context, build func(connector.Dialect) (string, []any)) (*frame.Frame, error) {
	conn, err := r.Factory.Open(ctx, r.DataSource, connector.ReadOnly())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	sql, args := build(conn.Dialect())
	return conn.RunQuery(ctx, sql, args...)
}

func (r *Remote) Master(ctx context.Context) (*frame.Frame, error) {
	f, err := r.query(ctx, func(d connector.Dialect) (string, []any) {
		return r.Def.MasterQuery(d, []string{r.FactID})
	})
	if err != nil {
		return nil, fmt.Errorf("query master data for %s: %w", r.FactID, err)
	}
	return f, nil
}

func (r *Remote) CodeNames(ctx context.Context) (map[string]string, error) {
	key := fmt.Sprintf("%d/%s", r.DataSource.ID, r.FactID)
	if item := codeNameCache.Get(key); item != nil {
		return item.Value(), nil
	}

	f, err := r.query(ctx, func(d connector.Dialect) (string, []any) {
		return r.Def.CodeNameQuery(d, []string{r.FactID})
	})
	if err != nil {
		return nil, fmt.Errorf("query code names for %s: %w", r.FactID, err)
	}
	m := codeMapping(f, r.Def.MeasItemCode, r.Def.MeasItemName)
	codeNameCache.Set(key, m, ttlcache.DefaultTTL)
	return m, nil
}
