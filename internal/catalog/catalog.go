// Package catalog is the read-only configuration store: data sources,
// processes and their column mappings, loaded from a YAML file.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

var ErrNotFound = errors.New("catalog entry not found")

// Catalog hands out snapshots. Callers own what they receive.
type Catalog interface {
	GetDataSource(ctx context.Context, id int64) (*models.DataSource, error)
	ListDataSources(ctx context.Context) ([]*models.DataSource, error)
	GetProcess(ctx context.Context, id int64) (*models.Process, error)
	ListProcesses(ctx context.Context, dataSourceID int64) ([]*models.Process, error)
	GetColumns(ctx context.Context, p *models.Process) ([]models.ColumnConfig, error)
	// GetParent returns nil without error for a process that is not merged.
	GetParent(ctx context.Context, p *models.Process) (*models.Process, error)
}

type document struct {
	DataSources []*models.DataSource `yaml:"data_sources"`
	Processes   []*models.Process    `yaml:"processes"`
}

// FileCatalog is a Catalog backed by a YAML document.
type FileCatalog struct {
	path string

	mu          sync.RWMutex
	dataSources map[int64]*models.DataSource
	processes   map[int64]*models.Process
}

// Load reads and validates the catalog at path.
func Load(path string) (*FileCatalog, error) {
	c := &FileCatalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse builds a catalog from YAML bytes.
func Parse(data []byte) (*FileCatalog, error) {
	c := &FileCatalog{}
	if err := c.replace(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the file; on error the previous contents stay in place.
func (c *FileCatalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read catalog: %w", err)
	}
	return c.replace(data)
}

func (c *FileCatalog) replace(data []byte) error {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}

	dataSources := make(map[int64]*models.DataSource, len(doc.DataSources))
	for _, ds := range doc.DataSources {
		if _, dup := dataSources[ds.ID]; dup {
			return fmt.Errorf("data source %d defined twice", ds.ID)
		}
		if _, err := connector.ParseKind(ds.Kind); err != nil {
			return fmt.Errorf("data source %d: %w", ds.ID, err)
		}
		dataSources[ds.ID] = ds
	}

	processes := make(map[int64]*models.Process, len(doc.Processes))
	for _, p := range doc.Processes {
		if _, dup := processes[p.ID]; dup {
			return fmt.Errorf("process %d defined twice", p.ID)
		}
		if _, ok := dataSources[p.DataSourceID]; !ok {
			return fmt.Errorf("process %d: data source %d: %w", p.ID, p.DataSourceID, ErrNotFound)
		}
		switch p.EffectiveMasterType() {
		case models.MasterTypeOthers, models.MasterTypeSoftwareWorkshopMeasurement, models.MasterTypeSoftwareWorkshopHistory:
		default:
			return fmt.Errorf("process %d: unknown master type %q", p.ID, p.MasterType)
		}
		processes[p.ID] = p
	}
	for _, p := range processes {
		if p.ParentID != nil {
			if _, ok := processes[*p.ParentID]; !ok {
				return fmt.Errorf("process %d: parent %d: %w", p.ID, *p.ParentID, ErrNotFound)
			}
		}
	}

	c.mu.Lock()
	c.dataSources = dataSources
	c.processes = processes
	c.mu.Unlock()
	return nil
}

func (c *FileCatalog) GetDataSource(_ context.Context, id int64) (*models.DataSource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ds, ok := c.dataSources[id]
	if !ok {
		return nil, fmt.Errorf("data source %d: %w", id, ErrNotFound)
	}
	return ds.Clone(), nil
}

func (c *FileCatalog) ListDataSources(_ context.Context) ([]*models.DataSource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*models.DataSource, 0, len(c.dataSources))
	for _, ds := range c.dataSources {
		out = append(out, ds.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *FileCatalog) GetProcess(_ context.Context, id int64) (*models.Process, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.processes[id]
	if !ok {
		return nil, fmt.Errorf("process %d: %w", id, ErrNotFound)
	}
	return c.snapshot(p), nil
}

// ListProcesses returns the processes of one data source ordered by id.
func (c *FileCatalog) ListProcesses(_ context.Context, dataSourceID int64) ([]*models.Process, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*models.Process
	for _, p := range c.processes {
		if p.DataSourceID == dataSourceID {
			out = append(out, c.snapshot(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *FileCatalog) GetColumns(ctx context.Context, p *models.Process) ([]models.ColumnConfig, error) {
	got, err := c.GetProcess(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return got.Columns, nil
}

func (c *FileCatalog) GetParent(ctx context.Context, p *models.Process) (*models.Process, error) {
	if p.ParentID == nil {
		return nil, nil
	}
	return c.GetProcess(ctx, *p.ParentID)
}

// snapshot clones p with its data source attached. Caller holds the read lock.
func (c *FileCatalog) snapshot(p *models.Process) *models.Process {
	out := p.Clone()
	out.DataSource = c.dataSources[p.DataSourceID].Clone()
	return out
}
