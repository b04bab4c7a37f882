package models

import (
	"slices"
	"time"
)

// DataType is the configured type of a process column.
type DataType string

const (
	DataTypeText     DataType = "TEXT"
	DataTypeInteger  DataType = "INTEGER"
	DataTypeReal     DataType = "REAL"
	DataTypeDatetime DataType = "DATETIME"
)

// MasterType selects how transaction rows of a process are shaped at the source.
type MasterType string

const (
	MasterTypeOthers                      MasterType = "OTHERS"
	MasterTypeSoftwareWorkshopMeasurement MasterType = "SOFTWARE_WORKSHOP_MEASUREMENT"
	MasterTypeSoftwareWorkshopHistory     MasterType = "SOFTWARE_WORKSHOP_HISTORY"
)

// DataSource describes a remote system processes are pulled from.
// Kind is parsed by the connector package.
type DataSource struct {
	ID               int64      `yaml:"id"                json:"id"`
	Name             string     `yaml:"name"              json:"name"`
	Kind             string     `yaml:"kind"              json:"kind"`
	Host             string     `yaml:"host"              json:"host,omitempty"`
	Port             int        `yaml:"port"              json:"port,omitempty"`
	Database         string     `yaml:"database"          json:"database,omitempty"`
	Schema           string     `yaml:"schema"            json:"schema,omitempty"`
	User             string     `yaml:"user"              json:"user,omitempty"`
	Password         string     `yaml:"password"          json:"-"`
	Path             string     `yaml:"path"              json:"path,omitempty"`
	Account          string     `yaml:"account"           json:"account,omitempty"`
	Warehouse        string     `yaml:"warehouse"         json:"warehouse,omitempty"`
	Role             string     `yaml:"role"              json:"role,omitempty"`
	PullFrom         *time.Time `yaml:"pull_from"         json:"pull_from,omitempty"`
	PollingFrequency int        `yaml:"polling_frequency" json:"polling_frequency"`
}

// Clone returns a deep copy.
func (d *DataSource) Clone() *DataSource {
	if d == nil {
		return nil
	}
	c := *d
	if d.PullFrom != nil {
		t := *d.PullFrom
		c.PullFrom = &t
	}
	return &c
}

// PollingInterval returns the configured polling interval, zero for one-shot pulls.
func (d *DataSource) PollingInterval() time.Duration {
	if d == nil || d.PollingFrequency <= 0 {
		return 0
	}
	return time.Duration(d.PollingFrequency) * time.Second
}

// ColumnConfig maps one source column to a stored column.
type ColumnConfig struct {
	ID              int64    `yaml:"id"                json:"id"`
	ColumnName      string   `yaml:"column_name"       json:"column_name"`
	ColumnRawName   string   `yaml:"column_raw_name"   json:"column_raw_name"`
	DataType        DataType `yaml:"data_type"         json:"data_type"`
	IsGetDate       bool     `yaml:"is_get_date"       json:"is_get_date"`
	IsAutoIncrement bool     `yaml:"is_auto_increment" json:"is_auto_increment"`
	IsSerial        bool     `yaml:"is_serial"         json:"is_serial"`
	ParentID        *int64   `yaml:"parent_id"         json:"parent_id,omitempty"`
}

// RawName falls back to ColumnName when no raw name is configured.
func (c ColumnConfig) RawName() string {
	if c.ColumnRawName != "" {
		return c.ColumnRawName
	}
	return c.ColumnName
}

// Process is a configured logical data stream with its own column mapping and store.
// Values handed out by the catalog are snapshots; Clone before sharing across jobs.
type Process struct {
	ID            int64          `yaml:"id"              json:"id"`
	Name          string         `yaml:"name"            json:"name"`
	DataSourceID  int64          `yaml:"data_source_id"  json:"data_source_id"`
	TableName     string         `yaml:"table_name"      json:"table_name"`
	ProcessFactID string         `yaml:"process_factid"  json:"process_factid,omitempty"`
	MasterType    MasterType     `yaml:"master_type"     json:"master_type"`
	ParentID      *int64         `yaml:"parent_id"       json:"parent_id,omitempty"`
	Columns       []ColumnConfig `yaml:"columns"         json:"columns"`
	DataSource    *DataSource    `yaml:"-"               json:"data_source,omitempty"`
	// AddMissingCodes appends an empty row for every known measurement code
	// absent from a chunk, so each code gets a column.
	AddMissingCodes bool `yaml:"add_missing_codes" json:"add_missing_codes,omitempty"`
}

// Clone returns a deep copy including columns and data source.
func (p *Process) Clone() *Process {
	if p == nil {
		return nil
	}
	c := *p
	if p.ParentID != nil {
		id := *p.ParentID
		c.ParentID = &id
	}
	c.Columns = make([]ColumnConfig, len(p.Columns))
	for i, col := range p.Columns {
		if col.ParentID != nil {
			id := *col.ParentID
			col.ParentID = &id
		}
		c.Columns[i] = col
	}
	c.DataSource = p.DataSource.Clone()
	return &c
}

// EffectiveMasterType treats an unset master type as OTHERS.
func (p *Process) EffectiveMasterType() MasterType {
	if p.MasterType == "" {
		return MasterTypeOthers
	}
	return p.MasterType
}

// DateColumn returns the name of the primary date column, or "" if none is flagged.
func (p *Process) DateColumn() string {
	for _, c := range p.Columns {
		if c.IsGetDate {
			return c.ColumnName
		}
	}
	return ""
}

func (p *Process) incrementColumn() (ColumnConfig, bool) {
	for _, c := range p.Columns {
		if c.IsAutoIncrement {
			return c, true
		}
	}
	for _, c := range p.Columns {
		if c.IsGetDate {
			return c, true
		}
	}
	return ColumnConfig{}, false
}

// IncrementColumn returns the configured name of the auto-increment column,
// falling back to the date column.
func (p *Process) IncrementColumn() string {
	c, _ := p.incrementColumn()
	return c.ColumnName
}

// IncrementRawColumn is IncrementColumn expressed in source column names.
func (p *Process) IncrementRawColumn() string {
	c, ok := p.incrementColumn()
	if !ok {
		return ""
	}
	return c.RawName()
}

// RawColumns lists the source column names in configuration order.
func (p *Process) RawColumns() []string {
	cols := make([]string, 0, len(p.Columns))
	for _, c := range p.Columns {
		if raw := c.RawName(); raw != "" {
			cols = append(cols, raw)
		}
	}
	return cols
}

// ColumnNames lists the stored column names in configuration order.
func (p *Process) ColumnNames() []string {
	cols := make([]string, 0, len(p.Columns))
	for _, c := range p.Columns {
		cols = append(cols, c.ColumnName)
	}
	return cols
}

// RawToNameMapping maps source column names to stored column names.
func (p *Process) RawToNameMapping() map[string]string {
	m := make(map[string]string, len(p.Columns))
	for _, c := range p.Columns {
		m[c.RawName()] = c.ColumnName
	}
	return m
}

func (p *Process) ColumnByName(name string) (ColumnConfig, bool) {
	for _, c := range p.Columns {
		if c.ColumnName == name {
			return c, true
		}
	}
	return ColumnConfig{}, false
}

func (p *Process) ColumnByID(id int64) (ColumnConfig, bool) {
	for _, c := range p.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return ColumnConfig{}, false
}

// DedupColumns returns the key used to detect already imported rows: the date
// column plus every serial column, or every column when no serial is flagged.
func (p *Process) DedupColumns() []string {
	var keys []string
	if d := p.DateColumn(); d != "" {
		keys = append(keys, d)
	}
	hasSerial := false
	for _, c := range p.Columns {
		if c.IsSerial && !slices.Contains(keys, c.ColumnName) {
			keys = append(keys, c.ColumnName)
			hasSerial = true
		}
	}
	if hasSerial {
		return keys
	}
	return p.ColumnNames()
}
