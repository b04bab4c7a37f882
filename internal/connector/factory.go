package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	go_ora "github.com/sijms/go-ora/v2"
	"github.com/snowflakedb/gosnowflake"
	_ "modernc.org/sqlite"

	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

// Builder creates an unconnected connector for a data source.
type Builder func(kind Kind, ds *models.DataSource) (Connector, error)

// Factory opens connectors and owns the connection cool-down.
type Factory struct {
	cooldown *Cooldown
	build    Builder
}

type FactoryOption func(*Factory)

// WithBuilder replaces the default driver selection, mainly for tests.
func WithBuilder(b Builder) FactoryOption {
	return func(f *Factory) { f.build = b }
}

func NewFactory(cooldown *Cooldown, opts ...FactoryOption) *Factory {
	if cooldown == nil {
		cooldown = NewCooldown(DefaultCooldown)
	}
	f := &Factory{cooldown: cooldown, build: Build}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Factory) Cooldown() *Cooldown { return f.cooldown }

type openParams struct {
	readOnly bool
	force    bool
}

type OpenOption func(*openParams)

// ReadOnly wraps the connector so that writes fail.
func ReadOnly() OpenOption {
	return func(p *openParams) { p.readOnly = true }
}

// Force connects even while the source is cooling down.
func Force() OpenOption {
	return func(p *openParams) { p.force = true }
}

// Open builds and connects a connector for ds. A failure is remembered for the
// cool-down window and later calls fail fast with a ConnectionError whose
// CooledDown flag is set. A success clears any remembered failure.
func (f *Factory) Open(ctx context.Context, ds *models.DataSource, opts ...OpenOption) (Connector, error) {
	params := &openParams{}
	for _, opt := range opts {
		opt(params)
	}

	kind, err := ParseKind(ds.Kind)
	if err != nil {
		return nil, err
	}

	if !params.force {
		if failure, ok := f.cooldown.Failure(ds.ID); ok {
			return nil, &ConnectionError{DataSourceID: ds.ID, Kind: kind, CooledDown: true, Until: failure.Until, Err: failure.Err}
		}
	}

	conn, err := f.build(kind, ds)
	if err != nil {
		return nil, err
	}

	if err := conn.Connect(ctx); err != nil {
		f.cooldown.Record(ds.ID, err)
		slog.Warn("data source connection failed, cooling down",
			"data_source_id", ds.ID,
			"kind", kind.String(),
			"error", err,
		)
		return nil, &ConnectionError{DataSourceID: ds.ID, Kind: kind, Err: err}
	}
	f.cooldown.Clear(ds.ID)

	if params.readOnly {
		return ReadOnlyConnector(conn), nil
	}
	return conn, nil
}

// CheckConnection is the explicit health check: it bypasses the cool-down and
// closes the connection again.
func (f *Factory) CheckConnection(ctx context.Context, ds *models.DataSource) error {
	conn, err := f.Open(ctx, ds, Force(), ReadOnly())
	if err != nil {
		return err
	}
	return conn.Close()
}

// Build is the default Builder: one database/sql driver per kind.
func Build(kind Kind, ds *models.DataSource) (Connector, error) {
	dsn, err := DSN(kind, ds)
	if err != nil {
		return nil, err
	}
	return NewSQLConnector(kind, kind.driverName(), dsn), nil
}

// DSN renders the driver connection string for ds.
func DSN(kind Kind, ds *models.DataSource) (string, error) {
	switch kind {
	case KindSQLite:
		if ds.Path == "" {
			return "", fmt.Errorf("sqlite data source %d: path is required", ds.ID)
		}
		// Sortable timestamps so range predicates compare correctly.
		sep := "?"
		if strings.Contains(ds.Path, "?") {
			sep = "&"
		}
		return ds.Path + sep + "_time_format=sqlite", nil

	case KindPostgres, KindSoftwareWorkshop:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(ds.User, ds.Password),
			Host:   hostPort(ds.Host, ds.Port, 5432),
			Path:   "/" + ds.Database,
		}
		q := url.Values{}
		q.Set("sslmode", "disable")
		if ds.Schema != "" {
			q.Set("search_path", ds.Schema)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil

	case KindMySQL:
		cfg := mysql.NewConfig()
		cfg.User = ds.User
		cfg.Passwd = ds.Password
		cfg.Net = "tcp"
		cfg.Addr = hostPort(ds.Host, ds.Port, 3306)
		cfg.DBName = ds.Database
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		return cfg.FormatDSN(), nil

	case KindMSSQL:
		u := url.URL{
			Scheme: "sqlserver",
			User:   url.UserPassword(ds.User, ds.Password),
			Host:   hostPort(ds.Host, ds.Port, 1433),
		}
		q := url.Values{}
		q.Set("database", ds.Database)
		u.RawQuery = q.Encode()
		return u.String(), nil

	case KindOracle:
		port := ds.Port
		if port == 0 {
			port = 1521
		}
		return go_ora.BuildUrl(ds.Host, port, ds.Database, ds.User, ds.Password, nil), nil

	case KindSnowflake, KindSnowflakeSoftwareWorkshop:
		dsn, err := gosnowflake.DSN(&gosnowflake.Config{
			Account:   ds.Account,
			User:      ds.User,
			Password:  ds.Password,
			Database:  ds.Database,
			Schema:    ds.Schema,
			Warehouse: ds.Warehouse,
			Role:      ds.Role,
		})
		if err != nil {
			return "", fmt.Errorf("snowflake dsn: %w", err)
		}
		return dsn, nil
	}
	return "", fmt.Errorf("%s: %w", kind, ErrUnsupportedKind)
}

func hostPort(host string, port, defaultPort int) string {
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
