package connector

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnsupportedKind = errors.New("unsupported data source kind")

// Kind is the closed set of source backends.
type Kind int

const (
	KindSQLite Kind = iota + 1
	KindPostgres
	KindMySQL
	KindMSSQL
	KindOracle
	KindSnowflake
	KindSoftwareWorkshop
	KindSnowflakeSoftwareWorkshop
)

var kindNames = map[Kind]string{
	KindSQLite:                    "sqlite",
	KindPostgres:                  "postgres",
	KindMySQL:                     "mysql",
	KindMSSQL:                     "mssql",
	KindOracle:                    "oracle",
	KindSnowflake:                 "snowflake",
	KindSoftwareWorkshop:          "software_workshop",
	KindSnowflakeSoftwareWorkshop: "snowflake_software_workshop",
}

// ParseKind maps a configured kind string onto a Kind.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%q: %w", s, ErrUnsupportedKind)
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsSoftwareWorkshop reports whether the source exposes the workshop schema.
func (k Kind) IsSoftwareWorkshop() bool {
	return k == KindSoftwareWorkshop || k == KindSnowflakeSoftwareWorkshop
}

func (k Kind) IsSnowflake() bool {
	return k == KindSnowflake || k == KindSnowflakeSoftwareWorkshop
}

func (k Kind) Dialect() Dialect {
	switch k {
	case KindSQLite:
		return SQLite
	case KindPostgres, KindSoftwareWorkshop:
		return Postgres
	case KindMySQL:
		return MySQL
	case KindMSSQL:
		return MSSQL
	case KindOracle:
		return Oracle
	case KindSnowflake, KindSnowflakeSoftwareWorkshop:
		return Snowflake
	default:
		return SQLite
	}
}

func (k Kind) driverName() string {
	switch k {
	case KindSQLite:
		return "sqlite"
	case KindPostgres, KindSoftwareWorkshop:
		return "postgres"
	case KindMySQL:
		return "mysql"
	case KindMSSQL:
		return "sqlserver"
	case KindOracle:
		return "oracle"
	case KindSnowflake, KindSnowflakeSoftwareWorkshop:
		return "snowflake"
	default:
		return ""
	}
}
