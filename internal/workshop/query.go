package workshop

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
	"github.com/kiranshivaraju/factoryetl/pkg/timerange"
)

var (
	ErrUnsupportedMasterType = errors.New("unsupported master type for workshop source")
	ErrMismatchedKeys        = errors.New("increment columns and child equipment ids differ in length")
)

// MinMaxAlias is the result column holding the bound of col in
// MinMaxByChildEquipQuery.
func MinMaxAlias(bound, col string) string {
	return bound + "_" + col
}

func anyOf(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// qualityTable returns the quality table and its row id column.
func (d *Def) qualityTable(mt models.MasterType) (table, idCol string, err error) {
	switch mt {
	case models.MasterTypeSoftwareWorkshopMeasurement:
		return d.QualityMeasurements, d.QualityMeasurementID, nil
	case models.MasterTypeSoftwareWorkshopHistory:
		return d.QualityTraceabilities, d.QualityTraceabilityID, nil
	}
	return "", "", fmt.Errorf("%q: %w", mt, ErrUnsupportedMasterType)
}

// masterJoin joins alias ce (child equipments) up to the factory.
func (d *Def) masterJoin(q connector.Dialect) string {
	return fmt.Sprintf(
		"JOIN %s e ON e.%s = ce.%s JOIN %s l ON l.%s = e.%s JOIN %s lg ON lg.%s = l.%s JOIN %s f ON f.%s = lg.%s",
		q.Quote(d.Equips), q.Quote(d.EquipID), q.Quote(d.EquipID),
		q.Quote(d.Lines), q.Quote(d.LineID), q.Quote(d.LineID),
		q.Quote(d.LineGroups), q.Quote(d.LineGroupID), q.Quote(d.LineGroupID),
		q.Quote(d.Factories), q.Quote(d.FactoryID), q.Quote(d.FactoryID),
	)
}

// MasterQuery selects the master attributes of the given child equipments.
func (d *Def) MasterQuery(q connector.Dialect, childEquipIDs []string) (string, []any) {
	args := connector.NewArgs(q)
	sql := fmt.Sprintf(
		"SELECT ce.%s, ce.%s, f.%s, f.%s, l.%s, l.%s, lg.%s FROM %s ce %s",
		q.Quote(d.ChildEquipID), q.Quote(d.ChildEquipName),
		q.Quote(d.FactoryID), q.Quote(d.FactoryName),
		q.Quote(d.LineID), q.Quote(d.LineName), q.Quote(d.LineGroupName),
		q.Quote(d.ChildEquips), d.masterJoin(q),
	)
	if len(childEquipIDs) > 0 {
		sql += fmt.Sprintf(" WHERE ce.%s IN %s", q.Quote(d.ChildEquipID), args.In(anyOf(childEquipIDs)...))
	}
	return sql, args.Values()
}

// CodeNameQuery selects the measurement item code to name mapping.
func (d *Def) CodeNameQuery(q connector.Dialect, childEquipIDs []string) (string, []any) {
	args := connector.NewArgs(q)
	sql := fmt.Sprintf("SELECT %s, %s, %s FROM %s WHERE %s IN %s ORDER BY %s",
		q.Quote(d.ChildEquipID), q.Quote(d.MeasItemCode), q.Quote(d.MeasItemName),
		q.Quote(d.ChildEquipMeasItems),
		q.Quote(d.ChildEquipID), args.In(anyOf(childEquipIDs)...),
		q.Quote(d.MeasItemCode),
	)
	return sql, args.Values()
}

// MinMaxByChildEquipQuery selects, per child equipment, the min and max of
// every distinct increment column. incrementCols[i] belongs to
// childEquipIDs[i]; result columns are named by MinMaxAlias.
func (d *Def) MinMaxByChildEquipQuery(q connector.Dialect, mt models.MasterType, incrementCols, childEquipIDs []string) (string, []any, error) {
	if len(incrementCols) != len(childEquipIDs) {
		return "", nil, fmt.Errorf("%d vs %d: %w", len(incrementCols), len(childEquipIDs), ErrMismatchedKeys)
	}
	table, _, err := d.qualityTable(mt)
	if err != nil {
		return "", nil, err
	}

	cols := slices.Clone(incrementCols)
	slices.Sort(cols)
	cols = slices.Compact(cols)

	selects := []string{q.Quote(d.ChildEquipID)}
	for _, c := range cols {
		selects = append(selects,
			fmt.Sprintf("MIN(%s) AS %s", q.Quote(c), q.Quote(MinMaxAlias("min", c))),
			fmt.Sprintf("MAX(%s) AS %s", q.Quote(c), q.Quote(MinMaxAlias("max", c))),
		)
	}

	args := connector.NewArgs(q)
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s IN %s GROUP BY %s",
		strings.Join(selects, ", "), q.Quote(table),
		q.Quote(d.ChildEquipID), args.In(anyOf(childEquipIDs)...),
		q.Quote(d.ChildEquipID),
	)
	return sql, args.Values(), nil
}

// TransactionQuery selects the transaction rows of one child equipment in r.
// The snowflake variant returns the plain quality rows with their JSON
// columns. The postgres variant returns master-joined rows, one per
// measurement or component. Bind values are appended to args.
func (d *Def) TransactionQuery(args *connector.Args, mt models.MasterType, factID, incrementCol string, r timerange.TimeRange) (string, error) {
	if d.InlineJSON {
		return d.qualityQuery(args, mt, factID, incrementCol, r)
	}
	switch mt {
	case models.MasterTypeSoftwareWorkshopMeasurement:
		return d.measurementWithMasterQuery(args, factID, incrementCol, r)
	case models.MasterTypeSoftwareWorkshopHistory:
		return d.historyWithMasterQuery(args, factID, incrementCol, r)
	}
	return "", fmt.Errorf("%q: %w", mt, ErrUnsupportedMasterType)
}

func (d *Def) qualityQuery(args *connector.Args, mt models.MasterType, factID, incrementCol string, r timerange.TimeRange) (string, error) {
	q := args.Dialect()
	table, _, err := d.qualityTable(mt)
	if err != nil {
		return "", err
	}

	cols := []string{d.ChildEquipID, d.SerialNo, d.PartNo, d.LotNo, d.TrayNo, d.EventTime, d.CreatedAt}
	if mt == models.MasterTypeSoftwareWorkshopMeasurement {
		cols = append(cols, d.Measurements, d.StringMeasurements)
	} else {
		cols = append(cols, d.Components)
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = q.Quote(c)
	}

	factCond := fmt.Sprintf("%s = %s", q.Quote(d.ChildEquipID), args.Add(factID))
	rangeCond, err := args.Range(q.Quote(incrementCol), r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s AND %s",
		strings.Join(quoted, ", "), q.Quote(table), factCond, rangeCond), nil
}

// masterDataQuery selects quality rows with their master attributes.
func (d *Def) masterDataQuery(args *connector.Args, mt models.MasterType, factID, incrementCol string, r timerange.TimeRange) (string, error) {
	q := args.Dialect()
	table, idCol, err := d.qualityTable(mt)
	if err != nil {
		return "", err
	}

	factCond := fmt.Sprintf("t.%s = %s", q.Quote(d.ChildEquipID), args.Add(factID))
	rangeCond, err := args.Range("t."+q.Quote(incrementCol), r)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(
		"SELECT t.%s, t.%s, t.%s, t.%s, t.%s, t.%s, t.%s, f.%s, f.%s, l.%s, l.%s, ce.%s, ce.%s "+
			"FROM %s t JOIN %s ce ON ce.%s = t.%s %s WHERE %s AND %s",
		q.Quote(idCol), q.Quote(d.EventTime), q.Quote(d.CreatedAt),
		q.Quote(d.PartNo), q.Quote(d.LotNo), q.Quote(d.TrayNo), q.Quote(d.SerialNo),
		q.Quote(d.FactoryID), q.Quote(d.FactoryName), q.Quote(d.LineID), q.Quote(d.LineName),
		q.Quote(d.ChildEquipID), q.Quote(d.ChildEquipName),
		q.Quote(table), q.Quote(d.ChildEquips), q.Quote(d.ChildEquipID), q.Quote(d.ChildEquipID),
		d.masterJoin(q), factCond, rangeCond,
	), nil
}

func (d *Def) measurementWithMasterQuery(args *connector.Args, factID, incrementCol string, r timerange.TimeRange) (string, error) {
	q := args.Dialect()
	parts := make([]string, 0, 2)
	for _, side := range []struct {
		table string
		value string
	}{
		{d.Measurements, fmt.Sprintf("CAST(m.%s AS TEXT)", q.Quote(d.Value))},
		{d.StringMeasurements, "m." + q.Quote(d.Value)},
	} {
		master, err := d.masterDataQuery(args, models.MasterTypeSoftwareWorkshopMeasurement, factID, incrementCol, r)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf(
			"SELECT md.*, m.%s, m.%s, %s AS %s FROM (%s) md JOIN %s m ON m.%s = md.%s",
			q.Quote(d.Code), q.Quote(d.Unit), side.value, q.Quote(d.Value),
			master, q.Quote(side.table), q.Quote(d.QualityMeasurementID), q.Quote(d.QualityMeasurementID),
		))
	}
	return strings.Join(parts, " UNION ALL "), nil
}

func (d *Def) historyWithMasterQuery(args *connector.Args, factID, incrementCol string, r timerange.TimeRange) (string, error) {
	q := args.Dialect()
	master, err := d.masterDataQuery(args, models.MasterTypeSoftwareWorkshopHistory, factID, incrementCol, r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(
		"SELECT md.*, c.%s, c.%s AS %s, c.%s AS %s, c.%s AS %s, c.%s AS %s FROM (%s) md JOIN %s c ON c.%s = md.%s",
		q.Quote(d.ComponentID),
		q.Quote(d.PartNo), q.Quote(d.SubPartNo),
		q.Quote(d.LotNo), q.Quote(d.SubLotNo),
		q.Quote(d.TrayNo), q.Quote(d.SubTrayNo),
		q.Quote(d.SerialNo), q.Quote(d.SubSerialNo),
		master, q.Quote(d.Components), q.Quote(d.QualityTraceabilityID), q.Quote(d.QualityTraceabilityID),
	), nil
}
