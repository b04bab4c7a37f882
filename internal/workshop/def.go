// Package workshop describes the software-workshop source schema and builds
// the queries the pull engine and the transform reference sources run
// against it.
//
// Two physical variants exist. The postgres one keeps measurements, string
// measurements and components in their own tables keyed by the quality row
// id. The snowflake one stores them as JSON columns on the quality tables.
package workshop

import (
	"github.com/kiranshivaraju/factoryetl/internal/connector"
)

// Def names every table and column of one schema variant.
type Def struct {
	Snowflake bool
	// InlineJSON is set when measurements and components are JSON columns
	// on the quality tables instead of separate tables.
	InlineJSON bool

	Factories             string
	LineGroups            string
	Lines                 string
	Equips                string
	ChildEquips           string
	ChildEquipMeasItems   string
	QualityMeasurements   string
	QualityTraceabilities string

	// Table or JSON column depending on InlineJSON.
	Measurements       string
	StringMeasurements string
	Components         string

	FactoryID             string
	FactoryName           string
	LineGroupID           string
	LineGroupName         string
	LineID                string
	LineName              string
	EquipID               string
	ChildEquipID          string
	ChildEquipName        string
	MeasItemCode          string
	MeasItemName          string
	QualityMeasurementID  string
	QualityTraceabilityID string
	ComponentID           string
	EventTime             string
	CreatedAt             string
	PartNo                string
	LotNo                 string
	TrayNo                string
	SerialNo              string
	Code                  string
	Unit                  string
	Value                 string

	SubPartNo   string
	SubLotNo    string
	SubTrayNo   string
	SubSerialNo string
}

var PostgresDef = Def{
	Factories:             "fctries",
	LineGroups:            "line_grps",
	Lines:                 "lines",
	Equips:                "equips",
	ChildEquips:           "child_equips",
	ChildEquipMeasItems:   "child_equip_meas_items",
	QualityMeasurements:   "quality_measurements",
	QualityTraceabilities: "quality_traceabilities",
	Measurements:          "measurements",
	StringMeasurements:    "string_measurements",
	Components:            "components",
	FactoryID:             "fctry_id",
	FactoryName:           "fctry_name",
	LineGroupID:           "line_grp_id",
	LineGroupName:         "line_grp_name",
	LineID:                "line_id",
	LineName:              "line_name",
	EquipID:               "equip_id",
	ChildEquipID:          "child_equip_id",
	ChildEquipName:        "child_equip_name",
	MeasItemCode:          "meas_item_code",
	MeasItemName:          "meas_item_name",
	QualityMeasurementID:  "quality_measurement_id",
	QualityTraceabilityID: "quality_traceability_id",
	ComponentID:           "component_id",
	EventTime:             "event_time",
	CreatedAt:             "created_at",
	PartNo:                "part_no",
	LotNo:                 "lot_no",
	TrayNo:                "tray_no",
	SerialNo:              "serial_no",
	Code:                  "code",
	Unit:                  "unit",
	Value:                 "value",
	SubPartNo:             "sub_part_no",
	SubLotNo:              "sub_lot_no",
	SubTrayNo:             "sub_tray_no",
	SubSerialNo:           "sub_serial_no",
}

// SnowflakeDef uses upper-case names, which is what snowflake reports back
// for unquoted identifiers.
var SnowflakeDef = Def{
	Snowflake:             true,
	InlineJSON:            true,
	Factories:             "FCTRIES",
	LineGroups:            "LINE_GRPS",
	Lines:                 "LINES",
	Equips:                "EQUIPS",
	ChildEquips:           "CHILD_EQUIPS",
	ChildEquipMeasItems:   "CHILD_EQUIP_MEAS_ITEMS",
	QualityMeasurements:   "QUALITY_MEASUREMENTS",
	QualityTraceabilities: "QUALITY_TRACEABILITIES",
	Measurements:          "MEASUREMENTS",
	StringMeasurements:    "STRING_MEASUREMENTS",
	Components:            "COMPONENTS",
	FactoryID:             "FCTRY_ID",
	FactoryName:           "FCTRY_NAME",
	LineGroupID:           "LINE_GRP_ID",
	LineGroupName:         "LINE_GRP_NAME",
	LineID:                "LINE_ID",
	LineName:              "LINE_NAME",
	EquipID:               "EQUIP_ID",
	ChildEquipID:          "CHILD_EQUIP_ID",
	ChildEquipName:        "CHILD_EQUIP_NAME",
	MeasItemCode:          "MEAS_ITEM_CODE",
	MeasItemName:          "MEAS_ITEM_NAME",
	QualityMeasurementID:  "QUALITY_MEASUREMENT_ID",
	QualityTraceabilityID: "QUALITY_TRACEABILITY_ID",
	ComponentID:           "COMPONENT_ID",
	EventTime:             "EVENT_TIME",
	CreatedAt:             "CREATED_AT",
	PartNo:                "PART_NO",
	LotNo:                 "LOT_NO",
	TrayNo:                "TRAY_NO",
	SerialNo:              "SERIAL_NO",
	Code:                  "CODE",
	Unit:                  "UNIT",
	Value:                 "VALUE",
	SubPartNo:             "SUB_PART_NO",
	SubLotNo:              "SUB_LOT_NO",
	SubTrayNo:             "SUB_TRAY_NO",
	SubSerialNo:           "SUB_SERIAL_NO",
}

// ForKind returns the schema variant a source of kind k exposes. A plain
// snowflake source may host the workshop schema as well.
func ForKind(k connector.Kind) (*Def, bool) {
	switch k {
	case connector.KindSoftwareWorkshop:
		return &PostgresDef, true
	case connector.KindSnowflake, connector.KindSnowflakeSoftwareWorkshop:
		return &SnowflakeDef, true
	}
	return nil, false
}

// MasterColumns are the master attributes joined onto transaction rows.
func (d *Def) MasterColumns() []string {
	return []string{d.FactoryID, d.FactoryName, d.LineID, d.LineName, d.ChildEquipID, d.ChildEquipName}
}
