package transform

import (
	"errors"
	"fmt"

	"github.com/kiranshivaraju/factoryetl/internal/chunk"
	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/internal/workshop"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

var ErrNoPreset = errors.New("no transform pipeline for process")

// Keys of the objects inside the snowflake JSON columns.
const (
	jsonCode   = "code"
	jsonValue  = "value"
	jsonUnit   = "unit"
	jsonPart   = "part_no"
	jsonLot    = "lot_no"
	jsonTray   = "tray_no"
	jsonSerial = "serial_no"
)

func snowflakeFlattenMeasurements() JSONFlatten {
	d := &workshop.SnowflakeDef
	return JSONFlatten{
		JSONColumns:     []string{d.Measurements, d.StringMeasurements},
		ExpectedColumns: []string{jsonCode, jsonValue, jsonUnit},
	}
}

func snowflakeFlattenComponents() JSONFlatten {
	d := &workshop.SnowflakeDef
	return JSONFlatten{
		JSONColumns:     []string{d.Components},
		ExpectedColumns: []string{jsonPart, jsonLot, jsonTray, jsonSerial},
	}
}

// SnowflakeMeasurement shapes rows queried straight from a snowflake
// workshop. created_at is part of the index.
func SnowflakeMeasurement(src ReferenceSource, addMissing bool) *Pipeline {
	d := &workshop.SnowflakeDef
	return NewPipeline(
		snowflakeFlattenMeasurements(),
		AddMasterData{Source: src, FallbackColumns: d.MasterColumns()},
		ReplaceCodeToName{Source: src, CodeColumn: jsonCode, AddMissing: addMissing},
		Measurement{
			MasterColumns:     d.MasterColumns(),
			IndexColumns:      []string{d.ChildEquipID, d.EventTime, d.CreatedAt, d.SerialNo, d.PartNo},
			HorizontalColumns: []string{d.LotNo, d.TrayNo},
			NameColumn:        jsonCode,
			ValueColumn:       jsonValue,
			UnitColumn:        jsonUnit,
		},
	)
}

// SnowflakeMeasurementLocal shapes pulled snowflake chunks. created_at is
// carried as a plain column so re-pulled rows collapse onto one index.
func SnowflakeMeasurementLocal(src ReferenceSource, addMissing bool) *Pipeline {
	d := &workshop.SnowflakeDef
	return NewPipeline(
		snowflakeFlattenMeasurements(),
		AddMasterData{Source: src, FallbackColumns: d.MasterColumns()},
		ReplaceCodeToName{Source: src, CodeColumn: jsonCode, AddMissing: addMissing},
		Measurement{
			MasterColumns:     d.MasterColumns(),
			IndexColumns:      []string{d.ChildEquipID, d.EventTime, d.SerialNo, d.PartNo},
			HorizontalColumns: []string{d.LotNo, d.TrayNo, d.CreatedAt},
			NameColumn:        jsonCode,
			ValueColumn:       jsonValue,
			UnitColumn:        jsonUnit,
		},
	)
}

func snowflakeHistoryIndex(withCreatedAt bool) []string {
	d := &workshop.SnowflakeDef
	idx := append(d.MasterColumns(), d.EventTime)
	if withCreatedAt {
		idx = append(idx, d.CreatedAt)
	}
	return append(idx, d.SerialNo, d.PartNo)
}

func SnowflakeHistory(src ReferenceSource) *Pipeline {
	d := &workshop.SnowflakeDef
	return NewPipeline(
		snowflakeFlattenComponents(),
		AddMasterData{Source: src, FallbackColumns: d.MasterColumns()},
		History{
			IndexColumns: snowflakeHistoryIndex(false),
			SubKinds:     HistorySubKinds(jsonPart, jsonLot, jsonTray, jsonSerial),
		},
	)
}

func SnowflakeHistoryLocal(src ReferenceSource) *Pipeline {
	d := &workshop.SnowflakeDef
	return NewPipeline(
		snowflakeFlattenComponents(),
		AddMasterData{Source: src, FallbackColumns: d.MasterColumns()},
		History{
			IndexColumns: snowflakeHistoryIndex(true),
			SubKinds:     HistorySubKinds(jsonPart, jsonLot, jsonTray, jsonSerial),
		},
	)
}

// PostgresMeasurement shapes postgres workshop rows, which arrive already
// joined with their master data.
func PostgresMeasurement(src ReferenceSource, addMissing bool) *Pipeline {
	d := &workshop.PostgresDef
	return NewPipeline(
		ReplaceCodeToName{Source: src, CodeColumn: d.Code, AddMissing: addMissing},
		Measurement{
			MasterColumns:     d.MasterColumns(),
			IndexColumns:      []string{d.ChildEquipID, d.EventTime, d.SerialNo, d.PartNo},
			HorizontalColumns: []string{d.LotNo, d.TrayNo, d.CreatedAt},
			NameColumn:        d.Code,
			ValueColumn:       d.Value,
			UnitColumn:        d.Unit,
		},
	)
}

func PostgresHistory() *Pipeline {
	d := &workshop.PostgresDef
	return NewPipeline(
		History{
			IndexColumns: append(d.MasterColumns(), d.EventTime, d.SerialNo, d.PartNo),
			SubKinds:     HistorySubKinds(d.SubPartNo, d.SubLotNo, d.SubTrayNo, d.SubSerialNo),
		},
	)
}

// ForProcess picks the pipeline applied to the pulled chunks of p. OTHERS
// processes get an empty pipeline. Reference data is read from the chunk
// store; when factory is non-nil a missing reference file falls back to a
// query against the source.
func ForProcess(p *models.Process, chunks *chunk.Store, factory *connector.Factory) (*Pipeline, error) {
	return choosePreset(p, func(def *workshop.Def) ReferenceSource {
		local := &Local{Chunks: chunks, ProcessID: p.ID, Def: def}
		if factory != nil {
			local.Fallback = &Remote{Factory: factory, DataSource: p.DataSource, FactID: p.ProcessFactID, Def: def}
		}
		return local
	}, true)
}

// ForSource picks the pipeline for rows read straight from the source, with
// reference data queried through factory.
func ForSource(p *models.Process, factory *connector.Factory) (*Pipeline, error) {
	return choosePreset(p, func(def *workshop.Def) ReferenceSource {
		return &Remote{Factory: factory, DataSource: p.DataSource, FactID: p.ProcessFactID, Def: def}
	}, false)
}

func choosePreset(p *models.Process, reference func(*workshop.Def) ReferenceSource, local bool) (*Pipeline, error) {
	mt := p.EffectiveMasterType()
	if mt == models.MasterTypeOthers {
		return NewPipeline(), nil
	}
	if p.DataSource == nil {
		return nil, fmt.Errorf("process %d: data source not loaded: %w", p.ID, ErrNoPreset)
	}
	kind, err := connector.ParseKind(p.DataSource.Kind)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", p.ID, err)
	}
	def, ok := workshop.ForKind(kind)
	if !ok {
		return nil, fmt.Errorf("process %d: %s source has no workshop schema: %w", p.ID, kind, ErrNoPreset)
	}
	src := reference(def)

	switch {
	case mt == models.MasterTypeSoftwareWorkshopMeasurement && def.InlineJSON && local:
		return SnowflakeMeasurementLocal(src, p.AddMissingCodes), nil
	case mt == models.MasterTypeSoftwareWorkshopMeasurement && def.InlineJSON:
		return SnowflakeMeasurement(src, p.AddMissingCodes), nil
	case mt == models.MasterTypeSoftwareWorkshopMeasurement:
		return PostgresMeasurement(src, p.AddMissingCodes), nil
	case mt == models.MasterTypeSoftwareWorkshopHistory && def.InlineJSON && local:
		return SnowflakeHistoryLocal(src), nil
	case mt == models.MasterTypeSoftwareWorkshopHistory && def.InlineJSON:
		return SnowflakeHistory(src), nil
	case mt == models.MasterTypeSoftwareWorkshopHistory:
		return PostgresHistory(), nil
	}
	return nil, fmt.Errorf("process %d: master type %q: %w", p.ID, mt, ErrNoPreset)
}
