package consumer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/kode4food/argyll/worker/pkg/api"
)

type (
	// Migrator upgrades stored jobs to the latest schema version
	Migrator struct {
		steps map[int]MigrationStep
	}

	// MigrationStep upgrades a job from one schema version to the next
	MigrationStep func(json.RawMessage) (json.RawMessage, error)
)

var (
	ErrInvalidJobData       = errors.New("invalid job data")
	ErrUnsupportedSchema    = errors.New("unsupported job schema version")
	ErrMissingMigrationStep = errors.New("missing migration step")
)

// NewMigrator creates a Migrator with the built-in migration steps
func NewMigrator() *Migrator {
	return &Migrator{
		steps: map[int]MigrationStep{
			1: addEnvironment,
			2: renameFlowVersion,
		},
	}
}

// Migrate upgrades raw to api.LatestSchemaVersion and reports whether it
// changed. A job without a schema version is treated as version 1
func (m *Migrator) Migrate(raw json.RawMessage) (json.RawMessage, bool, error) {
	if !gjson.ValidBytes(raw) {
		return nil, false, ErrInvalidJobData
	}
	version := 1
	if v := gjson.GetBytes(raw, "schemaVersion"); v.Exists() {
		version = int(v.Int())
	}
	if version > api.LatestSchemaVersion || version < 1 {
		return nil, false, fmt.Errorf("%w: %d", ErrUnsupportedSchema, version)
	}

	res := raw
	for v := version; v < api.LatestSchemaVersion; v++ {
		step, ok := m.steps[v]
		if !ok {
			return nil, false, fmt.Errorf("%w: %d", ErrMissingMigrationStep, v)
		}
		next, err := step(res)
		if err != nil {
			return nil, false, fmt.Errorf("schema %d: %w", v, err)
		}
		res, err = sjson.SetBytes(next, "schemaVersion", v+1)
		if err != nil {
			return nil, false, err
		}
	}
	return res, version != api.LatestSchemaVersion, nil
}

func addEnvironment(raw json.RawMessage) (json.RawMessage, error) {
	if gjson.GetBytes(raw, "environment").Exists() {
		return raw, nil
	}
	return sjson.SetBytes(raw, "environment", string(api.EnvironmentProduction))
}

func renameFlowVersion(raw json.RawMessage) (json.RawMessage, error) {
	old := gjson.GetBytes(raw, "flowVersion")
	if !old.Exists() {
		return raw, nil
	}
	res, err := sjson.DeleteBytes(raw, "flowVersion")
	if err != nil {
		return nil, err
	}
	if gjson.GetBytes(res, "flowVersionId").Exists() {
		return res, nil
	}
	return sjson.SetRawBytes(res, "flowVersionId", []byte(old.Raw))
}
