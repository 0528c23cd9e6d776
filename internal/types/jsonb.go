package types

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

var (
	_ sql.Scanner   = (*PartialFailures)(nil)
	_ driver.Valuer = PartialFailures{}
)

// scanJSONB scans a JSONB database value into dest.
// It handles nil values, []byte, and string representations from different drivers.
func scanJSONB(dest interface{}, value interface{}) error {
	if value == nil {
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("jsonb: unsupported scan type %T", value)
	}
	return json.Unmarshal(data, dest)
}

// Scan implements the sql.Scanner interface for reading JSONB from the database.
func (p *PartialFailures) Scan(value interface{}) error {
	if value == nil {
		*p = PartialFailures{}
		return nil
	}
	return scanJSONB(p, value)
}

// Value implements the driver.Valuer interface. A nil sample is written as an
// empty array so readers never see JSON null.
func (p PartialFailures) Value() (driver.Value, error) {
	if p.Sample == nil {
		p.Sample = []string{}
	}
	return json.Marshal(p)
}
