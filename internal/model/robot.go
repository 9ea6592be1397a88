package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/mitchellh/copystructure"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// Field-map keys as they are stored in a robot document.
const (
	FieldName               = "name"
	FieldType               = "type"
	FieldStatus             = "status"
	FieldBattery            = "battery"
	FieldDescription        = "description"
	FieldSerialNumber       = "serialNumber"
	FieldConnectionProtocol = "connectionProtocol"
)

const (
	TypeDrone    = "drone"
	TypeArm      = "arm"
	TypeHumanoid = "humanoid"
	TypeVacuum   = "vacuum"
	TypeUAV      = "uav"

	StatusIdle      = "idle"
	StatusConnected = "connected"

	BatteryMin = 0
	BatteryMax = 100
)

// RobotTypes is the suggested set of robot types, the store accepts any string.
var RobotTypes = []string{TypeDrone, TypeArm, TypeHumanoid, TypeVacuum, TypeUAV}

// Fields is the field-map of a stored document.
type Fields map[string]any

// Document is a record as held by a record store.
type Document struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Robot is a robot record. A Robot with an empty ID is a draft.
//
// nolint:govet // prefer to keep field ordering as is
type Robot struct {
	ID                 string `json:"id,omitempty" mapstructure:"-"`
	Name               string `json:"name" mapstructure:"name"`
	Type               string `json:"type" mapstructure:"type"`
	Status             string `json:"status" mapstructure:"status"`
	Battery            *int   `json:"battery" mapstructure:"battery"`
	Description        string `json:"description,omitempty" mapstructure:"description"`
	SerialNumber       string `json:"serialNumber,omitempty" mapstructure:"serialNumber"`
	ConnectionProtocol string `json:"connectionProtocol,omitempty" mapstructure:"connectionProtocol"`
}

// IsDraft reports whether the record has not been persisted yet.
func (r *Robot) IsDraft() bool {
	return r.ID == ""
}

// Validate checks the constraints a store does not enforce itself.
func (r *Robot) Validate() error {
	return validateBattery(r.Battery)
}

// Fields returns the document field-map for the record, without the id.
func (r *Robot) Fields() Fields {
	fields := Fields{
		FieldName:    r.Name,
		FieldType:    r.Type,
		FieldStatus:  r.Status,
		FieldBattery: nil,
	}

	if r.Battery != nil {
		fields[FieldBattery] = *r.Battery
	}

	if r.Description != "" {
		fields[FieldDescription] = r.Description
	}

	if r.SerialNumber != "" {
		fields[FieldSerialNumber] = r.SerialNumber
	}

	if r.ConnectionProtocol != "" {
		fields[FieldConnectionProtocol] = r.ConnectionProtocol
	}

	return fields
}

// Clone returns a deep copy of the record.
func (r *Robot) Clone() *Robot {
	if r == nil {
		return nil
	}

	return copystructure.Must(copystructure.Copy(r)).(*Robot)
}

func (r *Robot) AsLogFields() []any {
	battery := "null"
	if r.Battery != nil {
		battery = fmt.Sprint(*r.Battery)
	}

	return []any{
		"robot_id", r.ID,
		"name", r.Name,
		"type", r.Type,
		"status", r.Status,
		"battery", battery,
	}
}

// RobotFromDocument decodes a stored document into a Robot.
func RobotFromDocument(doc Document) (*Robot, error) {
	robot := &Robot{ID: doc.ID}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           robot,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(map[string]any(doc.Fields)); err != nil {
		return nil, errors.Wrap(err, "decode robot document "+doc.ID)
	}

	return robot, nil
}

// Patch is a merge-patch over a robot record. Nil fields are left untouched;
// ClearBattery sets battery to null.
//
// nolint:govet // prefer to keep field ordering as is
type Patch struct {
	Name               *string
	Type               *string
	Status             *string
	Battery            *int
	ClearBattery       bool
	Description        *string
	SerialNumber       *string
	ConnectionProtocol *string
}

// IsEmpty reports whether the patch overwrites nothing.
func (p *Patch) IsEmpty() bool {
	return len(p.Fields()) == 0
}

func (p *Patch) Validate() error {
	if p.Battery != nil && p.ClearBattery {
		return errors.Wrap(ErrInvalidRecord, "battery both set and cleared")
	}

	return validateBattery(p.Battery)
}

// Fields returns only the fields the patch overwrites.
func (p *Patch) Fields() Fields {
	fields := Fields{}

	setString := func(key string, v *string) {
		if v != nil {
			fields[key] = *v
		}
	}

	setString(FieldName, p.Name)
	setString(FieldType, p.Type)
	setString(FieldStatus, p.Status)
	setString(FieldDescription, p.Description)
	setString(FieldSerialNumber, p.SerialNumber)
	setString(FieldConnectionProtocol, p.ConnectionProtocol)

	switch {
	case p.Battery != nil:
		fields[FieldBattery] = *p.Battery
	case p.ClearBattery:
		fields[FieldBattery] = nil
	}

	return fields
}

// Apply merges the patch into r.
func (p *Patch) Apply(r *Robot) {
	applyString := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}

	applyString(&r.Name, p.Name)
	applyString(&r.Type, p.Type)
	applyString(&r.Status, p.Status)
	applyString(&r.Description, p.Description)
	applyString(&r.SerialNumber, p.SerialNumber)
	applyString(&r.ConnectionProtocol, p.ConnectionProtocol)

	switch {
	case p.Battery != nil:
		r.Battery = Ptr(*p.Battery)
	case p.ClearBattery:
		r.Battery = nil
	}
}

// PatchFromFields builds a Patch from a field-map, as received in a merge-patch request body.
// nolint:gocyclo // field dispatch is cyclomatic
func PatchFromFields(fields Fields) (*Patch, error) {
	patch := &Patch{}

	for key, value := range fields {
		if key == FieldBattery {
			if value == nil {
				patch.ClearBattery = true
				continue
			}

			battery, err := toInt(value)
			if err != nil {
				return nil, errors.Wrap(ErrInvalidRecord, "battery: "+err.Error())
			}

			patch.Battery = &battery

			continue
		}

		str, ok := value.(string)
		if !ok {
			return nil, errors.Wrap(ErrInvalidRecord, fmt.Sprintf("field %s must be a string", key))
		}

		switch key {
		case FieldName:
			patch.Name = &str
		case FieldType:
			patch.Type = &str
		case FieldStatus:
			patch.Status = &str
		case FieldDescription:
			patch.Description = &str
		case FieldSerialNumber:
			patch.SerialNumber = &str
		case FieldConnectionProtocol:
			patch.ConnectionProtocol = &str
		default:
			return nil, errors.Wrap(ErrInvalidRecord, "unknown field "+key)
		}
	}

	return patch, nil
}

// Diff returns the patch that turns before into after.
func Diff(before, after *Robot) *Patch {
	patch := &Patch{}

	diffString := func(dst **string, a, b string) {
		if a != b {
			*dst = Ptr(b)
		}
	}

	diffString(&patch.Name, before.Name, after.Name)
	diffString(&patch.Type, before.Type, after.Type)
	diffString(&patch.Status, before.Status, after.Status)
	diffString(&patch.Description, before.Description, after.Description)
	diffString(&patch.SerialNumber, before.SerialNumber, after.SerialNumber)
	diffString(&patch.ConnectionProtocol, before.ConnectionProtocol, after.ConnectionProtocol)

	switch {
	case after.Battery == nil && before.Battery != nil:
		patch.ClearBattery = true
	case after.Battery != nil && (before.Battery == nil || *before.Battery != *after.Battery):
		patch.Battery = Ptr(*after.Battery)
	}

	return patch
}

func validateBattery(battery *int) error {
	if battery == nil {
		return nil
	}

	if *battery < BatteryMin || *battery > BatteryMax {
		return errors.Wrap(ErrInvalidRecord, fmt.Sprintf("battery %d out of range", *battery))
	}

	return nil
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, errors.New("not an integer")
		}

		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	default:
		return 0, fmt.Errorf("unsupported type %T", value)
	}
}

// SortDocuments orders documents by id, the order every record store lists in.
func SortDocuments(docs []Document) {
	slices.SortFunc(docs, func(a, b Document) int {
		return strings.Compare(a.ID, b.ID)
	})
}
