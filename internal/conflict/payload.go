package conflict

import (
	"fmt"
	"time"

	"github.com/roach88/crossdevice/internal/ir"
)

// EntityKind is the payload variant of an entity state.
type EntityKind string

const (
	KindCrisisPlan  EntityKind = "crisis_plan"
	KindAssessment  EntityKind = "assessment"
	KindSessionData EntityKind = "session_data"
	KindRecord      EntityKind = "record"
)

// Payload is the state reported for one entity. The set of variants is
// closed: CrisisPlan, Assessment, SessionData and Record.
type Payload interface {
	Kind() EntityKind
	Data() ir.Object
	sealed()
}

// CrisisPlan is safety-critical state. Conflicts involving it always
// resolve by crisis priority.
type CrisisPlan struct {
	Fields ir.Object
}

// Assessment is clinical state resolved by clinical impact.
type Assessment struct {
	Fields ir.Object
}

// SessionData is structured session state. Modified optionally carries
// per-field write times for field-level merge; fields without an entry
// use the snapshot timestamp.
type SessionData struct {
	Fields   ir.Object
	Modified map[string]time.Time
}

// Record is any other entity state.
type Record struct {
	Fields ir.Object
}

func (CrisisPlan) Kind() EntityKind  { return KindCrisisPlan }
func (Assessment) Kind() EntityKind  { return KindAssessment }
func (SessionData) Kind() EntityKind { return KindSessionData }
func (Record) Kind() EntityKind      { return KindRecord }

func (p CrisisPlan) Data() ir.Object  { return p.Fields }
func (p Assessment) Data() ir.Object  { return p.Fields }
func (p SessionData) Data() ir.Object { return p.Fields }
func (p Record) Data() ir.Object      { return p.Fields }

func (CrisisPlan) sealed()  {}
func (Assessment) sealed()  {}
func (SessionData) sealed() {}
func (Record) sealed()      {}

// NewPayload builds the variant for kind. Unknown kinds become Record.
func NewPayload(kind EntityKind, fields ir.Object) Payload {
	switch kind {
	case KindCrisisPlan:
		return CrisisPlan{Fields: fields}
	case KindAssessment:
		return Assessment{Fields: fields}
	case KindSessionData:
		return SessionData{Fields: fields}
	default:
		return Record{Fields: fields}
	}
}

// withFields returns a payload of the same variant carrying fields.
func withFields(p Payload, fields ir.Object, modified map[string]time.Time) (Payload, error) {
	switch p.(type) {
	case CrisisPlan:
		return CrisisPlan{Fields: fields}, nil
	case Assessment:
		return Assessment{Fields: fields}, nil
	case SessionData:
		return SessionData{Fields: fields, Modified: modified}, nil
	case Record:
		return Record{Fields: fields}, nil
	default:
		return nil, fmt.Errorf("unknown payload variant %T", p)
	}
}

// content is the canonical comparison form: the variant plus its fields.
func content(p Payload) ir.Object {
	if p == nil {
		return ir.Object{"kind": ir.String(""), "fields": ir.Object{}}
	}
	fields := p.Data()
	if fields == nil {
		fields = ir.Object{}
	}
	return ir.Object{"kind": ir.String(p.Kind()), "fields": fields}
}

// PayloadChecksum returns the state checksum of a payload.
func PayloadChecksum(p Payload) (string, error) {
	return ir.StateChecksum(content(p))
}
