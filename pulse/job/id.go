package job

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/teranos/ingestd/errors"
)

// InstanceID identifies one job instance: the owning definition plus a
// per-definition sequence number. Its string form is "<uuid>_<seq>".
type InstanceID struct {
	DefinitionID uuid.UUID
	Seq          int64
}

// NewInstanceID builds an id from its parts
func NewInstanceID(definitionID uuid.UUID, seq int64) InstanceID {
	return InstanceID{DefinitionID: definitionID, Seq: seq}
}

func (id InstanceID) String() string {
	return id.DefinitionID.String() + "_" + strconv.FormatInt(id.Seq, 10)
}

// IsZero reports whether id is the zero value
func (id InstanceID) IsZero() bool {
	return id.DefinitionID == uuid.Nil && id.Seq == 0
}

// ParseInstanceID parses the canonical "<uuid>_<seq>" form. Only the exact
// string String() would produce is accepted, so parse and format round-trip.
// Every other input fails with an error wrapping errors.ErrInvalidID.
func ParseInstanceID(s string) (InstanceID, error) {
	sep := strings.LastIndexByte(s, '_')
	if sep < 0 {
		return InstanceID{}, errors.Wrapf(errors.ErrInvalidID, "%q: missing '_' separator", s)
	}
	defPart, seqPart := s[:sep], s[sep+1:]

	defID, err := uuid.Parse(defPart)
	if err != nil || defID.String() != defPart {
		return InstanceID{}, errors.Wrapf(errors.ErrInvalidID, "%q: definition id is not a canonical uuid", s)
	}

	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 || strconv.FormatInt(seq, 10) != seqPart {
		return InstanceID{}, errors.Wrapf(errors.ErrInvalidID, "%q: instance number is not a canonical non-negative integer", s)
	}

	return InstanceID{DefinitionID: defID, Seq: seq}, nil
}

func (id InstanceID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *InstanceID) UnmarshalText(text []byte) error {
	parsed, err := ParseInstanceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
