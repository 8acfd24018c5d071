package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"captable/internal/uuid"
)

// InstitutionOwnerID is the reserved owner identifier for the originating
// institution. It is stored verbatim in owner columns.
const InstitutionOwnerID = "institution"

type ownerKind uint8

const (
	ownerUnset ownerKind = iota
	ownerInstitution
	ownerInvestor
)

// ErrInvalidOwnerRef is returned when an owner identifier is neither the
// institution sentinel nor a UUID.
var ErrInvalidOwnerRef = errors.New("owner must be \"institution\" or an investor UUID")

// OwnerRef identifies the holder of an ownership position: either the
// institution or a specific investor. The zero value is unset and cannot
// be persisted.
type OwnerRef struct {
	kind       ownerKind
	investorID string
}

// Institution returns the institutional owner.
func Institution() OwnerRef {
	return OwnerRef{kind: ownerInstitution}
}

// Investor returns an owner reference for the given investor UUID.
func Investor(id string) OwnerRef {
	return OwnerRef{kind: ownerInvestor, investorID: strings.ToLower(id)}
}

// ParseOwnerRef parses the stored or wire form of an owner.
func ParseOwnerRef(s string) (OwnerRef, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, InstitutionOwnerID) {
		return Institution(), nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return OwnerRef{}, fmt.Errorf("%w: %q", ErrInvalidOwnerRef, s)
	}
	return Investor(id), nil
}

// IsInstitution reports whether the reference is the institutional owner.
func (o OwnerRef) IsInstitution() bool { return o.kind == ownerInstitution }

// IsZero reports whether the reference is unset.
func (o OwnerRef) IsZero() bool { return o.kind == ownerUnset }

// InvestorID returns the investor UUID, or "" for the institution.
func (o OwnerRef) InvestorID() string { return o.investorID }

func (o OwnerRef) String() string {
	switch o.kind {
	case ownerInstitution:
		return InstitutionOwnerID
	case ownerInvestor:
		return o.investorID
	default:
		return ""
	}
}

// GormDataType stores owner references as strings.
func (OwnerRef) GormDataType() string { return "string" }

// Value implements driver.Valuer.
func (o OwnerRef) Value() (driver.Value, error) {
	if o.IsZero() {
		return nil, errors.New("cannot store an unset owner reference")
	}
	return o.String(), nil
}

// Scan implements sql.Scanner.
func (o *OwnerRef) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*o = OwnerRef{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into OwnerRef", src)
	}
	parsed, err := ParseOwnerRef(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler, so JSON renders the stored form.
func (o OwnerRef) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *OwnerRef) UnmarshalText(b []byte) error {
	parsed, err := ParseOwnerRef(string(b))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
