// Package decoder turns the raw buffers read from a Thai national ID card
// into a ThaiIDRecord.
package decoder

import (
	"errors"
	"fmt"
	"strings"

	"cardreader/internal/card/models"
	dErrors "cardreader/pkg/domain-errors"
)

// Nationality is fixed: the applet only exists on Thai national ID cards.
const Nationality = "THA"

// ErrMissingField is wrapped when a required field produced no data.
var ErrMissingField = errors.New("required field missing")

// Decoder is pure and safe for concurrent use.
type Decoder struct {
	// Strict turns unmapped bytes into errors instead of placeholders.
	Strict bool
	// Required lists field names that must be present.
	Required []string
}

// New builds a decoder requiring the given fields.
func New(strict bool, required ...string) *Decoder {
	return &Decoder{Strict: strict, Required: required}
}

// Decode assembles a record. Dates stay in Buddhist-era YYYYMMDD form.
func (d *Decoder) Decode(raw models.RawFieldData) (*models.ThaiIDRecord, error) {
	for _, name := range d.Required {
		if !raw.Has(name) {
			return nil, decodeErr(name, ErrMissingField)
		}
	}

	var firstErr error
	text := func(name string) string {
		s, err := DecodeTIS620(trimFill(raw.Bytes(name)), d.Strict)
		if err != nil && firstErr == nil {
			firstErr = decodeErr(name, err)
		}
		return s
	}

	rec := &models.ThaiIDRecord{
		CitizenID:   normalize(text(models.FieldCitizenID)),
		DateOfBirth: normalize(text(models.FieldDateOfBirth)),
		Sex:         normalize(text(models.FieldGender)),
		CardIssuer:  normalize(text(models.FieldCardIssuer)),
		IssueDate:   normalize(text(models.FieldIssueDate)),
		ExpireDate:  normalize(text(models.FieldExpireDate)),
		Nationality: Nationality,
	}

	th := splitDelimited(text(models.FieldFullNameTH), 4)
	rec.NameTH = models.NamePart{Prefix: th[0], First: th[1], Middle: th[2], Last: th[3]}
	en := splitDelimited(text(models.FieldFullNameEN), 4)
	rec.NameEN = models.NamePart{Prefix: en[0], First: en[1], Middle: en[2], Last: en[3]}
	rec.FullNameEN = rec.NameEN.Full()

	addr, err := d.decodeAddress(raw.Bytes(models.FieldAddress))
	if err != nil && firstErr == nil {
		firstErr = decodeErr(models.FieldAddress, err)
	}
	rec.Address = addr

	if firstErr != nil {
		return nil, firstErr
	}

	if photo := raw.Bytes(models.FieldPhoto); len(photo) > 0 {
		rec.Photo = photo
	}
	return rec, nil
}

// decodeAddress drops the padding before decoding. Strictness applies to
// what survives truncation.
func (d *Decoder) decodeAddress(b []byte) (models.Address, error) {
	s, _ := DecodeTIS620(TruncateAddressBytes(b), false)
	if d.Strict && strings.ContainsRune(TrimAddressGarbage(s), Placeholder) {
		return models.Address{}, ErrUnmappedByte
	}
	return ParseAddress(s), nil
}

func decodeErr(field string, err error) error {
	return dErrors.Wrap(fmt.Errorf("field %s: %w", field, err), dErrors.CodeDecode, "decode card")
}
