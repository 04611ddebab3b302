package models

// Field names used as keys in RawFieldData and as the source names that
// output configuration maps from.
const (
	FieldCitizenID   = "citizen_id"
	FieldFullNameTH  = "full_name_th"
	FieldFullNameEN  = "full_name_en"
	FieldDateOfBirth = "date_of_birth"
	FieldGender      = "gender"
	FieldCardIssuer  = "card_issuer"
	FieldIssueDate   = "issue_date"
	FieldExpireDate  = "expire_date"
	FieldAddress     = "address"
	FieldPhoto       = "photo"
)

// FieldSpec describes how one field is read from the card. Immutable after
// configuration load.
type FieldSpec struct {
	Name     string
	Command  []byte
	Required bool
}

// PhotoSpec describes the offset-addressed photo read. Each chunk command is
// Command (CLA INS) followed by the big-endian offset as P1 P2, then Lc=02 and
// the two-byte length.
type PhotoSpec struct {
	Command     []byte
	StartOffset int
	ChunkSize   int
	TotalLength int
	Required    bool
}

// Chunks returns the number of reads needed to cover TotalLength.
func (p PhotoSpec) Chunks() int {
	if p.ChunkSize <= 0 {
		return 0
	}
	return (p.TotalLength + p.ChunkSize - 1) / p.ChunkSize
}

// RawFieldData maps a field name to the buffers read for it, in read order.
// Single-exchange fields carry one buffer; the photo carries one per chunk.
type RawFieldData map[string][][]byte

// Bytes concatenates the buffers of one field.
func (r RawFieldData) Bytes(name string) []byte {
	parts := r[name]
	if len(parts) == 1 {
		return parts[0]
	}
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Has reports whether a field produced at least one non-empty buffer.
func (r RawFieldData) Has(name string) bool {
	for _, p := range r[name] {
		if len(p) > 0 {
			return true
		}
	}
	return false
}
