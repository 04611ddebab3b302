// Package validation checks a decoded record before it leaves the process.
// Findings are classified; only security findings block publication.
package validation

import (
	"fmt"
	"strconv"
	"strings"

	"cardreader/internal/card/decoder"
	"cardreader/internal/card/models"
)

// Class ranks a finding.
type Class string

const (
	ClassFormat    Class = "format"
	ClassIntegrity Class = "integrity"
	ClassSecurity  Class = "security"
)

// Finding is one failed check.
type Finding struct {
	Field   string
	Class   Class
	Message string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s (%s)", f.Field, f.Message, f.Class)
}

// Result collects all findings for one record.
type Result struct {
	Findings []Finding
}

func (r Result) OK() bool { return len(r.Findings) == 0 }

// Blocking reports whether any finding must stop the record from being published.
func (r Result) Blocking() bool {
	for _, f := range r.Findings {
		if f.Class == ClassSecurity {
			return true
		}
	}
	return false
}

const (
	maxNameLen    = 200
	maxAddressLen = 500
	suspicious    = `<>{}[]\|;&$`
)

// Validate runs every check against rec.
func Validate(rec *models.ThaiIDRecord) Result {
	var r Result
	add := func(field string, class Class, msg string) {
		r.Findings = append(r.Findings, Finding{Field: field, Class: class, Message: msg})
	}

	if class, msg, ok := checkCitizenID(rec.CitizenID); !ok {
		add(models.FieldCitizenID, class, msg)
	}
	if msg, ok := checkDate(rec.DateOfBirth, true); !ok {
		add(models.FieldDateOfBirth, ClassFormat, msg)
	}
	if msg, ok := checkDate(rec.IssueDate, false); !ok {
		add(models.FieldIssueDate, ClassFormat, msg)
	}
	if rec.ExpireDate != decoder.LifetimeExpiry {
		if msg, ok := checkDate(rec.ExpireDate, false); !ok {
			add(models.FieldExpireDate, ClassFormat, msg)
		}
	}
	if rec.Sex != "1" && rec.Sex != "2" {
		add(models.FieldGender, ClassFormat, fmt.Sprintf("invalid sex code %q", rec.Sex))
	}
	if class, msg, ok := checkText(rec.NameTH.Full(), maxNameLen, true); !ok {
		add(models.FieldFullNameTH, class, msg)
	}
	if class, msg, ok := checkText(rec.FullNameEN, maxNameLen, false); !ok {
		add(models.FieldFullNameEN, class, msg)
	}
	if class, msg, ok := checkText(rec.Address.String(), maxAddressLen, false); !ok {
		add(models.FieldAddress, class, msg)
	}
	return r
}

// CitizenIDChecksum computes the check digit over the first 12 digits.
func CitizenIDChecksum(id string) (int, error) {
	if len(id) < 12 {
		return 0, fmt.Errorf("need 12 digits, got %d", len(id))
	}
	sum := 0
	for i := 0; i < 12; i++ {
		c := id[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit at position %d", i)
		}
		sum += int(c-'0') * (13 - i)
	}
	return (11 - sum%11) % 10, nil
}

func checkCitizenID(id string) (Class, string, bool) {
	if len(id) != 13 {
		return ClassFormat, fmt.Sprintf("expected 13 digits, got %d", len(id)), false
	}
	check, err := CitizenIDChecksum(id)
	if err != nil {
		return ClassFormat, err.Error(), false
	}
	if id[12] < '0' || id[12] > '9' {
		return ClassFormat, "non-digit check digit", false
	}
	if int(id[12]-'0') != check {
		return ClassIntegrity, "checksum mismatch", false
	}
	return "", "", true
}

// checkDate accepts Buddhist-era YYYYMMDD. Cards of people with an unknown
// birth day or month carry 00 there, which is allowed when partialOK.
func checkDate(d string, partialOK bool) (string, bool) {
	if !decoder.IsBEDate(d) {
		return fmt.Sprintf("invalid date %q", d), false
	}
	year, _ := strconv.Atoi(d[:4])
	month, _ := strconv.Atoi(d[4:6])
	day, _ := strconv.Atoi(d[6:8])
	if year < 2400 || year > 2700 {
		return fmt.Sprintf("year %d out of range", year), false
	}
	if partialOK && month == 0 && day == 0 {
		return "", true
	}
	if month < 1 || month > 12 {
		return fmt.Sprintf("month %d out of range", month), false
	}
	if (day < 1 && !partialOK) || day > 31 {
		return fmt.Sprintf("day %d out of range", day), false
	}
	return "", true
}

func checkText(s string, maxLen int, required bool) (Class, string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		if required {
			return ClassFormat, "empty", false
		}
		return "", "", true
	}
	if strings.ContainsAny(s, suspicious) {
		return ClassSecurity, "contains suspicious characters", false
	}
	if len(s) > maxLen {
		return ClassFormat, fmt.Sprintf("too long: %d bytes", len(s)), false
	}
	return "", "", true
}
