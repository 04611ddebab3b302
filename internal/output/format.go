package output

import (
	"encoding/base64"
	"fmt"

	"cardreader/internal/card/decoder"
	"cardreader/internal/card/models"
)

// Format selects which fields a record exposes.
type Format string

const (
	FormatMinimal  Format = "minimal"
	FormatStandard Format = "standard"
	FormatFull     Format = "full"
)

// ParseFormat accepts the configured variant name; empty means standard.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatStandard:
		return FormatStandard, nil
	case FormatMinimal, FormatFull:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown output format %q", s)
}

// DateFormat selects how card dates are rendered.
type DateFormat string

const (
	DateRaw       DateFormat = "raw"
	DateSlash     DateFormat = "slash"
	DateGregorian DateFormat = "gregorian"
)

func ParseDateFormat(s string) (DateFormat, error) {
	switch DateFormat(s) {
	case "", DateRaw:
		return DateRaw, nil
	case DateSlash, DateGregorian:
		return DateFormat(s), nil
	}
	return "", fmt.Errorf("unknown date format %q", s)
}

func (f DateFormat) render(be string) string {
	switch f {
	case DateSlash:
		return decoder.SlashDate(be)
	case DateGregorian:
		return decoder.ToGregorian(be)
	default:
		return be
	}
}

// Output keys before renaming. Encryption and enabled_fields refer to these.
const (
	KeyCitizenID          = "Citizenid"
	KeyCitizenIDFormatted = "CitizenidFormatted"
	KeyThPrefix           = "Th_Prefix"
	KeyThFirstname        = "Th_Firstname"
	KeyThMiddlename       = "Th_Middlename"
	KeyThLastname         = "Th_Lastname"
	KeyEnPrefix           = "En_Prefix"
	KeyEnFirstname        = "En_Firstname"
	KeyEnMiddlename       = "En_Middlename"
	KeyEnLastname         = "En_Lastname"
	KeyFullNameEN         = "full_name_en"
	KeyBirthday           = "Birthday"
	KeySex                = "Sex"
	KeyCardIssuer         = "card_issuer"
	KeyIssueDate          = "issue_date"
	KeyExpireDate         = "expire_date"
	KeyAddress            = "Address"
	KeyAddrHouseNo        = "addrHouseNo"
	KeyAddrVillageNo      = "addrVillageNo"
	KeyAddrLane           = "addrLane"
	KeyAddrRoad           = "addrRoad"
	KeyAddrTambol         = "addrTambol"
	KeyAddrAmphur         = "addrAmphur"
	KeyAddrProvince       = "addrProvince"
	KeyNationality        = "Nationality"
	KeyPhoto              = "PhotoRaw"
)

type extractor func(rec *models.ThaiIDRecord, dates DateFormat) string

var extractors = map[string]extractor{
	KeyCitizenID:          func(r *models.ThaiIDRecord, _ DateFormat) string { return r.CitizenID },
	KeyCitizenIDFormatted: func(r *models.ThaiIDRecord, _ DateFormat) string { return decoder.FormatCitizenID(r.CitizenID) },
	KeyThPrefix:           func(r *models.ThaiIDRecord, _ DateFormat) string { return r.NameTH.Prefix },
	KeyThFirstname:        func(r *models.ThaiIDRecord, _ DateFormat) string { return r.NameTH.First },
	KeyThMiddlename:       func(r *models.ThaiIDRecord, _ DateFormat) string { return r.NameTH.Middle },
	KeyThLastname:         func(r *models.ThaiIDRecord, _ DateFormat) string { return r.NameTH.Last },
	KeyEnPrefix:           func(r *models.ThaiIDRecord, _ DateFormat) string { return r.NameEN.Prefix },
	KeyEnFirstname:        func(r *models.ThaiIDRecord, _ DateFormat) string { return r.NameEN.First },
	KeyEnMiddlename:       func(r *models.ThaiIDRecord, _ DateFormat) string { return r.NameEN.Middle },
	KeyEnLastname:         func(r *models.ThaiIDRecord, _ DateFormat) string { return r.NameEN.Last },
	KeyFullNameEN:         func(r *models.ThaiIDRecord, _ DateFormat) string { return r.FullNameEN },
	KeyBirthday:           func(r *models.ThaiIDRecord, d DateFormat) string { return d.render(r.DateOfBirth) },
	KeySex:                func(r *models.ThaiIDRecord, _ DateFormat) string { return r.Sex },
	KeyCardIssuer:         func(r *models.ThaiIDRecord, _ DateFormat) string { return r.CardIssuer },
	KeyIssueDate:          func(r *models.ThaiIDRecord, d DateFormat) string { return d.render(r.IssueDate) },
	KeyExpireDate:         func(r *models.ThaiIDRecord, d DateFormat) string { return d.render(r.ExpireDate) },
	KeyAddress:            func(r *models.ThaiIDRecord, _ DateFormat) string { return r.Address.String() },
	KeyAddrHouseNo:        func(r *models.ThaiIDRecord, _ DateFormat) string { return r.Address.HouseNo },
	KeyAddrVillageNo:      func(r *models.ThaiIDRecord, _ DateFormat) string { return r.Address.VillageNo },
	KeyAddrLane:           func(r *models.ThaiIDRecord, _ DateFormat) string { return r.Address.Lane },
	KeyAddrRoad:           func(r *models.ThaiIDRecord, _ DateFormat) string { return r.Address.Road },
	KeyAddrTambol:         func(r *models.ThaiIDRecord, _ DateFormat) string { return r.Address.SubDistrict },
	KeyAddrAmphur:         func(r *models.ThaiIDRecord, _ DateFormat) string { return r.Address.District },
	KeyAddrProvince:       func(r *models.ThaiIDRecord, _ DateFormat) string { return r.Address.Province },
	KeyNationality:        func(r *models.ThaiIDRecord, _ DateFormat) string { return r.Nationality },
	KeyPhoto: func(r *models.ThaiIDRecord, _ DateFormat) string {
		if len(r.Photo) == 0 {
			return ""
		}
		return base64.StdEncoding.EncodeToString(r.Photo)
	},
}

var (
	minimalKeys = []string{KeyCitizenID, KeyThFirstname, KeyThLastname, KeyBirthday, KeySex}

	standardKeys = []string{
		KeyCitizenID, KeyThPrefix, KeyThFirstname, KeyThMiddlename, KeyThLastname,
		KeyFullNameEN, KeyBirthday, KeySex, KeyCardIssuer, KeyIssueDate, KeyExpireDate,
		KeyAddress, KeyAddrHouseNo, KeyAddrVillageNo, KeyAddrLane, KeyAddrRoad,
		KeyAddrTambol, KeyAddrAmphur, KeyAddrProvince, KeyPhoto,
	}

	fullKeys = append(append([]string{}, standardKeys[:len(standardKeys)-1]...),
		KeyEnPrefix, KeyEnFirstname, KeyEnMiddlename, KeyEnLastname,
		KeyCitizenIDFormatted, KeyNationality, KeyPhoto,
	)
)

// Keys returns the ordered keys of a variant.
func (f Format) Keys() []string {
	switch f {
	case FormatMinimal:
		return minimalKeys
	case FormatFull:
		return fullKeys
	default:
		return standardKeys
	}
}

// KnownKey reports whether key names an output field.
func KnownKey(key string) bool {
	_, ok := extractors[key]
	return ok
}
