package models

import "strings"

// NamePart holds a '#'-delimited personal name as stored on the card.
type NamePart struct {
	Prefix string
	First  string
	Middle string
	Last   string
}

// Full joins the non-empty parts with single spaces.
func (n NamePart) Full() string {
	return joinNonEmpty(n.Prefix, n.First, n.Middle, n.Last)
}

// Address is the decomposed registered address. Any component may be empty.
type Address struct {
	HouseNo     string
	VillageNo   string
	Lane        string
	Road        string
	SubDistrict string
	District    string
	Province    string
}

func (a Address) String() string {
	return joinNonEmpty(a.HouseNo, a.VillageNo, a.Lane, a.Road, a.SubDistrict, a.District, a.Province)
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// ThaiIDRecord is the decoded content of one card. Dates are kept in the
// card's Buddhist-era YYYYMMDD form; conversion happens only at rendering.
type ThaiIDRecord struct {
	CitizenID   string
	NameTH      NamePart
	NameEN      NamePart
	FullNameEN  string
	DateOfBirth string
	Sex         string
	CardIssuer  string
	IssueDate   string
	ExpireDate  string
	Address     Address
	Nationality string
	Photo       []byte
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
