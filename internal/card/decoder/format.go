package decoder

import (
	"fmt"
	"strconv"
)

// LifetimeExpiry is the expiry value printed on cards that never expire.
const LifetimeExpiry = "99999999"

// beOffset is the difference between Buddhist-era and Gregorian years.
const beOffset = 543

var thaiMonths = [12]string{
	"ม.ค.", "ก.พ.", "มี.ค.", "เม.ย.", "พ.ค.", "มิ.ย.",
	"ก.ค.", "ส.ค.", "ก.ย.", "ต.ค.", "พ.ย.", "ธ.ค.",
}

// IsBEDate reports whether s has the card's 8-digit YYYYMMDD shape.
func IsBEDate(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i := 0; i < 8; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ToGregorian renders a Buddhist-era date as YYYY-MM-DD in the Gregorian
// calendar. Values that are not 8-digit dates, and the lifetime marker, are
// returned unchanged.
func ToGregorian(be string) string {
	if !IsBEDate(be) || be == LifetimeExpiry {
		return be
	}
	year, _ := strconv.Atoi(be[:4])
	return fmt.Sprintf("%04d-%s-%s", year-beOffset, be[4:6], be[6:8])
}

// SlashDate renders YYYYMMDD as YYYY/MM/DD, keeping the Buddhist-era year.
// The lifetime marker becomes 2999/12/31 so date parsers downstream accept it.
func SlashDate(be string) string {
	if be == LifetimeExpiry {
		be = "29991231"
	}
	if !IsBEDate(be) {
		return be
	}
	return be[:4] + "/" + be[4:6] + "/" + be[6:8]
}

// FormatThaiDate renders a date the way it is printed on the card face,
// e.g. "15 ม.ค. 2530". Unknown day or month (00) is left out.
func FormatThaiDate(be string) string {
	if !IsBEDate(be) || be == LifetimeExpiry {
		return be
	}
	month, _ := strconv.Atoi(be[4:6])
	day, _ := strconv.Atoi(be[6:8])
	switch {
	case month < 1 || month > 12:
		return be[:4]
	case day == 0:
		return thaiMonths[month-1] + " " + be[:4]
	default:
		return strconv.Itoa(day) + " " + thaiMonths[month-1] + " " + be[:4]
	}
}

// FormatCitizenID groups a 13-digit citizen ID as 1-4-5-2-1. Other lengths
// pass through unchanged.
func FormatCitizenID(id string) string {
	if len(id) != 13 {
		return id
	}
	return id[0:1] + "-" + id[1:5] + "-" + id[5:10] + "-" + id[10:12] + "-" + id[12:13]
}
