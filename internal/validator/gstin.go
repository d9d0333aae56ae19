package validator

import (
	"errors"
	"regexp"
	"strconv"
)

const gstinCharset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

var gstinPattern = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`)

var (
	ErrGSTINFormat   = errors.New("gstin format invalid")
	ErrGSTINRegion   = errors.New("gstin region code invalid")
	ErrGSTINChecksum = errors.New("gstin checksum mismatch")
)

// ValidRegion reports whether code is an assigned two-digit state or union
// territory code (01-38) or the 97 "other territory" code.
func ValidRegion(code string) bool {
	if len(code) != 2 {
		return false
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return false
	}
	return (n >= 1 && n <= 38) || n == 97
}

// CheckGSTIN validates structure, region and the mod-36 check character.
// Input must already be upper case; identifiers are never normalised.
func CheckGSTIN(gstin string) error {
	if !gstinPattern.MatchString(gstin) {
		return ErrGSTINFormat
	}
	if !ValidRegion(gstin[:2]) {
		return ErrGSTINRegion
	}
	if gstin[14] != gstinCheckChar(gstin[:14]) {
		return ErrGSTINChecksum
	}
	return nil
}

// gstinCheckChar computes the check character over the first 14 characters:
// alternate weights 1 and 2, fold each product back into base 36, and take
// the complement of the sum modulo 36.
func gstinCheckChar(body string) byte {
	sum := 0
	for i := 0; i < len(body); i++ {
		v := charValue(body[i])
		factor := 1
		if i%2 == 1 {
			factor = 2
		}
		p := v * factor
		sum += p/36 + p%36
	}
	return gstinCharset[(36-sum%36)%36]
}

func charValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'Z':
		return int(c-'A') + 10
	default:
		return 0
	}
}

// regionOf returns the two-digit region prefix of an identifier when it is a
// valid region code, regardless of whether the rest of the GSTIN checks out.
func regionOf(gstin string) (string, bool) {
	if len(gstin) < 2 || !ValidRegion(gstin[:2]) {
		return "", false
	}
	return gstin[:2], true
}
