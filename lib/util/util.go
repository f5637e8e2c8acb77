// Package util contains helper functions used around the code.
package util

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// In returns true if s is found in ss, false otherwise
func In(ss []string, s string) bool {
	for _, v := range ss {
		if s == v {
			return true
		}
	}

	return false
}

// AddUnique appends s to ss unless it is already in it.
func AddUnique(ss []string, s string) []string {
	if In(ss, s) {
		return ss
	}

	return append(ss, s)
}

// Remove returns ss without any occurrence of s.
func Remove(ss []string, s string) []string {
	out := ss[:0:0]

	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}

	return out
}

// Lower returns the lowercase and trimmed version of an address or hash.
func Lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// EqualAddress compares two addresses ignoring case.
func EqualAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// IsEmptyAddress returns true for blank addresses and the zero address.
func IsEmptyAddress(a string) bool {
	a = strings.TrimSpace(a)

	return a == "" || (common.IsHexAddress(a) && common.HexToAddress(a) == common.Address{})
}
