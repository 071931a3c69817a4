// Package version compares dotted version strings and decides whether a
// document can be opened by a given application version.
package version

import (
	"strconv"
	"strings"
)

// qualifier marks development builds; it sorts before every other suffix.
const qualifier = "qualifier"

// Compare returns -1, 0 or 1 as a is older than, equal to, or newer than b.
//
// Versions are dot separated. Each segment is a number optionally followed by
// a suffix ("0-RC1", "2b"). Numbers compare numerically, so "1.10" > "1.9". At
// equal numbers a segment without suffix is newer than one with a suffix, the
// suffix "qualifier" is older than any other suffix, and other suffixes
// compare lexically. Missing trailing segments count as zero, so "1.2" equals
// "1.2.0". The empty string is older than everything except itself.
func Compare(a, b string) int {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)

	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}

	as, bs := strings.Split(a, "."), strings.Split(b, ".")

	for i := range max(len(as), len(bs)) {
		var sa, sb segment
		if i < len(as) {
			sa = parseSegment(as[i])
		}

		if i < len(bs) {
			sb = parseSegment(bs[i])
		}

		if c := sa.compare(sb); c != 0 {
			return c
		}
	}

	return 0
}

type segment struct {
	num    uint64
	suffix string
}

func parseSegment(s string) segment {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}

	var seg segment

	if end > 0 {
		// Overflowing segments saturate.
		n, err := strconv.ParseUint(s[:end], 10, 64)
		if err != nil {
			n = ^uint64(0)
		}

		seg.num = n
	}

	seg.suffix = strings.TrimLeft(s[end:], "-_")

	return seg
}

func (s segment) compare(o segment) int {
	switch {
	case s.num < o.num:
		return -1
	case s.num > o.num:
		return 1
	}

	switch {
	case s.suffix == o.suffix:
		return 0
	case s.suffix == "":
		return 1
	case o.suffix == "":
		return -1
	case s.suffix == qualifier:
		return -1
	case o.suffix == qualifier:
		return 1
	}

	return strings.Compare(s.suffix, o.suffix)
}
