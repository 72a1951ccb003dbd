package hts

import (
	"regexp"
	"strconv"
	"strings"
)

// DutyKind classifies a general-rate string.
type DutyKind string

const (
	DutyFree      DutyKind = "free"
	DutyAdValorem DutyKind = "ad_valorem"
	// DutySpecific covers per-unit and compound rates such as "4.4¢/kg" or
	// "2.5% + 3¢/kg", which have no single fractional value.
	DutySpecific DutyKind = "specific"
)

// DutyRate is a parsed general duty rate. Rate is a fraction (0.026 for 2.6%)
// and is only meaningful for DutyFree and DutyAdValorem.
type DutyRate struct {
	Kind DutyKind
	Rate float64
	Raw  string
}

var (
	adValoremRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)\s*%$`)
	footnoteRe  = regexp.MustCompile(`(\s+\d+/)+$`)
)

// ParseDutyRate parses the general column of a schedule article.
func ParseDutyRate(raw string) DutyRate {
	s := strings.TrimSpace(raw)
	s = strings.TrimSpace(footnoteRe.ReplaceAllString(s, ""))

	if strings.EqualFold(s, "free") {
		return DutyRate{Kind: DutyFree, Rate: 0, Raw: raw}
	}
	if m := adValoremRe.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return DutyRate{Kind: DutyAdValorem, Rate: v / 100, Raw: raw}
		}
	}
	return DutyRate{Kind: DutySpecific, Rate: 0, Raw: raw}
}

// specialGroupRe matches one "rate (PROGRAMS)" group of the special column,
// e.g. "Free (A,AU,BH,CA,CL,CO,D,E,IL,JO,KR,MA,OM,P,PA,PE,S,SG)".
var specialGroupRe = regexp.MustCompile(`([^()]+?)\s*\(([^)]*)\)`)

// usmcaProgram is the special-program indicator for USMCA.
const usmcaProgram = "S"

// USMCARate extracts the USMCA preferential rate from the special column.
// It reports false when USMCA is not listed or its rate is not ad valorem.
func USMCARate(special string) (float64, bool) {
	for _, m := range specialGroupRe.FindAllStringSubmatch(special, -1) {
		for _, prog := range strings.Split(m[2], ",") {
			prog = strings.TrimRight(strings.TrimSpace(prog), "+*")
			if prog != usmcaProgram {
				continue
			}
			d := ParseDutyRate(m[1])
			if d.Kind == DutySpecific {
				return 0, false
			}
			return d.Rate, true
		}
	}
	return 0, false
}
