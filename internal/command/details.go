package command

import (
	"fmt"
	"strconv"
	"strings"
)

// Details is the parsed "<price> [format] [eta] [close <day> <month>]"
// reply used by the research and caption flows.
type Details struct {
	Price     int    // required, integer currency units
	Format    string // HB, PB, BB, HC, or empty
	ETA       string // rendered as "Apr '26", empty when absent
	CloseDate string // rendered as "20 Dec", empty when absent
}

var formats = map[string]string{
	"hb": "HB",
	"pb": "PB",
	"bb": "BB",
	"hc": "HC",
}

// months maps English and Indonesian month names, full and abbreviated,
// to the capitalized short English form used in rendered output.
var months = map[string]string{
	"jan": "Jan", "feb": "Feb", "mar": "Mar", "apr": "Apr",
	"may": "May", "jun": "Jun", "jul": "Jul", "aug": "Aug",
	"sep": "Sep", "oct": "Oct", "nov": "Nov", "dec": "Dec",
	"januari": "Jan", "februari": "Feb", "maret": "Mar", "april": "Apr",
	"mei": "May", "juni": "Jun", "juli": "Jul", "agustus": "Aug",
	"september": "Sep", "oktober": "Oct", "november": "Nov", "desember": "Dec",
	"agu": "Aug", "agt": "Aug", "okt": "Oct", "des": "Dec",
}

// ParseDetails parses the details grammar:
//
//	<price> [<format>] [<monthName> [<yy>]] [close <day> <monthName>]
//
// Price strips non-digits before conversion. Month names are English or
// Indonesian, full or abbreviated ("des" and "dec" both work).
func ParseDetails(text string) (*Details, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(fields) == 0 {
		return nil, fmt.Errorf("details are empty; expected at least a price")
	}

	price, err := parsePrice(fields[0])
	if err != nil {
		return nil, err
	}

	d := &Details{Price: price}
	rest := fields[1:]

	// Optional format.
	if len(rest) > 0 {
		if f, ok := formats[rest[0]]; ok {
			d.Format = f
			rest = rest[1:]
		}
	}

	// Optional ETA: <monthName> [<yy>].
	if len(rest) > 0 {
		if m, ok := months[rest[0]]; ok {
			d.ETA = m
			rest = rest[1:]
			if len(rest) > 0 && rest[0] != "close" {
				if yy, err := strconv.Atoi(rest[0]); err == nil && yy >= 0 && yy <= 99 {
					d.ETA = fmt.Sprintf("%s '%02d", m, yy)
					rest = rest[1:]
				}
			}
		}
	}

	// Optional close date: close <day> <monthName>.
	if len(rest) > 0 {
		if rest[0] != "close" {
			return nil, fmt.Errorf("unexpected %q; expected close <day> <month>", rest[0])
		}
		if len(rest) < 3 {
			return nil, fmt.Errorf("close date needs a day and a month")
		}
		day, err := strconv.Atoi(rest[1])
		if err != nil || day < 1 || day > 31 {
			return nil, fmt.Errorf("close day %q must be between 1 and 31", rest[1])
		}
		m, ok := months[rest[2]]
		if !ok {
			return nil, fmt.Errorf("unknown month %q", rest[2])
		}
		d.CloseDate = fmt.Sprintf("%d %s", day, m)
		rest = rest[3:]
		if len(rest) > 0 {
			return nil, fmt.Errorf("unexpected trailing input %q", strings.Join(rest, " "))
		}
	}

	return d, nil
}

// parsePrice strips non-digit characters and converts the remainder.
func parsePrice(s string) (int, error) {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0, fmt.Errorf("price %q contains no digits", s)
	}
	price, err := strconv.Atoi(b.String())
	if err != nil {
		return 0, fmt.Errorf("price %q is out of range", s)
	}
	if price <= 0 {
		return 0, fmt.Errorf("price must be positive")
	}
	return price, nil
}
