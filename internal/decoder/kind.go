package decoder

import (
	"fmt"
	"strings"
)

// Kind identifies a radiosonde family and the decoder program that handles it.
type Kind string

const (
	RS41 Kind = "RS41"
	RS92 Kind = "RS92"
	DFM  Kind = "DFM"
	M10  Kind = "M10"
	IMet Kind = "iMet"
)

// DefaultOrder is the detection priority used when none is configured.
var DefaultOrder = []Kind{RS41, RS92, DFM, M10, IMet}

// ParseKind accepts a sonde type name in any case. A leading "-", as printed
// by dft_detect for inverted signals, is ignored.
func ParseKind(s string) (Kind, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "-")
	for _, k := range DefaultOrder {
		if strings.EqualFold(s, string(k)) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown sonde type %q", s)
}

// ParseOrder converts configured type names to kinds, dropping duplicates.
func ParseOrder(names []string) ([]Kind, error) {
	if len(names) == 0 {
		return append([]Kind(nil), DefaultOrder...), nil
	}
	seen := map[Kind]bool{}
	out := make([]Kind, 0, len(names))
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}
