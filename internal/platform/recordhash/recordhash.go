// Package recordhash computes the tamper-evidence fingerprint stored on a
// chart at every signing event.
//
// The digest is SHA-256 over a canonical JSON document with a fixed field
// order:
//
//	{"id", "chiefComplaint", "areasTreated", "productsUsed", "dosageUnits",
//	 "aftercareNotes", "additionalNotes",
//	 "treatmentCards": [{"narrative", "structured"}, ...]}
//
// Treatment cards are stably sorted ascending by sortOrder before mapping.
// Strings are escaped the way ECMAScript JSON.stringify escapes them (no HTML
// escaping, U+2028/U+2029 emitted raw) so that other implementations hashing
// the same content arrive at the same digest. Objects inside structured data
// are emitted with their keys sorted, since the store does not preserve key
// order.
package recordhash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Prefix marks every digest produced by this package.
const Prefix = "sha256:"

// Content is the hashed subset of a chart. The json tags let offline tooling
// decode a chart export directly into it.
type Content struct {
	ID              string  `json:"id"`
	ChiefComplaint  *string `json:"chiefComplaint"`
	AreasTreated    *string `json:"areasTreated"`
	ProductsUsed    *string `json:"productsUsed"`
	DosageUnits     *string `json:"dosageUnits"`
	AftercareNotes  *string `json:"aftercareNotes"`
	AdditionalNotes *string `json:"additionalNotes"`
	TreatmentCards  []Card  `json:"treatmentCards"`
}

type Card struct {
	SortOrder      int             `json:"sortOrder"`
	NarrativeText  string          `json:"narrativeText"`
	StructuredData json.RawMessage `json:"structuredData"`
}

// Compute returns "sha256:<hex>" over the canonical form of c.
func Compute(c Content) string {
	sum := sha256.Sum256(Canonical(c))
	return Prefix + hex.EncodeToString(sum[:])
}

// Canonical returns the exact bytes Compute hashes.
func Canonical(c Content) []byte {
	var b bytes.Buffer
	b.WriteString(`{"id":`)
	writeString(&b, c.ID)
	for _, f := range []struct {
		key string
		val *string
	}{
		{"chiefComplaint", c.ChiefComplaint},
		{"areasTreated", c.AreasTreated},
		{"productsUsed", c.ProductsUsed},
		{"dosageUnits", c.DosageUnits},
		{"aftercareNotes", c.AftercareNotes},
		{"additionalNotes", c.AdditionalNotes},
	} {
		b.WriteByte(',')
		writeString(&b, f.key)
		b.WriteByte(':')
		if f.val == nil {
			b.WriteString("null")
		} else {
			writeString(&b, *f.val)
		}
	}

	cards := make([]Card, len(c.TreatmentCards))
	copy(cards, c.TreatmentCards)
	sort.SliceStable(cards, func(i, j int) bool {
		return cards[i].SortOrder < cards[j].SortOrder
	})

	b.WriteString(`,"treatmentCards":[`)
	for i, card := range cards {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(`{"narrative":`)
		writeString(&b, card.NarrativeText)
		b.WriteString(`,"structured":`)
		writeStructured(&b, card.StructuredData)
		b.WriteByte('}')
	}
	b.WriteString("]}")
	return b.Bytes()
}

func writeStructured(b *bytes.Buffer, raw json.RawMessage) {
	if len(bytes.TrimSpace(raw)) == 0 {
		b.WriteString("null")
		return
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not JSON: hash the stored text verbatim.
		writeString(b, string(raw))
		return
	}
	writeValue(b, v)
}

func writeValue(b *bytes.Buffer, v interface{}) {
	switch x := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case float64:
		if x == 0 {
			x = 0 // -0 prints as 0
		}
		// encoding/json formats float64 the way ECMAScript Number#toString does.
		out, _ := json.Marshal(x)
		b.Write(out)
	case string:
		writeString(b, x)
	case []interface{}:
		b.WriteByte('[')
		for i, e := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeValue(b, e)
		}
		b.WriteByte(']')
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeString(b, k)
			b.WriteByte(':')
			writeValue(b, x[k])
		}
		b.WriteByte('}')
	}
}

const hexDigits = "0123456789abcdef"

// writeString quotes s with JSON.stringify escaping rules. Invalid UTF-8 is
// replaced with U+FFFD.
func writeString(b *bytes.Buffer, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				b.WriteString(`\"`)
			case '\\':
				b.WriteString(`\\`)
			case '\b':
				b.WriteString(`\b`)
			case '\f':
				b.WriteString(`\f`)
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				if c < 0x20 {
					b.WriteString(`\u00`)
					b.WriteByte(hexDigits[c>>4])
					b.WriteByte(hexDigits[c&0xF])
				} else {
					b.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	b.WriteByte('"')
}
