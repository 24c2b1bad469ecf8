package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// MaskType names how a sensitive value is hidden, both in query results and
// in audit records.
type MaskType string

const (
	MaskRedact  MaskType = "redact"
	MaskHash    MaskType = "hash"
	MaskPartial MaskType = "partial"
	MaskNull    MaskType = "null"
)

// Valid reports whether m is a known mask. The empty mask leaves values as they are.
func (m MaskType) Valid() bool {
	switch m {
	case MaskRedact, MaskHash, MaskPartial, MaskNull, "":
		return true
	}
	return false
}

// ParseMask returns the mask named s. An empty name means redact.
func ParseMask(s string) (MaskType, error) {
	if s == "" {
		return MaskRedact, nil
	}
	m := MaskType(s)
	if !m.Valid() {
		return "", fmt.Errorf("invalid mask %q (allowed: redact, hash, partial, null)", s)
	}
	return m, nil
}

// ApplyMask hides value according to m. Hash and partial masks return
// strings whatever the input type; null returns nil.
func ApplyMask(value any, m MaskType) any {
	if value == nil {
		return nil
	}

	switch m {
	case MaskRedact:
		return "***"
	case MaskHash:
		h := sha256.Sum256([]byte(maskInput(value)))
		return hex.EncodeToString(h[:])
	case MaskPartial:
		return maskPartial(maskInput(value))
	case MaskNull:
		return nil
	default:
		return value
	}
}

// maskInput is the text a value is hashed or partially shown as. bytea and
// text columns arrive as []byte from pgx and are taken as their content.
func maskInput(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

// maskPartial keeps the last four runes.
func maskPartial(s string) string {
	runes := []rune(s)
	if len(runes) <= 4 {
		return "***" + s
	}
	for i := range len(runes) - 4 {
		runes[i] = '*'
	}
	return string(runes)
}

// MaskRows applies column masks to query result rows in place. Columns are
// matched by name only.
func MaskRows(rows []map[string]any, masks map[string]MaskType) {
	if len(masks) == 0 {
		return
	}
	for _, row := range rows {
		for col, m := range masks {
			if val, exists := row[col]; exists {
				row[col] = ApplyMask(val, m)
			}
		}
	}
}

// MaskRecord masks the named fields of r in place and reports how many it found.
func MaskRecord(r *Record, fields []string, m MaskType) int {
	n := 0
	for _, f := range fields {
		if v, ok := r.Get(f); ok {
			r.Set(f, ApplyMask(v, m))
			n++
		}
	}
	return n
}
