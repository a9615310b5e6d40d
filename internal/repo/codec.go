package repo

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Katsud0n0/final-jd-21/internal/domain"
)

// The flat store keeps collection fields as JSON text and boolean fields in
// whatever textual form the writer used. These codecs normalize both shapes
// at the store boundary so the engine only ever sees typed values.

func decodeStringList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func decodeRejections(raw string) []domain.Rejection {
	if strings.TrimSpace(raw) == "" {
		return []domain.Rejection{}
	}
	var out []domain.Rejection
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []domain.Rejection{}
	}
	return out
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeBool(raw string) bool {
	switch strings.TrimSpace(raw) {
	case "TRUE", "True", "true", "1":
		return true
	}
	return false
}

func encodeBool(v bool) string {
	return strconv.FormatBool(v)
}
