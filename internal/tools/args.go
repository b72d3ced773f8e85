package tools

import (
	"errors"
	"fmt"
)

// Argument extraction over decoded JSON. encoding/json delivers every
// number as float64; integer reads truncate toward zero.

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numberArg(args map[string]any, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// validateText enforces the shared free-text rules: a byte cap and no
// control characters other than newline, tab and carriage return.
func validateText(s string, maxLen int) error {
	if len(s) > maxLen {
		return fmt.Errorf("string too long (max %d chars)", maxLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 && c != '\n' && c != '\t' && c != '\r' {
			return errors.New("invalid character in input")
		}
	}
	return nil
}

// objSchema builds a JSON-schema object node.
func objSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	p := map[string]any{"type": typ}
	if description != "" {
		p["description"] = description
	}
	return p
}

func enumProp(description string, values ...string) map[string]any {
	p := map[string]any{"type": "string", "enum": values}
	if description != "" {
		p["description"] = description
	}
	return p
}
