// Package store implements the node's object store client: final,
// intermediate and local buckets, caller-chosen tags on local artifacts,
// per-recipient encrypted intermediate uploads, and local differential
// privacy on final results.
package store

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
)

// Output selects the byte encoding of a final result. Intermediate and
// local artifacts always use OutputJSON regardless of the declared type.
type Output string

const (
	// OutputString writes the string representation of the result, UTF-8.
	OutputString Output = "str"
	// OutputBytes writes the result's raw bytes. The result must already
	// be a byte slice or a string.
	OutputBytes Output = "bytes"
	// OutputJSON writes a self-describing JSON serialization. It is the
	// fallback when another encoding fails.
	OutputJSON Output = "json"
)

// encode renders the result under the requested output. Callers handle the
// JSON fallback; encode itself never falls back.
func encode(result interface{}, output Output) ([]byte, error) {
	switch output {
	case OutputString:
		return []byte(fmt.Sprint(result)), nil
	case OutputBytes:
		switch v := result.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		default:
			return nil, fmt.Errorf("result of type %T cannot be written as raw bytes", result)
		}
	case OutputJSON:
		var body, err = json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("serializing result: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("unknown output type %q", output)
	}
}

// LocalDP are the local differential privacy parameters forwarded to the
// store's localdp endpoint. Noise is added by the service, never client-side.
type LocalDP struct {
	Epsilon     float64
	Sensitivity float64
}

// validate checks the parameters and the result they are to be applied to:
// both parameters positive, the result a finite number.
func (p LocalDP) validate(result interface{}) error {
	if p.Epsilon <= 0 || p.Sensitivity <= 0 {
		return fmt.Errorf("differential privacy parameters must be positive (epsilon %v, sensitivity %v)",
			p.Epsilon, p.Sensitivity)
	}

	var value float64
	switch v := result.(type) {
	case float64:
		value = v
	case float32:
		value = float64(v)
	case int:
		value = float64(v)
	case int32:
		value = float64(v)
	case int64:
		value = float64(v)
	default:
		return fmt.Errorf("differential privacy applies to numeric results only, not %T", result)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("differential privacy requires a finite result, got %v", value)
	}
	return nil
}

// tagPattern constrains caller-chosen tags: lowercase alphanumerics with
// single hyphen separators.
var tagPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

const maxTagLength = 32

// validTag reports whether t is usable as a storage tag.
func validTag(t string) error {
	if len(t) > maxTagLength {
		return fmt.Errorf("tag %q exceeds %d characters", t, maxTagLength)
	}
	if !tagPattern.MatchString(t) {
		return fmt.Errorf("tag %q must consist of lowercase letters, numbers and single hyphens", t)
	}
	return nil
}
