// SPDX-License-Identifier: MIT

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// FlexInt handles JSON fields that can be 123, "123" or null.
type FlexInt int

func (v *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		*v = 0
		return nil
	}

	// If it's a JSON string: "12345"
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*v = 0
			return nil
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			// Some aggregators render ints as "4.0"
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil {
				return fmt.Errorf("invalid integer string %q", s)
			}
			*v = FlexInt(int(f))
			return nil
		}
		*v = FlexInt(i)
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("invalid integer value: %s", string(b))
	}
	*v = FlexInt(int(f))
	return nil
}

// Int returns the plain int value.
func (v FlexInt) Int() int { return int(v) }

// FlexFloat handles JSON fields that can be 29.97, "29.97" or null.
type FlexFloat float64

func (v *FlexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		*v = 0
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" || s == "N/A" {
			*v = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid float string %q", s)
		}
		*v = FlexFloat(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("invalid float value: %s", string(b))
	}
	*v = FlexFloat(f)
	return nil
}

// Float64 returns the plain float64 value.
func (v FlexFloat) Float64() float64 { return float64(v) }

// ClientCount tolerates both a client array and a bare count.
type ClientCount int

func (c *ClientCount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = 0
		return nil
	}
	if b[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*c = ClientCount(len(arr))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("clients: invalid json value: %s", string(b))
	}
	*c = ClientCount(int(f))
	return nil
}
