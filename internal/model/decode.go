package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

var jsonNull = []byte("null")

// Float64String is a float64 which may be returned as string or number in JSON.
// Empty string, null and anything unparsable decode as zero, so one bad
// reading never fails the whole record.
type Float64String float64

func (f *Float64String) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	*f = 0

	switch val := v.(type) {
	case nil:
	case float64:
		*f = Float64String(val)
	case string:
		if val == "" {
			return nil
		}

		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			log.Debug().Str("value", val).Msg("unparsable number, using zero")
			return nil
		}

		*f = Float64String(parsed)
	default:
		log.Debug().Str("type", fmt.Sprintf("%T", v)).Msg("unexpected number type, using zero")
	}

	return nil
}

func (f Float64String) Float64() float64 {
	return float64(f)
}

// OrZero is safe to call on nil.
func (f *Float64String) OrZero() float64 {
	if f == nil {
		return 0
	}

	return float64(*f)
}

// Timestamp accepts RFC3339 strings and unix milliseconds. Empty string,
// null and unparsable values are the zero time. Zero time is written back
// as null.
type Timestamp struct {
	time.Time
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return jsonNull, nil
	}

	return json.Marshal(ts.Time.Format(time.RFC3339Nano))
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, jsonNull) {
		ts.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		if s == "" {
			ts.Time = time.Time{}
			return nil
		}

		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			log.Debug().Str("value", s).Msg("unparsable timestamp, using zero time")
			ts.Time = time.Time{}

			return nil
		}

		ts.Time = t
		return nil
	}

	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		if !json.Valid(data) {
			return fmt.Errorf("Timestamp: invalid json %s", data)
		}

		log.Debug().Bytes("value", data).Msg("unexpected timestamp, using zero time")
		ts.Time = time.Time{}

		return nil
	}

	ts.Time = time.Unix(0, ms*int64(time.Millisecond)).UTC()
	return nil
}
