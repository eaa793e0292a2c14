package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ID identifies a configured stream. Clients send it as a JSON number; a
// numeric string is accepted as well.
type ID int

func (id ID) String() string {
	return strconv.Itoa(int(id))
}

// ParseID parses a decimal stream ID.
func ParseID(value string) (ID, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid stream id %q", value)
	}
	return ID(n), nil
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseID(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid stream id %s", data)
	}
	*id = ID(n)
	return nil
}
