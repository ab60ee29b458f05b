package store

import (
	"fmt"
	"strconv"
	"time"
)

const (
	OIDBool        uint32 = 16
	OIDBytea       uint32 = 17
	OIDInt8        uint32 = 20
	OIDText        uint32 = 25
	OIDFloat8      uint32 = 701
	OIDTimestamptz uint32 = 1184
)

// TimestampFormat is the text form Postgres uses for timestamptz values.
const TimestampFormat = "2006-01-02 15:04:05.999999-07"

// encodeValue renders a scanned column value in the text wire format. A nil
// encoding is sent as SQL NULL.
func encodeValue(val any) (oid uint32, encoded []byte) {
	switch v := val.(type) {
	case nil:
		return OIDText, nil
	case bool:
		if v {
			return OIDBool, []byte("t")
		}
		return OIDBool, []byte("f")
	case int:
		return OIDInt8, strconv.AppendInt(nil, int64(v), 10)
	case int32:
		return OIDInt8, strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return OIDInt8, strconv.AppendInt(nil, v, 10)
	case float64:
		return OIDFloat8, strconv.AppendFloat(nil, v, 'f', -1, 64)
	case string:
		return OIDText, []byte(v)
	case []byte:
		return OIDBytea, v
	case time.Time:
		return OIDTimestamptz, []byte(v.Format(TimestampFormat))
	default:
		return OIDText, []byte(fmt.Sprint(v))
	}
}
