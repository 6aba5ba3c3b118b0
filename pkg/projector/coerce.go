package projector

import (
	"fmt"
	"strconv"
	"time"

	"github.com/caseflowio/caseflow/pkg/engine/runtime"
)

// coerceValue converts a case variable into the SQL value for a column.
// Variables arrive as the loose types JSON decoding produces (float64, bool,
// string, nested maps); anything that cannot be represented in the column
// type is an error for that row.
func coerceValue(col runtime.Column, value interface{}) (interface{}, error) {
	switch col.Type {
	case runtime.ColumnTypeVarchar:
		s := toString(value)
		if col.Size > 0 && len(s) > col.Size {
			s = s[:col.Size]
		}
		return s, nil

	case runtime.ColumnTypeInteger:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case float32:
			return int64(v), nil
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to integer", v)
			}
			return n, nil
		}

	case runtime.ColumnTypeFloat:
		switch v := value.(type) {
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to float", v)
			}
			return f, nil
		}

	case runtime.ColumnTypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to boolean", v)
			}
			return b, nil
		case float64:
			return v != 0, nil
		case int64:
			return v != 0, nil
		}

	case runtime.ColumnTypeDatetime:
		switch v := value.(type) {
		case time.Time:
			return v.UTC().Format(time.RFC3339), nil
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("cannot coerce %q to datetime", v)
			}
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return nil, fmt.Errorf("cannot coerce %T into %s column %q", value, col.Type, col.Name)
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// sqlType maps a column spec to the SQLite column type.
func sqlType(col runtime.Column) string {
	switch col.Type {
	case runtime.ColumnTypeInteger, runtime.ColumnTypeBoolean:
		return "INTEGER"
	case runtime.ColumnTypeFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}
