package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ColumnType enumerates the admissible cell types of a workspace column.
type ColumnType string

const (
	// ColumnTypeString holds free text values.
	ColumnTypeString ColumnType = "string"
	// ColumnTypeInteger holds whole numbers.
	ColumnTypeInteger ColumnType = "integer"
	// ColumnTypeDouble holds floating point numbers.
	ColumnTypeDouble ColumnType = "double"
	// ColumnTypeBoolean holds true/false values.
	ColumnTypeBoolean ColumnType = "boolean"
	// ColumnTypeDatetime holds timestamps with timezone offset.
	ColumnTypeDatetime ColumnType = "datetime"
)

var (
	// ErrCoerce indicates a value could not be converted to the requested type.
	ErrCoerce = errors.New("types: value cannot be coerced")
	// ErrIncompatibleTypes indicates two column types cannot be widened into one.
	ErrIncompatibleTypes = errors.New("types: incompatible column types")
	// ErrUnknownType indicates a type name outside the admissible set.
	ErrUnknownType = errors.New("types: unknown column type")
)

// Datetime layouts accepted when parsing cell values, most specific first.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse validates a raw type name.
func Parse(raw string) (ColumnType, error) {
	switch ColumnType(strings.TrimSpace(raw)) {
	case ColumnTypeString, ColumnTypeInteger, ColumnTypeDouble,
		ColumnTypeBoolean, ColumnTypeDatetime:
		return ColumnType(strings.TrimSpace(raw)), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
}

// IsNumeric reports whether the type admits arithmetic aggregation.
func (t ColumnType) IsNumeric() bool {
	return t == ColumnTypeInteger || t == ColumnTypeDouble
}

// IsOrdered reports whether the type admits less/greater comparisons.
func (t ColumnType) IsOrdered() bool {
	return t == ColumnTypeInteger || t == ColumnTypeDouble || t == ColumnTypeDatetime
}

// Infer determines the narrowest column type that admits every non-null
// value in the series. An all-null or empty series infers as string.
func Infer(series []any) ColumnType {
	sawValue := false
	couldBeBool := true
	couldBeInt := true
	couldBeDouble := true
	couldBeDatetime := true

	for _, cell := range series {
		if cell == nil {
			continue
		}
		sawValue = true
		switch value := cell.(type) {
		case bool:
			couldBeInt = false
			couldBeDouble = false
			couldBeDatetime = false
		case int, int32, int64:
			couldBeBool = false
			couldBeDatetime = false
		case float32:
			couldBeBool = false
			couldBeDatetime = false
			if !isWholeFloat(float64(value)) {
				couldBeInt = false
			}
		case float64:
			couldBeBool = false
			couldBeDatetime = false
			if !isWholeFloat(value) {
				couldBeInt = false
			}
		case time.Time:
			couldBeBool = false
			couldBeInt = false
			couldBeDouble = false
		case string:
			trimmed := strings.TrimSpace(value)
			if couldBeBool && !isBoolLiteral(trimmed) {
				couldBeBool = false
			}
			if couldBeInt {
				if _, err := strconv.ParseInt(trimmed, 10, 64); err != nil {
					couldBeInt = false
				}
			}
			if couldBeDouble {
				if _, err := strconv.ParseFloat(trimmed, 64); err != nil {
					couldBeDouble = false
				}
			}
			if couldBeDatetime {
				if _, err := parseDatetime(trimmed, time.UTC); err != nil {
					couldBeDatetime = false
				}
			}
		default:
			couldBeBool = false
			couldBeInt = false
			couldBeDouble = false
			couldBeDatetime = false
		}
	}

	if !sawValue {
		return ColumnTypeString
	}
	switch {
	case couldBeBool:
		return ColumnTypeBoolean
	case couldBeInt:
		return ColumnTypeInteger
	case couldBeDouble:
		return ColumnTypeDouble
	case couldBeDatetime:
		return ColumnTypeDatetime
	}
	return ColumnTypeString
}

// Coerce converts a value into the canonical Go representation for the
// target type: string, int64, float64, bool or time.Time. A nil value is
// admissible for every type and passes through unchanged. The location is
// applied to datetime strings that carry no offset.
func Coerce(value any, target ColumnType, loc *time.Location) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch target {
	case ColumnTypeString:
		return coerceString(value)
	case ColumnTypeInteger:
		return coerceInteger(value)
	case ColumnTypeDouble:
		return coerceDouble(value)
	case ColumnTypeBoolean:
		return coerceBoolean(value)
	case ColumnTypeDatetime:
		return coerceDatetime(value, loc)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, target)
}

// Widen computes the type that can hold values of both operands, used when a
// merge mixes column types. Integer and double widen to double; any type
// widens with itself. Booleans never widen.
func Widen(left, right ColumnType) (ColumnType, error) {
	if left == right {
		return left, nil
	}
	if left.IsNumeric() && right.IsNumeric() {
		return ColumnTypeDouble, nil
	}
	if left == ColumnTypeString || right == ColumnTypeString {
		return ColumnTypeString, nil
	}
	return "", fmt.Errorf("%w: %s and %s", ErrIncompatibleTypes, left, right)
}

// IsUnique reports whether the series is usable as a key: no nulls and no
// repeated values.
func IsUnique(series []any) bool {
	seen := make(map[any]struct{}, len(series))
	for _, cell := range series {
		if cell == nil {
			return false
		}
		key := comparableKey(cell)
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
	}
	return true
}

func comparableKey(cell any) any {
	if ts, ok := cell.(time.Time); ok {
		return ts.UTC().Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%v", cell)
}

func isWholeFloat(value float64) bool {
	return value == float64(int64(value))
}

func isBoolLiteral(value string) bool {
	switch strings.ToLower(value) {
	case "true", "false":
		return true
	}
	return false
}

func coerceString(value any) (string, error) {
	switch typed := value.(type) {
	case string:
		return typed, nil
	case bool:
		return strconv.FormatBool(typed), nil
	case int:
		return strconv.FormatInt(int64(typed), 10), nil
	case int32:
		return strconv.FormatInt(int64(typed), 10), nil
	case int64:
		return strconv.FormatInt(typed, 10), nil
	case float64:
		return strconv.FormatFloat(typed, 'g', -1, 64), nil
	case time.Time:
		return typed.Format(time.RFC3339), nil
	}
	return "", fmt.Errorf("%w: %T to string", ErrCoerce, value)
}

func coerceInteger(value any) (int64, error) {
	switch typed := value.(type) {
	case int:
		return int64(typed), nil
	case int32:
		return int64(typed), nil
	case int64:
		return typed, nil
	case float32:
		if !isWholeFloat(float64(typed)) {
			return 0, fmt.Errorf("%w: %v to integer", ErrCoerce, typed)
		}
		return int64(typed), nil
	case float64:
		if !isWholeFloat(typed) {
			return 0, fmt.Errorf("%w: %v to integer", ErrCoerce, typed)
		}
		return int64(typed), nil
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q to integer", ErrCoerce, typed)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("%w: %T to integer", ErrCoerce, value)
}

func coerceDouble(value any) (float64, error) {
	switch typed := value.(type) {
	case int:
		return float64(typed), nil
	case int32:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case float32:
		return float64(typed), nil
	case float64:
		return typed, nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q to double", ErrCoerce, typed)
		}
		return parsed, nil
	}
	return 0, fmt.Errorf("%w: %T to double", ErrCoerce, value)
}

func coerceBoolean(value any) (bool, error) {
	switch typed := value.(type) {
	case bool:
		return typed, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return false, fmt.Errorf("%w: %q to boolean", ErrCoerce, typed)
	case int:
		return typed != 0, nil
	case int64:
		return typed != 0, nil
	}
	return false, fmt.Errorf("%w: %T to boolean", ErrCoerce, value)
}

func coerceDatetime(value any, loc *time.Location) (time.Time, error) {
	switch typed := value.(type) {
	case time.Time:
		return typed, nil
	case string:
		return parseDatetime(strings.TrimSpace(typed), loc)
	}
	return time.Time{}, fmt.Errorf("%w: %T to datetime", ErrCoerce, value)
}

func parseDatetime(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range datetimeLayouts {
		if parsed, err := time.ParseInLocation(layout, value, loc); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q to datetime", ErrCoerce, value)
}
