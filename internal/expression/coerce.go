package expression

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/spf13/cast"

	values "pointcalc/internal/values/domain"
)

// Coerce converts a script result into the declared data type.
func Coerce(value any, dataType values.DataType) (any, error) {
	if value == nil {
		return nil, newEvalError(ErrTypeMismatch, errors.New("nil result"))
	}
	var (
		out any
		err error
	)
	switch dataType {
	case values.DataTypeFloat, "":
		out, err = cast.ToFloat64E(value)
	case values.DataTypeInt:
		out, err = cast.ToInt64E(value)
	case values.DataTypeBool:
		out, err = cast.ToBoolE(value)
	case values.DataTypeString:
		out, err = cast.ToStringE(value)
	default:
		err = fmt.Errorf("unsupported data type %q", dataType)
	}
	if err != nil {
		return nil, newEvalError(ErrTypeMismatch, err)
	}
	return out, nil
}

// Truthy interprets a condition result.
func Truthy(value any) (bool, error) {
	if value == nil {
		return false, nil
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		return false, newEvalError(ErrTypeMismatch, err)
	}
	return b, nil
}

// literal renders a bound scalar as Go source.
func literal(value any) (string, string, error) {
	switch v := value.(type) {
	case nil:
		return "interface{}", "nil", nil
	case bool:
		return "bool", strconv.FormatBool(v), nil
	case string:
		return "string", strconv.Quote(v), nil
	}
	f, err := cast.ToFloat64E(value)
	if err != nil {
		return "", "", newEvalError(ErrTypeMismatch, fmt.Errorf("unsupported binding type %T", value))
	}
	switch {
	case math.IsNaN(f):
		return "float64", "math.NaN()", nil
	case math.IsInf(f, 1):
		return "float64", "math.Inf(1)", nil
	case math.IsInf(f, -1):
		return "float64", "math.Inf(-1)", nil
	}
	return "float64", strconv.FormatFloat(f, 'g', -1, 64), nil
}
