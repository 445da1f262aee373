package values

// DataType is the declared type of a point value.
type DataType string

const (
	DataTypeFloat  DataType = "float"
	DataTypeInt    DataType = "int"
	DataTypeBool   DataType = "bool"
	DataTypeString DataType = "string"
)

// Valid returns true when the data type is supported.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeFloat, DataTypeInt, DataTypeBool, DataTypeString:
		return true
	default:
		return false
	}
}

// Zero returns a representative value of the type as it is bound into
// formulas. Numeric types bind as float64.
func (d DataType) Zero() any {
	switch d {
	case DataTypeBool:
		return false
	case DataTypeString:
		return ""
	default:
		return 0.0
	}
}
