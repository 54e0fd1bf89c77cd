package msgtypes

type builtinDef struct {
	name   string
	fields []Field
}

var builtins = []builtinDef{
	{"std_msgs/Empty", nil},
	{"std_msgs/Bool", []Field{{"data", "bool"}}},
	{"std_msgs/String", []Field{{"data", "string"}}},
	{"std_msgs/Int8", []Field{{"data", "int8"}}},
	{"std_msgs/Int16", []Field{{"data", "int16"}}},
	{"std_msgs/Int32", []Field{{"data", "int32"}}},
	{"std_msgs/Int64", []Field{{"data", "int64"}}},
	{"std_msgs/UInt8", []Field{{"data", "uint8"}}},
	{"std_msgs/UInt32", []Field{{"data", "uint32"}}},
	{"std_msgs/Float32", []Field{{"data", "float32"}}},
	{"std_msgs/Float64", []Field{{"data", "float64"}}},
	{"std_msgs/ByteArray", []Field{{"data", "uint8[]"}}},
	{"std_msgs/Float64Array", []Field{{"data", "float64[]"}}},
	{"std_msgs/Time", []Field{{"secs", "uint32"}, {"nsecs", "uint32"}}},
	{"std_msgs/Header", []Field{{"seq", "uint32"}, {"stamp", "std_msgs/Time"}, {"frame_id", "string"}}},
	{"geometry_msgs/Vector3", []Field{{"x", "float64"}, {"y", "float64"}, {"z", "float64"}}},
	{"geometry_msgs/Point", []Field{{"x", "float64"}, {"y", "float64"}, {"z", "float64"}}},
	{"geometry_msgs/Quaternion", []Field{{"x", "float64"}, {"y", "float64"}, {"z", "float64"}, {"w", "float64"}}},
	{"geometry_msgs/Pose", []Field{{"position", "geometry_msgs/Point"}, {"orientation", "geometry_msgs/Quaternion"}}},
	{"geometry_msgs/PoseStamped", []Field{{"header", "std_msgs/Header"}, {"pose", "geometry_msgs/Pose"}}},
	{"geometry_msgs/Twist", []Field{{"linear", "geometry_msgs/Vector3"}, {"angular", "geometry_msgs/Vector3"}}},
}

var primitives = map[string]struct{}{
	"bool":    {},
	"int8":    {},
	"int16":   {},
	"int32":   {},
	"int64":   {},
	"uint8":   {},
	"uint16":  {},
	"uint32":  {},
	"uint64":  {},
	"float32": {},
	"float64": {},
	"string":  {},
}

func isPrimitive(t string) bool {
	_, ok := primitives[t]
	return ok
}
