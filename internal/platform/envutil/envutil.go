package envutil

import (
	"os"
	"strconv"
	"strings"
)

func Int(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// PositiveInt reads an int like Int but falls back to def when the
// value parses to zero or negative.
func PositiveInt(name string, def int) int {
	v := Int(name, def)
	if v <= 0 {
		return def
	}
	return v
}
