package shared

import (
	"fmt"
	"os"
	"strconv"
)

func GetenvString(s string) (string, error) {
	return s, nil
}

func GetenvInt(s string) (int, error) {
	return strconv.Atoi(s)
}

func GetenvBool(s string) (bool, error) {
	return strconv.ParseBool(s)
}

// Getenv reads and parses an environment variable. A missing or empty
// variable yields the fallback, or an error when required is set.
func Getenv[T any](parse func(string) (T, error), key string, required bool, fallback T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			return fallback, fmt.Errorf("environment variable %s is required", key)
		}
		return fallback, nil
	}
	parsed, err := parse(raw)
	if err != nil {
		return fallback, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return parsed, nil
}

func MustGetenv[T any](parse func(string) (T, error), key string, required bool, fallback T) T {
	v, err := Getenv(parse, key, required, fallback)
	if err != nil {
		panic(err)
	}
	return v
}
