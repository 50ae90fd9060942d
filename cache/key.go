package cache

import (
	"regexp"
	"strings"

	"github.com/saiset-co/build-cache-node/types"
)

type KeyValidator struct {
	pattern *regexp.Regexp
}

func NewKeyValidator(pattern string) (*KeyValidator, error) {
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "key pattern %q: %v", pattern, err)
	}
	return &KeyValidator{pattern: compiled}, nil
}

// Validate rejects keys outside the pattern. Keys become file names, so path
// separators and dot names are refused even when a custom pattern allows them.
func (v *KeyValidator) Validate(key string) error {
	if key == "" || key == "." || key == ".." || strings.ContainsAny(key, "/\\\x00") {
		return types.Errorf(types.ErrInvalidKey, "%q", key)
	}
	if !v.pattern.MatchString(key) {
		return types.Errorf(types.ErrInvalidKey, "%q", key)
	}
	return nil
}
