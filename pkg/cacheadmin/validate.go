// Package cacheadmin implements cache-name validation and the cache
// lifecycle operations (create_cache, configure_cache, destroy_cache) that
// sit above the raw database and storage layers.
package cacheadmin

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidCacheName is returned when a cache name fails validation.
	ErrInvalidCacheName = errors.New("cacheadmin: invalid cache name")

	// ErrInvalidPattern is returned when a CacheNamePattern fails validation.
	ErrInvalidPattern = errors.New("cacheadmin: invalid cache name pattern")

	// ErrInvalidPinName is returned when a pin name fails validation.
	ErrInvalidPinName = errors.New("cacheadmin: invalid pin name")
)

// nameRegexp implements the cache-name alphabet from spec §3/§6:
// [A-Za-z0-9][A-Za-z0-9-_+]{0,49}
var nameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_+]{0,49}$`)

// patternRegexp is the same alphabet with an additional '*' wildcard allowed.
var patternRegexp = regexp.MustCompile(`^[A-Za-z0-9*][A-Za-z0-9\-_+*]{0,49}$`)

// pinNameRegexp is the cache-name alphabet without '+'.
var pinNameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_]{0,49}$`)

// ValidateName validates a concrete cache name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCacheName, name)
	}

	return nil
}

// ValidatePattern validates a CacheNamePattern, which is a cache name that
// may additionally contain '*' wildcards.
func ValidatePattern(pattern string) error {
	if !patternRegexp.MatchString(pattern) {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	return nil
}

// ValidatePinName validates a pin name: the cache-name alphabet without '+'.
func ValidatePinName(name string) error {
	if !pinNameRegexp.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPinName, name)
	}

	return nil
}
