package cacheadmin_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/attic-go/attic/pkg/cacheadmin"
)

func TestValidateNameAccepts(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"valid-name", "Another_Valid_Name", "plan9", "username+cache"} {
		assert.NoError(t, cacheadmin.ValidateName(name), name)
	}
}

func TestValidateNameRejects(t *testing.T) {
	t.Parallel()

	cases := []string{"", "not a valid name", "team-*", "-ers", strings.Repeat("a", 51)}
	for _, name := range cases {
		assert.Error(t, cacheadmin.ValidateName(name), name)
	}
}

func TestValidatePattern(t *testing.T) {
	t.Parallel()

	assert.NoError(t, cacheadmin.ValidatePattern("team-*"))
	assert.NoError(t, cacheadmin.ValidatePattern("*"))
	assert.Error(t, cacheadmin.ValidatePattern("*-but-normal-restrictions-still-apply!!!"))
}

func TestValidatePinNameRejectsPlus(t *testing.T) {
	t.Parallel()

	assert.NoError(t, cacheadmin.ValidatePinName("my-pin"))
	assert.Error(t, cacheadmin.ValidatePinName("user+cache"))
}
