package persistence

import (
	"testing"

	_assert "github.com/stretchr/testify/assert"
)

func TestSearchPattern_Match(t *testing.T) {
	assert := _assert.New(t)

	p := Pattern("app*")
	assert.Equal(true, p.Match("application"))
	assert.Equal(true, p.Match("apple"))
	assert.Equal(false, p.Match("mapple"))
	assert.Equal(false, p.Match("car"))

	all := Pattern("*")
	assert.True(all.Match(""))
	assert.True(all.Match("$all"))

	literal := Pattern("order-1.5")
	assert.True(literal.Match("order-1.5"))
	assert.False(literal.Match("order-1x5"))

	middle := Pattern("user-*-events")
	assert.True(middle.Match("user-42-events"))
	assert.False(middle.Match("user-42-event"))
}
