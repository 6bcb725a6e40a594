package vedirect

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryByPID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pid    uint16
		expect Category
	}{
		{0xa056, CategorySolarMppt},
		{0xa388, CategoryUnknown},
		{0xa389, CategorySmartShunt},
		{0xa38a, CategorySmartShunt},
		{0xa38b, CategorySmartShunt},
		{0xa38c, CategoryUnknown},
		{0xa2e9, CategoryPhoenixInverter},
		{0x0000, CategoryUnknown},
		{0xffff, CategoryUnknown},
	}
	for _, c := range cases {
		c := c
		t.Run(fmt.Sprintf("%04x", c.pid), func(t *testing.T) {
			assert.Equal(t, c.expect, CategoryByPID(c.pid))
		})
	}
}

func TestIdentityObserve(t *testing.T) {
	t.Parallel()
	var id Identity
	assert.False(t, id.Observe(NewRegister(KindMainVoltage, 12)))
	assert.False(t, id.Observe(NewProductId(0)))
	assert.Equal(t, CategoryUnknown, id.Category())
	assert.True(t, id.Observe(NewProductId(0xa2e9)))
	assert.Equal(t, CategoryPhoenixInverter, id.Category())
	assert.False(t, id.Observe(NewProductId(0xa2e9)))
	assert.False(t, id.Observe(NewProductId(0xa056)))
	assert.Equal(t, CategoryPhoenixInverter, id.Category())
}

func TestCategoryString(t *testing.T) {
	t.Parallel()
	for _, c := range Categories {
		assert.True(t, c.Known(), c.String())
	}
	assert.False(t, CategoryUnknown.Known())
	assert.Equal(t, "smart_shunt", CategorySmartShunt.String())
}
