package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeOnOff(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"1", "ON"},
		{"ON", "ON"},
		{"On", "ON"},
		{"on", "ON"},
		{"true", "ON"},
		{"TRUE", "ON"},
		{"0", "OFF"},
		{"OFF", "OFF"},
		{"Off", "OFF"},
		{"off", "OFF"},
		{"false", "OFF"},
		{"False", "OFF"},
		{" 1 ", "ON"},
		{" 0 ", "OFF"},
		{"2", "2"},
		{"CLEANING", "CLEANING"},
		{"", ""},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeOnOff(tc.raw), "raw=%q", tc.raw)
	}
}

func TestHydraulicConfigurationText(t *testing.T) {
	assert.Equal(t, "1. DHW", HydraulicConfigurationText("0"))
	assert.Equal(t, "4. BUF", HydraulicConfigurationText("3"))
	assert.Equal(t, "15. CRO -- DHW", HydraulicConfigurationText("14"))

	// Out-of-range and non-numeric values pass through.
	assert.Equal(t, "15", HydraulicConfigurationText("15"))
	assert.Equal(t, "-1", HydraulicConfigurationText("-1"))
	assert.Equal(t, "garbage", HydraulicConfigurationText("garbage"))
}
