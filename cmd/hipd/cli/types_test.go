package cli_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-hip"
	"github.com/frobware/go-hip/cmd/hipd/cli"
)

func TestParseSignalID(t *testing.T) {
	tests := []struct {
		input   string
		want    hip.SignalID
		wantErr bool
	}{
		{input: "MLME_SCAN_IND", want: hip.MLMEScanInd},
		{input: "  MA_UNITDATA_IND ", want: hip.MAUnitdataInd},
		{input: "0x8302", want: hip.DebugFaultInd},
		{input: "4864", want: hip.MAUnitdataInd},
		{input: "", wantErr: true},
		{input: "NOT_A_SIGNAL", wantErr: true},
		{input: "0x10000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := cli.ParseSignalID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Value)
		})
	}
}

func TestParsePIDRange(t *testing.T) {
	tests := []struct {
		input       string
		want        cli.PIDRange
		errContains string
	}{
		{input: "0xCF01-0xCFFE", want: cli.PIDRange{Min: 0xCF01, Max: 0xCFFE}},
		{input: " 10 - 20 ", want: cli.PIDRange{Min: 10, Max: 20}},
		{input: "7-7", want: cli.PIDRange{Min: 7, Max: 7}},
		{input: "0xCF01", errContains: "expected MIN-MAX"},
		{input: "20-10", errContains: "min above max"},
		{input: "1-0x10000", errContains: "invalid pid range"},
		{input: "a-b", errContains: "invalid pid range"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := cli.ParsePIDRange(tt.input)
			if tt.errContains != "" {
				require.ErrorContains(t, err, tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "0xcf01-0xcffe", cli.PIDRange{Min: 0xCF01, Max: 0xCFFE}.String())
}

func TestParseEvent(t *testing.T) {
	ev, err := cli.ParseEvent(" Failure-Reset ")
	require.NoError(t, err)
	assert.Equal(t, hip.EventFailureReset, ev.Value)

	_, err = cli.ParseEvent("reboot")
	require.Error(t, err)
}

func TestParseDirection(t *testing.T) {
	tests := []struct {
		input string
		want  cli.Direction
	}{
		{input: "", want: cli.Direction{}},
		{input: "any", want: cli.Direction{}},
		{input: "to-host", want: cli.Direction{Value: hip.DirectionToHost, Set: true}},
		{input: "rx", want: cli.Direction{Value: hip.DirectionToHost, Set: true}},
		{input: "FROM-HOST", want: cli.Direction{Value: hip.DirectionFromHost, Set: true}},
		{input: "tx", want: cli.Direction{Value: hip.DirectionFromHost, Set: true}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := cli.ParseDirection(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	_, err := cli.ParseDirection("sideways")
	require.Error(t, err)
}

func TestParseToggle(t *testing.T) {
	for _, in := range []string{"on", "TRUE", "1"} {
		got, err := cli.ParseToggle(in)
		require.NoError(t, err)
		assert.Equal(t, cli.Toggle{Value: true, Set: true}, got)
		assert.True(t, *got.Ptr())
	}
	got, err := cli.ParseToggle(" off ")
	require.NoError(t, err)
	assert.Equal(t, cli.Toggle{Set: true}, got)
	assert.False(t, *got.Ptr())

	assert.Nil(t, cli.Toggle{}.Ptr())
	_, err = cli.ParseToggle("maybe")
	require.Error(t, err)
}
