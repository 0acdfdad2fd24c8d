package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-hip/logging"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    logging.Level
		wantErr bool
	}{
		{input: "dbg4", want: logging.LevelDbg4},
		{input: "dbg3", want: logging.LevelDbg3},
		{input: "dbg2", want: logging.LevelDbg2},
		{input: "dbg1", want: logging.LevelDbg1},
		{input: "debug", want: logging.LevelDbg1},
		{input: "info", want: logging.LevelInfo},
		{input: "warning", want: logging.LevelWarn},
		{input: " ERROR ", want: logging.LevelError},
		{input: "trace", wantErr: true},
		{input: "dbg5", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := logging.ParseLevel(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, slog.LevelDebug, logging.LevelDbg1.ToSlog())
	assert.Equal(t, "dbg3", logging.LevelDbg3.String())
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantBase   logging.Level
		wantComps  map[string]logging.Level
		errContain string
	}{
		{name: "empty defaults to info", input: "", wantBase: logging.LevelInfo},
		{name: "base only", input: "dbg1", wantBase: logging.LevelDbg1},
		{
			name:      "overrides",
			input:     " warn , dispatcher = dbg1 ,sap/mlme=dbg4 ",
			wantBase:  logging.LevelWarn,
			wantComps: map[string]logging.Level{"dispatcher": logging.LevelDbg1, "sap/mlme": logging.LevelDbg4},
		},
		{
			name:      "component only",
			input:     "registry=dbg2",
			wantBase:  logging.LevelInfo,
			wantComps: map[string]logging.Level{"registry": logging.LevelDbg2},
		},
		{
			name:      "empty parts skipped",
			input:     "info,,udi=error,",
			wantBase:  logging.LevelInfo,
			wantComps: map[string]logging.Level{"udi": logging.LevelError},
		},
		{name: "bad base", input: "loud", errContain: "unknown log level"},
		{name: "bad component level", input: "info,udi=loud", errContain: "component udi"},
		{name: "base not first", input: "udi=dbg1,info", errContain: "must come first"},
		{name: "unknown component", input: "info,manager=dbg1", errContain: "unknown log component"},
		{name: "empty component", input: "info,=dbg1", errContain: "unknown log component"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := logging.ParseSpec(tt.input)
			if tt.errContain != "" {
				require.ErrorContains(t, err, tt.errContain)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBase, spec.BaseLevel)
			if tt.wantComps == nil {
				assert.Empty(t, spec.Components)
			} else {
				assert.Equal(t, tt.wantComps, spec.Components)
			}
		})
	}
}

func TestSpecFamilies(t *testing.T) {
	spec, err := logging.ParseSpec("warn,sap=dbg1,sap/mlme=dbg4,store=error")
	require.NoError(t, err)

	tests := []struct {
		component string
		want      logging.Level
	}{
		{component: "", want: logging.LevelWarn},
		{component: "dispatcher", want: logging.LevelWarn},
		{component: "sap", want: logging.LevelDbg1},
		{component: "sap/ma", want: logging.LevelDbg1},
		{component: "sap/mlme", want: logging.LevelDbg4},
		{component: "store/sqlite", want: logging.LevelError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, spec.LevelFor(tt.component), tt.component)
	}

	assert.Equal(t, logging.LevelDbg4, spec.Lowest())
	assert.Equal(t, "warn,sap=dbg1,sap/mlme=dbg4,store=error", spec.String())

	again, err := logging.ParseSpec(spec.String())
	require.NoError(t, err)
	assert.Equal(t, spec, again)
}

func TestComponentFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		CLISpec: "warn,dispatcher=dbg1,sap=dbg2,store/sqlite=dbg4",
		Output:  &buf,
	})
	require.NoError(t, err)

	check := func(l *slog.Logger, level logging.Level, want bool) {
		t.Helper()
		buf.Reset()
		l.Log(context.Background(), level.ToSlog(), "record")
		if want {
			assert.Contains(t, buf.String(), "record")
		} else {
			assert.Empty(t, buf.String())
		}
	}

	check(logger, logging.LevelInfo, false)
	check(logger, logging.LevelWarn, true)

	disp := logger.With("component", "dispatcher")
	check(disp, logging.LevelDbg1, true)
	check(disp, logging.LevelDbg2, false)
	check(disp.WithGroup("rx"), logging.LevelDbg1, true)

	mlme := logger.With("component", "sap/mlme", "vif", 1)
	check(mlme, logging.LevelDbg2, true)
	check(mlme, logging.LevelDbg3, false)

	// The innermost component wins.
	sqlite := logger.With("component", "store").With("component", "store/sqlite")
	check(sqlite, logging.LevelDbg4, true)

	check(logger.With("component", "udi"), logging.LevelInfo, false)
}

func TestDebugClassesPrintByName(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{CLISpec: "dbg4", Output: &buf})
	require.NoError(t, err)

	logger.Log(context.Background(), logging.LevelDbg3.ToSlog(), "signal")
	assert.Contains(t, buf.String(), "level=DBG3")

	buf.Reset()
	logger.Warn("signal")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestNewPrecedence(t *testing.T) {
	tests := []struct {
		name      string
		opts      logging.Options
		wantLevel logging.Level
	}{
		{name: "cli over config", opts: logging.Options{CLISpec: "error", ConfigSpec: "info"}, wantLevel: logging.LevelError},
		{name: "config", opts: logging.Options{ConfigSpec: "warn"}, wantLevel: logging.LevelWarn},
		{name: "default is info", opts: logging.Options{}, wantLevel: logging.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.opts.Output = &buf
			logger, err := logging.New(tt.opts)
			require.NoError(t, err)

			logger.Log(context.Background(), tt.wantLevel.ToSlog(), "at level")
			assert.Contains(t, buf.String(), "at level")

			buf.Reset()
			logger.Log(context.Background(), (tt.wantLevel - 4).ToSlog(), "below level")
			assert.Empty(t, buf.String())
		})
	}
}

func TestNewInvalidSpec(t *testing.T) {
	_, err := logging.New(logging.Options{CLISpec: "loud"})
	require.ErrorContains(t, err, "invalid log spec")
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]logging.Format{"": logging.FormatText, "TEXT": logging.FormatText, "json": logging.FormatJSON} {
		got, err := logging.ParseFormat(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := logging.ParseFormat("yaml")
	require.Error(t, err)
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: logging.FormatJSON, Output: &buf})
	require.NoError(t, err)

	logger.Info("signal", "id", "0x1001")
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"msg":"signal"`)
	assert.Contains(t, out, `"level":"INFO"`)
	assert.Contains(t, out, `"id":"0x1001"`)
}
