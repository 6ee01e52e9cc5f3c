package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FulgerX2007/grafana-pdf-reporter/pkg/model"
)

func TestRunValidateCron(t *testing.T) {
	now := time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer

	err := runValidateCron(&out, "0 9 * * 1-5", "Europe/London", 3, now)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "Europe/London")
	assert.Equal(t, "2025-10-16T09:00:00+01:00", strings.TrimSpace(lines[1]))
	assert.Equal(t, "2025-10-17T09:00:00+01:00", strings.TrimSpace(lines[2]))
	assert.Equal(t, "2025-10-20T09:00:00+01:00", strings.TrimSpace(lines[3]))
}

func TestRunValidateCronRejects(t *testing.T) {
	var out bytes.Buffer
	assert.ErrorIs(t, runValidateCron(&out, "not a cron", "", 1, time.Now()), model.ErrInvalidConfig)
	assert.ErrorIs(t, runValidateCron(&out, "0 9 * * *", "Mars/Olympus", 1, time.Now()), model.ErrInvalidConfig)
	assert.Empty(t, out.String())
}

func TestValidateCronCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate-cron", "@daily", "-n", "1"})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "@daily is valid (UTC)")
}
