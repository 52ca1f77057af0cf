// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerSetupBasic(t *testing.T) {
	cfg := Config{LogLevel: "INFO"}

	logger, err := Setup(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestLoggerSetupInvalidLogLevel(t *testing.T) {
	cfg := Config{}

	_, err := Setup(cfg, nil)
	require.ErrorContains(t, err, "Invalid log level")
}

func TestLoggerSetupLoggerErrorLevel(t *testing.T) {
	for _, level := range []string{"ERR", "ERROR"} {
		t.Run(level, func(t *testing.T) {
			var buf bytes.Buffer
			logger, err := Setup(Config{LogLevel: level}, &buf)
			require.NoError(t, err)

			logger.Error("test error msg")
			logger.Info("test info msg")

			output := buf.String()
			require.Contains(t, output, "[ERROR] test error msg")
			require.NotContains(t, output, "[INFO]  test info msg")
		})
	}
}

func TestLoggerSetupLoggerWithName(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup(Config{LogLevel: "DEBUG", Name: "keel"}, &buf)
	require.NoError(t, err)

	logger.Warn("test warn msg")
	require.Contains(t, buf.String(), "[WARN]  keel: test warn msg")
}

func TestLoggerSetupLoggerWithJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup(Config{LogLevel: "DEBUG", LogJSON: true, Name: "keel"}, &buf)
	require.NoError(t, err)

	logger.Warn("test warn msg")

	var jsonOutput map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &jsonOutput))
	require.Contains(t, jsonOutput, "@level")
	require.Equal(t, "warn", jsonOutput["@level"])
	require.Contains(t, jsonOutput, "@message")
	require.Equal(t, "test warn msg", jsonOutput["@message"])
}
