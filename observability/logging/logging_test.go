package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := Setup(Options{Service: "vaultd", Env: "test", Level: "debug", Output: &buf})
	defer closer.Close()

	logger.Debug("deposit applied", slog.String("asset", "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"))
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "deposit applied", line["message"])
	require.Equal(t, "DEBUG", line["severity"])
	require.Equal(t, "vaultd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Contains(t, line, "timestamp")

	buf.Reset()
	log.Print("bridged")
	require.Contains(t, buf.String(), `"message":"bridged"`)
}

func TestSetupRotatesIntoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultd.log")
	var buf bytes.Buffer
	logger, closer := Setup(Options{Service: "vaultd", Output: &buf, File: &FileSink{Path: path, MaxSizeMB: 1}})
	logger.Info("written to both sinks")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "written to both sinks")
	require.Contains(t, buf.String(), "written to both sinks")
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelWarn, ParseLevel(" WARNING "))
	require.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMasking(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("passphrase", "hunter2").Value.String())
	require.Equal(t, "0xabc", MaskField("holder", "0xabc").Value.String())
	require.Equal(t, "", MaskField("secret", "").Value.String())
	require.Equal(t, "http...abcd", MaskSecret("https://rpc.example/v3/abcd"))
	require.Equal(t, RedactedValue, MaskSecret("short"))
	require.Contains(t, RedactionAllowlist(), "asset")
}
