package logging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encodeEntry(t *testing.T, fields ...zap.Field) string {
	t.Helper()
	enc := NewRedactingEncoder(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), defaultRedactedFields)
	buf, err := enc.EncodeEntry(zapcore.Entry{
		Level:   zapcore.InfoLevel,
		Time:    time.Now(),
		Message: "test",
	}, fields)
	require.NoError(t, err)
	return buf.String()
}

func TestRedactsSensitiveFieldNames(t *testing.T) {
	out := encodeEntry(t,
		zap.String("key", "super-secret-bytes"),
		zap.String("plaintext", "the user prefers dark mode"),
		zap.String("user_id", "alice"),
	)
	assert.NotContains(t, out, "super-secret-bytes")
	assert.NotContains(t, out, "dark mode")
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "alice")
}

func TestRedactionIsCaseInsensitive(t *testing.T) {
	out := encodeEntry(t, zap.String("Master_Key", "deadbeef"))
	assert.NotContains(t, out, "deadbeef")
}

func TestRedactsBinaryFields(t *testing.T) {
	out := encodeEntry(t, zap.Binary("key_bytes", []byte{0x01, 0x02, 0x03}))
	assert.Contains(t, out, "[REDACTED]")
}

func TestRedactedString(t *testing.T) {
	out := encodeEntry(t, RedactedString("note", "five5"))
	assert.Contains(t, out, "[REDACTED:5]")
	assert.NotContains(t, out, "five5")
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := New("debug", format)
		require.NoError(t, err)
		require.NotNil(t, logger)
	}

	_, err := New("loud", "json")
	require.Error(t, err)
}
