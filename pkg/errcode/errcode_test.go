package errcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogueIsClosed(t *testing.T) {
	codes := Codes()
	require.Len(t, codes, 16, "catalogue must stay the closed set of 6 system + 10 processing codes")

	system := 0
	processing := 0
	for _, c := range codes {
		switch c.Category() {
		case CategorySystem:
			system++
		case CategoryProcessing:
			processing++
		}
	}
	assert.Equal(t, 6, system)
	assert.Equal(t, 10, processing)
}

func TestCategories(t *testing.T) {
	tests := []struct {
		code      Code
		category  Category
		retryable bool
	}{
		{SFTPAuthFailed, CategorySystem, true},
		{SFTPNetworkError, CategorySystem, true},
		{DBConnectionFailed, CategorySystem, true},
		{DBPoolExhausted, CategorySystem, true},
		{AdvisoryLockFailed, CategorySystem, false},
		{DownstreamConnectionFailed, CategorySystem, true},
		{FileNotFound, CategoryProcessing, false},
		{ParseDelimiterFailed, CategoryProcessing, false},
		{ParquetDiskSpaceInsufficient, CategoryProcessing, false},
		{TaskStateInconsistent, CategoryProcessing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.category, tt.code.Category())
			assert.Equal(t, tt.retryable, tt.code.Retryable())
		})
	}
}

func TestRenderedMessage(t *testing.T) {
	err := New(FileNotFound, "file_path", "/upload/input/customer.txt")
	assert.Equal(t, "file not found: /upload/input/customer.txt", err.Error())
	assert.Equal(t, "FILE_NOT_FOUND: file not found: /upload/input/customer.txt", err.Label())
}

func TestRenderLeavesUnknownPlaceholders(t *testing.T) {
	err := New(FileReadFailed, "file_path", "/tmp/x")
	// reason is not supplied; the placeholder must stay visible.
	assert.Contains(t, err.Error(), "{reason}")
	assert.Contains(t, err.Error(), "/tmp/x")
}

func TestStructuredFieldsSurvive(t *testing.T) {
	err := New(ParseDelimiterFailed, "line_number", 17, "delimiter", "||").WithTask("transformat_202512060001")

	assert.Equal(t, 17, err.Fields["line_number"])
	assert.Equal(t, "||", err.Fields["delimiter"])

	fields := err.LogFields()
	assert.Contains(t, fields, "error_code")
	assert.Contains(t, fields, "PARSE_DELIMITER_FAILED")
	assert.Contains(t, fields, "task_id")
	assert.Contains(t, fields, "transformat_202512060001")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(cause, DBConnectionFailed, "details", cause.Error())

	assert.ErrorIs(t, err, cause)
	assert.True(t, IsSystem(err))
	assert.False(t, IsProcessing(err))

	// details stays a structured field, never template-interpolated
	assert.NotContains(t, err.Error(), "connection refused")
	assert.Equal(t, cause.Error(), err.Fields["details"])
}

func TestCodeOfThroughWrapping(t *testing.T) {
	inner := New(EncodingMixed, "expected_encoding", "big5")
	wrapped := fmt.Errorf("processing file: %w", inner)

	code, ok := CodeOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, EncodingMixed, code)

	_, ok = CodeOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsMatchesByCode(t *testing.T) {
	err := New(FileNotFound, "file_path", "a.txt")
	assert.True(t, errors.Is(err, New(FileNotFound)))
	assert.False(t, errors.Is(err, New(FileReadFailed)))
}
