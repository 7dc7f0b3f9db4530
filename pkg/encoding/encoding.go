// Package encoding detects and decodes the character encodings used by
// bank flat files. Detection is purely trial-decode against a fixed
// candidate list; no statistical heuristics.
package encoding

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"

	"github.com/boa-dtp/transformat/internal/logger"
	"github.com/boa-dtp/transformat/pkg/errcode"
)

// Candidate encodings, tried in order. GBK stays in the detection list
// even though file-record validation only accepts utf-8 and big5: a gbk
// hit against a big5 record surfaces as a mismatch warning upstream while
// decoding still follows the declared encoding.
const (
	UTF8 = "utf-8"
	Big5 = "big5"
	GBK  = "gbk"
)

var candidates = []string{UTF8, Big5, GBK}

// Detect returns the first candidate encoding that decodes the entire
// buffer without error. The task id is only for logging.
func Detect(content []byte, taskID string) (string, error) {
	for _, name := range candidates {
		if decodable(content, name) {
			logger.Info("encoding detected",
				logger.KeyEncoding, name,
				logger.KeyTaskID, taskID)
			return name, nil
		}
	}
	logger.Error("encoding detection failed",
		logger.KeyTaskID, taskID)
	return "", errcode.New(errcode.EncodingDetectionFailed).WithTask(taskID)
}

// Verify fails with ENCODING_MIXED when the buffer cannot be decoded with
// the expected encoding.
func Verify(content []byte, expected, taskID string) error {
	if decodable(content, expected) {
		return nil
	}
	return errcode.New(errcode.EncodingMixed,
		"expected_encoding", expected).WithTask(taskID)
}

// Decode converts the buffer to a Go string using the named encoding.
// Returns ENCODING_MIXED when the content does not round-trip cleanly.
func Decode(content []byte, name, taskID string) (string, error) {
	switch normalize(name) {
	case UTF8:
		if !utf8.Valid(content) {
			return "", errcode.New(errcode.EncodingMixed,
				"expected_encoding", name).WithTask(taskID)
		}
		return string(content), nil
	case Big5:
		return decodeWith(content, name, taskID, traditionalchinese.Big5.NewDecoder().Bytes)
	case GBK:
		return decodeWith(content, name, taskID, simplifiedchinese.GBK.NewDecoder().Bytes)
	default:
		return "", errcode.New(errcode.EncodingMixed,
			"expected_encoding", name).WithTask(taskID)
	}
}

func decodeWith(content []byte, name, taskID string, decode func([]byte) ([]byte, error)) (string, error) {
	out, err := decode(content)
	// x/text decoders substitute U+FFFD for undecodable sequences rather
	// than returning an error; neither Big5 nor GBK can encode U+FFFD, so
	// its presence means the input did not decode cleanly.
	if err != nil || strings.ContainsRune(string(out), utf8.RuneError) {
		return "", errcode.New(errcode.EncodingMixed,
			"expected_encoding", name).WithTask(taskID)
	}
	return string(out), nil
}

// decodable reports whether the whole buffer decodes under the named
// encoding.
func decodable(content []byte, name string) bool {
	switch normalize(name) {
	case UTF8:
		return utf8.Valid(content)
	case Big5:
		out, err := traditionalchinese.Big5.NewDecoder().Bytes(content)
		return err == nil && !strings.ContainsRune(string(out), utf8.RuneError)
	case GBK:
		out, err := simplifiedchinese.GBK.NewDecoder().Bytes(content)
		return err == nil && !strings.ContainsRune(string(out), utf8.RuneError)
	default:
		return false
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
