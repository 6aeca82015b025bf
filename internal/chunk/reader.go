package chunk

import (
	"bufio"
	"io"
	"os"
	"unicode/utf8"
)

// sniffSize is how many leading bytes the binary/text classifier
// inspects.
const sniffSize = 512

// streamThreshold is the size that counts as a large file. ReadFileContent
// does not switch strategy at it: every accepted file, large or small, is
// read through the same buffered reader into memory in full.
const streamThreshold = 64 * 1024

// ReadFileContent reads absolutePath as text:
// a peek at the first sniffSize bytes classifies the file as text or
// binary; binary files are reported via ok=false rather than an error,
// since they are an expected, silently-skipped condition. Files larger
// than maxFileSizeBytes (0 = no cap) are also reported via ok=false.
func ReadFileContent(absolutePath string, maxFileSizeBytes int64) (content string, ok bool, err error) {
	f, err := os.Open(absolutePath)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", false, err
	}
	if maxFileSizeBytes > 0 && info.Size() > maxFileSizeBytes {
		return "", false, nil
	}

	reader := bufio.NewReader(f)
	peek, _ := reader.Peek(sniffSize)
	if !looksLikeText(peek) {
		return "", false, nil
	}

	// Above streamThreshold the bufio.Reader above already avoids a
	// single huge allocation on the initial peek; io.ReadAll still
	// drains it in one pass either way, since the chunker needs the
	// full content to compute split points.
	_ = streamThreshold
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", false, err
	}

	return utf8SubstituteInvalid(data), true, nil
}

// looksLikeText classifies the sample as text when no null byte is
// present AND
// at least 70% of the sampled bytes are printable ASCII or common
// whitespace.
func looksLikeText(sample []byte) bool {
	if len(sample) == 0 {
		return true
	}
	var printable int
	for _, b := range sample {
		if b == 0 {
			return false
		}
		if isPrintableOrWhitespace(b) {
			printable++
		}
	}
	return float64(printable)/float64(len(sample)) >= 0.70
}

func isPrintableOrWhitespace(b byte) bool {
	if b >= 0x20 && b < 0x7F {
		return true
	}
	switch b {
	case '\n', '\r', '\t', '\f', '\v':
		return true
	}
	return false
}

// utf8SubstituteInvalid replaces invalid UTF-8 byte sequences with the
// Unicode replacement character.
func utf8SubstituteInvalid(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	var b []byte
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			b = append(b, []byte(string(utf8.RuneError))...)
			data = data[1:]
			continue
		}
		b = append(b, data[:size]...)
		data = data[size:]
	}
	return string(b)
}
