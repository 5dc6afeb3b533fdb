package renosync

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
)

// ExtractText pulls the plain text out of a PDF document. Corrupt or
// password-protected input yields an ExtractionError; the pdf package panics
// on some malformed inputs, so the whole call is recovered.
func ExtractText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ExtractionError{Cause: fmt.Errorf("malformed pdf: %v", r)}
		}
	}()

	if len(data) == 0 {
		return "", &ExtractionError{Cause: errors.New("empty document")}
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", &ExtractionError{Cause: err}
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", &ExtractionError{Cause: err}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", &ExtractionError{Cause: err}
	}
	return buf.String(), nil
}
