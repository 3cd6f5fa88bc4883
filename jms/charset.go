package jms

import (
	"fmt"

	"golang.org/x/text/encoding/htmlindex"
)

// decodeBody transcodes a byte body in charset to UTF-8. It returns the
// encoding name to record on the message.
func decodeBody(b []byte, charset string) ([]byte, string, error) {
	if charset == "" {
		return b, "", nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedCharset, charset)
	}
	name, _ := htmlindex.Name(enc)
	if name == "utf-8" {
		return b, "UTF-8", nil
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return nil, "", fmt.Errorf("jms: decode %s body: %w", charset, err)
	}
	return out, "UTF-8", nil
}
