package pipeline

import (
	"errors"
	"fmt"
	"mime"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// Decoder turns a byte stream that arrives in arbitrary chunks into text. Bytes that end in the middle
// of a multi-byte character are kept until the next chunk completes them, so chunk boundaries never
// show up in the decoded text.
type Decoder struct {
	t       transform.Transformer
	pending []byte
	dst     []byte
}

// ErrIncompleteCharacter is returned when the stream ends inside a multi-byte character.
var ErrIncompleteCharacter = errors.New("stream ended inside a multi-byte character")

const minDecodeBuffer = 256

// NewDecoder returns a Decoder for a response with the given Content-Type header. Without a charset
// parameter the body is treated as UTF-8, and malformed UTF-8 is a decode error.
func NewDecoder(contentType string) (*Decoder, error) {
	charset := ""
	if contentType != "" {
		_, params, err := mime.ParseMediaType(contentType)
		if err == nil {
			charset = strings.TrimSpace(params["charset"])
		}
	}

	if charset == "" {
		return &Decoder{t: encoding.UTF8Validator}, nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	if name, _ := htmlindex.Name(enc); name == "utf-8" {
		return &Decoder{t: encoding.UTF8Validator}, nil
	}
	return &Decoder{t: enc.NewDecoder()}, nil
}

// Decode returns the text decoded from p together with whatever was left over from previous calls.
// final must be true on the last call; it reports ErrIncompleteCharacter if the stream stopped in the
// middle of a character.
func (d *Decoder) Decode(p []byte, final bool) (string, error) {
	text, err := d.decode(p)
	if err != nil || !final {
		return text, err
	}
	if len(d.pending) > 0 {
		return text, ErrIncompleteCharacter
	}
	return text, nil
}

func (d *Decoder) decode(p []byte) (string, error) {
	d.pending = append(d.pending, p...)
	src := d.pending

	if cap(d.dst) < minDecodeBuffer {
		d.dst = make([]byte, minDecodeBuffer)
	}
	dst := d.dst[:cap(d.dst)]

	var sb strings.Builder
	for {
		nDst, nSrc, err := d.t.Transform(dst, src, false)
		sb.Write(dst[:nDst])
		src = src[nSrc:]

		switch {
		case err == nil:
			d.pending = d.pending[:0]
			return sb.String(), nil
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				d.dst = make([]byte, 2*len(dst))
				dst = d.dst
			}
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append(d.pending[:0], src...)
			return sb.String(), nil
		default:
			return sb.String(), err
		}
	}
}
