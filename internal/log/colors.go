package log

import (
	"bytes"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// colorEncoder is a console encoder that lets the level colour escapes
// through instead of printing them JSON-escaped in field values.
type colorEncoder struct {
	zapcore.Encoder
}

func newColorEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return colorEncoder{Encoder: zapcore.NewConsoleEncoder(cfg)}
}

func (c colorEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	buf, err := c.Encoder.EncodeEntry(ent, fields)
	if err != nil {
		return nil, err
	}
	out := bytes.ReplaceAll(buf.Bytes(), []byte("\\u001b"), []byte("\u001b"))
	buf.Reset()
	_, _ = buf.Write(out)
	return buf, nil
}

func (c colorEncoder) Clone() zapcore.Encoder {
	return colorEncoder{Encoder: c.Encoder.Clone()}
}
