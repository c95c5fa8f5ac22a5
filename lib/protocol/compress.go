package protocol

import (
	"bytes"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
	"github.com/samber/oops"
)

// minCompressSize is the smallest payload worth compressing.
const minCompressSize = 64

var compressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewWriter(nil)
	},
}

var decompressorPool = sync.Pool{
	New: func() interface{} {
		return lz4.NewReader(nil)
	},
}

// compress returns the LZ4 frame for data, or ok=false when compression does
// not shrink it.
func compress(data []byte) ([]byte, bool) {
	return compressWith(data, lz4.CompressionLevelOption(lz4.Fast))
}

// compressWith is compress with explicit writer options. An option the
// writer refuses leaves the payload uncompressed.
func compressWith(data []byte, opts ...lz4.Option) ([]byte, bool) {
	if len(data) < minCompressSize {
		return nil, false
	}
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)
	w.Reset(&buf)
	if err := w.Apply(opts...); err != nil {
		log.WithField("at", "protocol.compress").WithError(oops.Wrapf(err, "lz4 options")).Debug("sending uncompressed")
		return nil, false
	}
	if _, err := w.Write(data); err != nil {
		return nil, false
	}
	if err := w.Close(); err != nil {
		return nil, false
	}
	if buf.Len() >= len(data) {
		return nil, false
	}
	return buf.Bytes(), true
}

// decompress inflates an LZ4 frame, refusing output larger than limit.
func decompress(data []byte, limit int) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)
	r.Reset(bytes.NewReader(data))

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(limit)+1))
	if err != nil || n > int64(limit) {
		return nil, ErrDecompression
	}
	return buf.Bytes(), nil
}
