// Package walreader implements WalReader: the forward-only decoder that
// turns one WAL file's bytes back into a sequence of record.Entry values,
// per spec section 4.2.
package walreader

import (
	"bufio"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/iotdb/walnode/internal/diskmanager"
	"github.com/iotdb/walnode/internal/record"
)

// offsetReader adapts a diskmanager.FileHandle's ReadAt into a sequential
// io.Reader, since record.ReadFrom wants a *bufio.Reader.
type offsetReader struct {
	fh     diskmanager.FileHandle
	offset int64
}

func (r *offsetReader) Read(b []byte) (int, error) {
	n, err := r.fh.ReadAt(b, r.offset)
	r.offset += int64(n)
	return n, err
}

// Reader decodes entries from one WAL file in write order.
type Reader struct {
	src *bufio.Reader
}

// Open wraps fh for sequential decoding from its start.
func Open(fh diskmanager.FileHandle) *Reader {
	return &Reader{src: bufio.NewReader(&offsetReader{fh: fh})}
}

// Next returns the next entry, io.EOF at a clean end of file, or a wrapped
// record.ErrCorrupt if the file is truncated or fails its CRC. Per spec
// section 4.2, corruption mid-file terminates iteration but does not
// invalidate entries already returned.
func (r *Reader) Next() (record.Entry, error) {
	return record.ReadFrom(r.src)
}

// ReadAll decodes every entry in fh up to the first EOF or the first
// corruption, logging the corruption and returning what was successfully
// read, per spec section 4.2 and 7 ("read-path errors ... are logged and
// skipped").
func ReadAll(fh diskmanager.FileHandle, logger log.Logger) ([]record.Entry, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := Open(fh)
	var entries []record.Entry
	for {
		e, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return entries, nil
			}
			level.Warn(logger).Log("msg", "wal file corrupt, stopping replay", "err", err)
			return entries, err
		}
		entries = append(entries, e)
	}
}
