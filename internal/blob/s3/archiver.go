package s3blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// multipartThreshold is the segment size above which the multipart uploader
// takes over from single-shot PutObject.
const multipartThreshold int64 = 8 * 1024 * 1024

// Archiver uploads rotated journal segments to object storage. The local
// segment is deleted only after the upload has been verified by a read-back
// of the stored object's size.
type Archiver struct {
	writer *Writer
	reader *Reader
	logger *slog.Logger

	// prefix is the key prefix for archived segments, e.g. "journal".
	prefix string

	// deleteLocal removes the segment file after a verified upload.
	deleteLocal bool
}

// NewArchiver creates an Archiver over the given client.
func NewArchiver(c *Client, prefix string, deleteLocal bool, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:      NewWriter(c),
		reader:      NewReader(c),
		logger:      logger.With(slog.String("component", "archiver")),
		prefix:      prefix,
		deleteLocal: deleteLocal,
	}
}

// ArchiveSegment uploads one rotated segment and returns its object key.
func (a *Archiver) ArchiveSegment(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("s3blob: open segment: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("s3blob: stat segment: %w", err)
	}

	key := a.segmentKey(filepath.Base(path))
	if st.Size() > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, f, st.Size()/4)
	} else {
		err = a.writer.Put(ctx, key, f, "application/x-ndjson")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: upload segment %s: %w", key, err)
	}

	if err := a.verify(ctx, key, st.Size()); err != nil {
		return "", err
	}

	a.logger.InfoContext(ctx, "journal segment archived",
		slog.String("path", path),
		slog.String("key", key),
		slog.Int64("bytes", st.Size()))

	if a.deleteLocal {
		if err := os.Remove(path); err != nil {
			a.logger.WarnContext(ctx, "local segment removal failed",
				slog.String("path", path), slog.Any("error", err))
		}
	}
	return key, nil
}

// OnRotate is the journal rotation hook: it archives in the background with
// its own deadline, logging failures instead of surfacing them into the
// write path.
func (a *Archiver) OnRotate(path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := a.ArchiveSegment(ctx, path); err != nil {
		a.logger.Error("segment archival failed",
			slog.String("path", path), slog.Any("error", err))
	}
}

// verify reads the stored object back and compares sizes.
func (a *Archiver) verify(ctx context.Context, key string, want int64) error {
	body, err := a.reader.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("s3blob: verify %s: %w", key, err)
	}
	defer body.Close()

	got, err := io.Copy(io.Discard, body)
	if err != nil {
		return fmt.Errorf("s3blob: verify read %s: %w", key, err)
	}
	if got != want {
		return fmt.Errorf("s3blob: verify %s: stored %d bytes, expected %d", key, got, want)
	}
	return nil
}

// segmentKey partitions archived segments by year-month:
//
//	journal/2025-06/trades-2025-06-03.jsonl
func (a *Archiver) segmentKey(base string) string {
	month := time.Now().UTC().Format("2006-01")
	const pre = len("trades-")
	if len(base) >= pre+10 {
		// Derive the partition from the segment's own date when it parses.
		if t, err := time.Parse("2006-01-02", base[pre:pre+10]); err == nil {
			month = t.Format("2006-01")
		}
	}
	return fmt.Sprintf("%s/%s/%s", a.prefix, month, base)
}
