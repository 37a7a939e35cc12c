package journal

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

const exportBatchSize = 1000

type parquetRow struct {
	Sequence   int64  `parquet:"name=sequence, type=INT64"`
	ID         string `parquet:"name=id, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Type       string `parquet:"name=type, type=UTF8, encoding=PLAIN_DICTIONARY"`
	JobID      int64  `parquet:"name=job_id, type=INT64"`
	Digest     string `parquet:"name=digest, type=UTF8, encoding=PLAIN_DICTIONARY"`
	Attributes string `parquet:"name=attributes, type=UTF8, encoding=PLAIN_DICTIONARY"`
	CreatedAt  string `parquet:"name=created_at, type=UTF8, encoding=PLAIN_DICTIONARY"`
}

// ExportParquet writes every event created at or after since to a Parquet
// file at path and returns the number of rows written.
func (j *Journal) ExportParquet(ctx context.Context, path string, since time.Time) (int, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	written := 0
	var after uint64
	for {
		var rows []JournalEvent
		err := j.db.WithContext(ctx).
			Where("sequence > ? AND created_at >= ?", after, since.UTC()).
			Order("sequence ASC").
			Limit(exportBatchSize).
			Find(&rows).Error
		if err != nil {
			pw.WriteStop()
			file.Close()
			return written, fmt.Errorf("journal: load export batch: %w", err)
		}
		for _, row := range rows {
			pr := &parquetRow{
				Sequence:   int64(row.Sequence),
				ID:         row.ID.String(),
				Type:       row.Type,
				JobID:      int64(row.JobID),
				Digest:     row.Digest,
				Attributes: row.Attributes,
				CreatedAt:  row.CreatedAt.UTC().Format(time.RFC3339Nano),
			}
			if err := pw.Write(pr); err != nil {
				pw.WriteStop()
				file.Close()
				return written, fmt.Errorf("journal: parquet write: %w", err)
			}
			written++
			after = row.Sequence
		}
		if len(rows) < exportBatchSize {
			break
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return written, fmt.Errorf("journal: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return written, fmt.Errorf("journal: close parquet file: %w", err)
	}
	return written, nil
}
