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

type parquetRow struct {
	Seq        int64  `parquet:"name=seq, type=INT64"`
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevHash   string `parquet:"name=prev_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash       string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes the entries created in [from, to) to path and returns
// the number of rows written.
func (j *Journal) ExportParquet(ctx context.Context, path string, from, to time.Time) (int, error) {
	entries, err := j.Range(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if err := WriteParquet(path, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// WriteParquet writes entries to a snappy-compressed parquet file.
func WriteParquet(path string, entries []Entry) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("journal: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("journal: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, e := range entries {
		row := &parquetRow{
			Seq:        int64(e.Seq),
			ID:         e.ID,
			Type:       e.Type,
			Attributes: e.Attributes,
			PrevHash:   e.PrevHash,
			Hash:       e.Hash,
			CreatedAt:  e.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("journal: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("journal: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("journal: close parquet file: %w", err)
	}
	return nil
}
