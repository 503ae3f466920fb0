package metadata

import (
	"context"
	"fmt"
)

// ImportFile copies every attachment from the metadata file at path into
// db. It returns the number of attachments written.
func ImportFile(ctx context.Context, db *SQLiteStore, path string) (int, error) {
	src, err := LoadFile(path)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range src.IDs() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if err := db.Put(ctx, id, src.Attachment(id)); err != nil {
			return n, fmt.Errorf("importing %s: %w", path, err)
		}
		n++
	}
	return n, nil
}
