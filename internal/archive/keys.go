package archive

import "fmt"

// ChunkID derives the content unit identity for a backup chunk. Indexes
// are zero-padded so lexical and numeric order agree.
func ChunkID(backupID string, index int) string {
	return fmt.Sprintf("%s-chunk-%05d", backupID, index)
}

// ChunkKey maps a chunk id to its storage key.
func ChunkKey(backupID, chunkID string) string {
	return fmt.Sprintf("backups/%s/chunks/%s", backupID, chunkID)
}
