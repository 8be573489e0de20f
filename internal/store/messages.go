// ABOUTME: Persistence for aggregated messages and cached media files
// ABOUTME: aggregated_messages holds the raw decrypted kind 5/7/9 events plus the folded columns the aggregator maintains

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func rawOrNull(r json.RawMessage) sql.NullString {
	if len(r) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(r), Valid: true}
}

// UpsertAggregatedMessage inserts an aggregated event row or, when the
// (message_id, group) pair exists, refreshes the folded columns. The raw
// identity columns (author, kind, created_at) are immutable.
func (q *queries) UpsertAggregatedMessage(ctx context.Context, m AggregatedMessage) error {
	if len(m.Tags) == 0 {
		m.Tags = json.RawMessage("[]")
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO aggregated_messages (message_id, mls_group_id, author, kind, created_at_ms, content, tags, reply_to_id, deletion_event_id, content_tokens, reactions, media_attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id, mls_group_id) DO UPDATE SET
			content = excluded.content,
			reply_to_id = excluded.reply_to_id,
			deletion_event_id = excluded.deletion_event_id,
			content_tokens = excluded.content_tokens,
			reactions = excluded.reactions,
			media_attachments = excluded.media_attachments`,
		m.MessageID, m.MLSGroupID, m.Author, m.Kind, m.CreatedAtMs, m.Content, string(m.Tags),
		nullIfEmpty(m.ReplyToID), nullIfEmpty(m.DeletionEventID),
		rawOrNull(m.ContentTokens), rawOrNull(m.Reactions), rawOrNull(m.MediaAttachments))
	if err != nil {
		return fmt.Errorf("upserting aggregated message: %w", err)
	}
	return nil
}

func scanAggregated(rows *sql.Rows) (*AggregatedMessage, error) {
	var m AggregatedMessage
	var tags string
	var replyTo, deletion, tokens, reactions, media sql.NullString
	if err := rows.Scan(&m.MessageID, &m.MLSGroupID, &m.Author, &m.Kind, &m.CreatedAtMs,
		&m.Content, &tags, &replyTo, &deletion, &tokens, &reactions, &media); err != nil {
		return nil, err
	}
	m.Tags = json.RawMessage(tags)
	m.ReplyToID = replyTo.String
	m.DeletionEventID = deletion.String
	if tokens.Valid {
		m.ContentTokens = json.RawMessage(tokens.String)
	}
	if reactions.Valid {
		m.Reactions = json.RawMessage(reactions.String)
	}
	if media.Valid {
		m.MediaAttachments = json.RawMessage(media.String)
	}
	return &m, nil
}

const aggregatedColumns = `message_id, mls_group_id, author, kind, created_at_ms, content, tags, reply_to_id, deletion_event_id, content_tokens, reactions, media_attachments`

// GetAggregatedMessage returns one aggregated event row, or ErrNotFound.
func (q *queries) GetAggregatedMessage(ctx context.Context, mlsGroupID, messageID string) (*AggregatedMessage, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+aggregatedColumns+` FROM aggregated_messages WHERE mls_group_id = ? AND message_id = ?`,
		mlsGroupID, messageID)
	if err != nil {
		return nil, fmt.Errorf("getting aggregated message: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanAggregated(rows)
}

// ListGroupEvents returns every aggregated event row for a group (all
// kinds), ordered by (created_at, message_id). The aggregator folds these.
func (q *queries) ListGroupEvents(ctx context.Context, mlsGroupID string) ([]*AggregatedMessage, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+aggregatedColumns+` FROM aggregated_messages WHERE mls_group_id = ? ORDER BY created_at_ms, message_id`,
		mlsGroupID)
	if err != nil {
		return nil, fmt.Errorf("listing group events: %w", err)
	}
	defer rows.Close()

	var out []*AggregatedMessage
	for rows.Next() {
		m, err := scanAggregated(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListGroupMessages returns kind-9 rows for a group ordered by
// (created_at, message_id), optionally bounded by afterMs and limit.
func (q *queries) ListGroupMessages(ctx context.Context, mlsGroupID string, afterMs int64, limit int) ([]*AggregatedMessage, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+aggregatedColumns+` FROM aggregated_messages
		WHERE mls_group_id = ? AND kind = 9 AND created_at_ms > ?
		ORDER BY created_at_ms, message_id LIMIT ?`,
		mlsGroupID, afterMs, limit)
	if err != nil {
		return nil, fmt.Errorf("listing group messages: %w", err)
	}
	defer rows.Close()

	var out []*AggregatedMessage
	for rows.Next() {
		m, err := scanAggregated(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMediaFile records a cached media blob. Re-caching the same
// (group, encrypted hash, account) refreshes the access time and path.
func (q *queries) UpsertMediaFile(ctx context.Context, f MediaFile) error {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := time.Now().UnixMilli()
	if f.CreatedAtMs == 0 {
		f.CreatedAtMs = now
	}
	if f.AccessedAtMs == 0 {
		f.AccessedAtMs = now
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO media_files (id, mls_group_id, account_pubkey, file_path, encrypted_file_hash, original_file_hash, mime_type, media_type, blossom_url, nostr_key, dimensions, blurhash, created_at_ms, accessed_at_ms, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mls_group_id, encrypted_file_hash, account_pubkey) DO UPDATE SET
			file_path = excluded.file_path, accessed_at_ms = excluded.accessed_at_ms, blossom_url = excluded.blossom_url`,
		f.ID, f.MLSGroupID, f.AccountPubkey, f.FilePath, f.EncryptedFileHash, f.OriginalFileHash,
		f.MimeType, f.MediaType, nullIfEmpty(f.BlossomURL), nullIfEmpty(f.NostrKey),
		nullIfEmpty(f.Dimensions), nullIfEmpty(f.Blurhash), f.CreatedAtMs, f.AccessedAtMs, f.SizeBytes)
	if err != nil {
		return fmt.Errorf("upserting media file: %w", err)
	}
	return nil
}

func scanMediaFile(rows *sql.Rows) (*MediaFile, error) {
	var f MediaFile
	var blossom, nostrKey, dims, blurhash sql.NullString
	if err := rows.Scan(&f.ID, &f.MLSGroupID, &f.AccountPubkey, &f.FilePath, &f.EncryptedFileHash,
		&f.OriginalFileHash, &f.MimeType, &f.MediaType, &blossom, &nostrKey, &dims, &blurhash,
		&f.CreatedAtMs, &f.AccessedAtMs, &f.SizeBytes); err != nil {
		return nil, err
	}
	f.BlossomURL = blossom.String
	f.NostrKey = nostrKey.String
	f.Dimensions = dims.String
	f.Blurhash = blurhash.String
	return &f, nil
}

const mediaColumns = `id, mls_group_id, account_pubkey, file_path, encrypted_file_hash, original_file_hash, mime_type, media_type, blossom_url, nostr_key, dimensions, blurhash, created_at_ms, accessed_at_ms, size_bytes`

// GetMediaFile looks up a cached blob by (group, encrypted hash, account).
func (q *queries) GetMediaFile(ctx context.Context, mlsGroupID, encryptedHash, account string) (*MediaFile, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media_files WHERE mls_group_id = ? AND encrypted_file_hash = ? AND account_pubkey = ?`,
		mlsGroupID, encryptedHash, account)
	if err != nil {
		return nil, fmt.Errorf("getting media file: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanMediaFile(rows)
}

// TouchMediaFile refreshes accessed_at for LRU bookkeeping.
func (q *queries) TouchMediaFile(ctx context.Context, id string, accessedAtMs int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE media_files SET accessed_at_ms = ? WHERE id = ?`, accessedAtMs, id)
	if err != nil {
		return fmt.Errorf("touching media file: %w", err)
	}
	return nil
}

// MediaCacheStats returns the number of cached blobs and their total size.
func (q *queries) MediaCacheStats(ctx context.Context) (count int64, bytes int64, err error) {
	err = q.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM media_files`).Scan(&count, &bytes)
	if err != nil {
		return 0, 0, fmt.Errorf("reading media cache stats: %w", err)
	}
	return count, bytes, nil
}

// OldestMediaFiles returns cached blobs ordered by least recent access,
// limited to n. Used by LRU eviction.
func (q *queries) OldestMediaFiles(ctx context.Context, n int) ([]*MediaFile, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+mediaColumns+` FROM media_files ORDER BY accessed_at_ms LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("listing oldest media files: %w", err)
	}
	defer rows.Close()

	var out []*MediaFile
	for rows.Next() {
		f, err := scanMediaFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteMediaFile removes a cached blob row.
func (q *queries) DeleteMediaFile(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM media_files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting media file: %w", err)
	}
	return nil
}
