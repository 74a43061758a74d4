package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"hyprflux/internal/catalog"
	"hyprflux/internal/media"
)

var ErrNotFound = errors.New("not found")

var mediaColumns = []string{"m.kind", "m.timestamp", "m.prompt", "m.revised_prompt", "m.video_url", "m.settings_json"}

// SaveMedia stores rec at the head (prepend) or the tail of the owner's
// history. Settings are sanitized first; image payloads go to the blob
// table. Saving an existing timestamp replaces that record.
func (s *Store) SaveMedia(ctx context.Context, owner string, rec media.Record, prepend bool) error {
	if rec.Timestamp == "" {
		return fmt.Errorf("save media: empty timestamp")
	}
	settingsJSON, err := json.Marshal(media.SanitizeSettings(rec.Settings))
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save media: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pos, err := s.nextPosition(ctx, tx, owner, prepend)
	if err != nil {
		return err
	}

	q := s.sql.Insert("media").
		Columns("owner", "timestamp", "kind", "prompt", "revised_prompt", "video_url", "settings_json", "position").
		Values(owner, rec.Timestamp, string(rec.Kind), rec.Prompt, rec.RevisedPrompt, rec.VideoURL, string(settingsJSON), pos).
		Suffix("ON CONFLICT(owner, timestamp) DO UPDATE SET kind=excluded.kind, prompt=excluded.prompt, revised_prompt=excluded.revised_prompt, video_url=excluded.video_url, settings_json=excluded.settings_json, position=excluded.position")
	if err := s.exec(ctx, tx, q, "save media"); err != nil {
		return err
	}

	if rec.Kind == catalog.KindImage {
		b := s.sql.Insert("image_blobs").
			Columns("owner", "timestamp", "image_data").
			Values(owner, rec.Timestamp, rec.ImageData).
			Suffix("ON CONFLICT(owner, timestamp) DO UPDATE SET image_data=excluded.image_data")
		if err := s.exec(ctx, tx, b, "save image blob"); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save media: %w", err)
	}
	return nil
}

func (s *Store) nextPosition(ctx context.Context, tx *sql.Tx, owner string, prepend bool) (int64, error) {
	agg, step := "MAX(position)", int64(1)
	if prepend {
		agg, step = "MIN(position)", -1
	}
	query, args, err := s.sql.Select(agg).From("media").Where(sq.Eq{"owner": owner}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build position query: %w", err)
	}
	var cur sql.NullInt64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&cur); err != nil {
		return 0, fmt.Errorf("read position: %w", err)
	}
	if !cur.Valid {
		return 0, nil
	}
	return cur.Int64 + step, nil
}

// LoadMedia returns the owner's full history in display order. Image records
// whose blob is missing are left out.
func (s *Store) LoadMedia(ctx context.Context, owner string) ([]media.Record, error) {
	q := s.sql.Select(append(mediaColumns, "b.image_data")...).
		From("media m").
		LeftJoin("image_blobs b ON b.owner = m.owner AND b.timestamp = m.timestamp").
		Where(sq.Eq{"m.owner": owner}).
		OrderBy("m.position ASC")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build load media query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load media: %w", err)
	}
	defer rows.Close()

	out := make([]media.Record, 0)
	for rows.Next() {
		var (
			rec          media.Record
			kind         string
			settingsJSON string
			imageData    sql.NullString
		)
		if err := rows.Scan(&kind, &rec.Timestamp, &rec.Prompt, &rec.RevisedPrompt, &rec.VideoURL, &settingsJSON, &imageData); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		rec.Kind = catalog.Kind(kind)
		if rec.Kind == catalog.KindImage {
			if !imageData.Valid {
				continue
			}
			rec.ImageData = imageData.String
		}
		if err := json.Unmarshal([]byte(settingsJSON), &rec.Settings); err != nil {
			return nil, fmt.Errorf("decode settings of %s: %w", rec.Timestamp, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media: %w", err)
	}
	return out, nil
}

// GetMedia loads one record by timestamp.
func (s *Store) GetMedia(ctx context.Context, owner, timestamp string) (media.Record, error) {
	q := s.sql.Select(append(mediaColumns, "b.image_data")...).
		From("media m").
		LeftJoin("image_blobs b ON b.owner = m.owner AND b.timestamp = m.timestamp").
		Where(sq.Eq{"m.owner": owner, "m.timestamp": timestamp})
	query, args, err := q.ToSql()
	if err != nil {
		return media.Record{}, fmt.Errorf("build get media query: %w", err)
	}

	var (
		rec          media.Record
		kind         string
		settingsJSON string
		imageData    sql.NullString
	)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&kind, &rec.Timestamp, &rec.Prompt, &rec.RevisedPrompt, &rec.VideoURL, &settingsJSON, &imageData); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return media.Record{}, ErrNotFound
		}
		return media.Record{}, fmt.Errorf("get media: %w", err)
	}
	rec.Kind = catalog.Kind(kind)
	if rec.Kind == catalog.KindImage {
		if !imageData.Valid {
			return media.Record{}, ErrNotFound
		}
		rec.ImageData = imageData.String
	}
	if err := json.Unmarshal([]byte(settingsJSON), &rec.Settings); err != nil {
		return media.Record{}, fmt.Errorf("decode settings: %w", err)
	}
	return rec, nil
}

// ListMedia returns one page of history summaries. page starts at 1.
func (s *Store) ListMedia(ctx context.Context, owner string, page, perPage int) (Page, error) {
	if perPage <= 0 {
		perPage = 60
	}
	if page < 1 {
		page = 1
	}

	countQuery, args, err := s.sql.Select("COUNT(*)").From("media").Where(sq.Eq{"owner": owner}).ToSql()
	if err != nil {
		return Page{}, fmt.Errorf("build count media query: %w", err)
	}
	out := Page{Page: page, PerPage: perPage}
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&out.Total); err != nil {
		return Page{}, fmt.Errorf("count media: %w", err)
	}

	q := s.sql.Select(mediaColumns...).
		From("media m").
		Where(sq.Eq{"m.owner": owner}).
		OrderBy("m.position ASC").
		Limit(uint64(perPage)).
		Offset(uint64((page - 1) * perPage))
	query, args, err := q.ToSql()
	if err != nil {
		return Page{}, fmt.Errorf("build list media query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sm           Summary
			kind         string
			settingsJSON string
		)
		if err := rows.Scan(&kind, &sm.Timestamp, &sm.Prompt, &sm.RevisedPrompt, &sm.VideoURL, &settingsJSON); err != nil {
			return Page{}, fmt.Errorf("scan media summary: %w", err)
		}
		sm.Kind = catalog.Kind(kind)
		var settings map[string]any
		if err := json.Unmarshal([]byte(settingsJSON), &settings); err == nil {
			sm.Model, _ = settings["model"].(string)
		}
		out.Items = append(out.Items, sm)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate media summaries: %w", err)
	}
	return out, nil
}

// DeleteMedia removes one record and its image blob.
func (s *Store) DeleteMedia(ctx context.Context, owner, timestamp string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete media: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := s.sql.Delete("media").Where(sq.Eq{"owner": owner, "timestamp": timestamp}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete media query: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete media: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete media rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	blob := s.sql.Delete("image_blobs").Where(sq.Eq{"owner": owner, "timestamp": timestamp})
	if err := s.exec(ctx, tx, blob, "delete image blob"); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete media: %w", err)
	}
	return nil
}

// ClearAll drops the owner's whole history.
func (s *Store) ClearAll(ctx context.Context, owner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear media: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"media", "image_blobs"} {
		if err := s.exec(ctx, tx, s.sql.Delete(table).Where(sq.Eq{"owner": owner}), "clear "+table); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear media: %w", err)
	}
	return nil
}

// ImportMedia appends the records whose timestamp is not in the history yet.
// Image records without payload are skipped. It returns how many were added.
func (s *Store) ImportMedia(ctx context.Context, owner string, records []media.Record) (int, error) {
	existing, err := s.timestamps(ctx, owner)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, rec := range records {
		if rec.Timestamp == "" || existing[rec.Timestamp] {
			continue
		}
		if rec.Kind == catalog.KindImage && rec.ImageData == "" {
			continue
		}
		if err := s.SaveMedia(ctx, owner, rec, false); err != nil {
			return added, fmt.Errorf("import %s: %w", rec.Timestamp, err)
		}
		existing[rec.Timestamp] = true
		added++
	}
	return added, nil
}

// ExportBundle wraps the loaded history in the export format.
func (s *Store) ExportBundle(ctx context.Context, owner string, now time.Time) (media.Bundle, error) {
	recs, err := s.LoadMedia(ctx, owner)
	if err != nil {
		return media.Bundle{}, err
	}
	return media.NewBundle(recs, now), nil
}

func (s *Store) timestamps(ctx context.Context, owner string) (map[string]bool, error) {
	query, args, err := s.sql.Select("timestamp").From("media").Where(sq.Eq{"owner": owner}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build timestamps query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list timestamps: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var ts string
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan timestamp: %w", err)
		}
		out[ts] = true
	}
	return out, rows.Err()
}

func (s *Store) LogAction(ctx context.Context, e AuditEntry) error {
	if strings.TrimSpace(e.MetaJSON) == "" || !json.Valid([]byte(e.MetaJSON)) {
		e.MetaJSON = "{}"
	}

	q := s.sql.Insert("audit_log").
		Columns("owner", "action", "meta_json", "created_at").
		Values(e.Owner, e.Action, e.MetaJSON, nowExpr(s.driver))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// RecentActions lists the owner's latest audit actions, newest first.
func (s *Store) RecentActions(ctx context.Context, owner string, limit int) ([]AuditEntry, error) {
	q := s.sql.Select("owner", "action", "meta_json", "created_at").
		From("audit_log").
		Where(sq.Eq{"owner": owner}).
		OrderBy("id DESC").
		Limit(uint64(limit))
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Owner, &e.Action, &e.MetaJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) exec(ctx context.Context, tx *sql.Tx, q sq.Sqlizer, what string) error {
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build %s query: %w", what, err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
