package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/daoistvideo/platform/internal/domain/videos"
)

const videoColumns = `id, title, description, file_path, thumbnail, file_size, duration, width, height, fps, ` +
	`bitrate, category, upload_time, uploader_id, uploader_name, view_count, is_active`

// orderColumns whitelists sortable columns.
var orderColumns = map[string]string{
	"upload_time": "upload_time",
	"view_count":  "view_count",
	"title":       "title",
	"file_size":   "file_size",
}

// VideoRepository persists the video catalogue in Postgres.
type VideoRepository struct {
	db DBTX
}

// NewVideoRepository constructs a postgres-backed video repository.
func NewVideoRepository(db DBTX) *VideoRepository {
	return &VideoRepository{db: db}
}

func scanVideo(row pgx.Row) (videos.Video, error) {
	var (
		v          videos.Video
		category   string
		uploaderID *string
	)
	err := row.Scan(&v.ID, &v.Title, &v.Description, &v.FilePath, &v.Thumbnail, &v.FileSize,
		&v.Duration, &v.Width, &v.Height, &v.FPS, &v.Bitrate, &category, &v.UploadTime,
		&uploaderID, &v.UploaderName, &v.ViewCount, &v.IsActive)
	v.Category = videos.Category(category)
	v.UploaderID = deref(uploaderID)
	return v, err
}

func collectVideos(rows pgx.Rows) ([]videos.Video, error) {
	defer rows.Close()
	out := make([]videos.Video, 0)
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *VideoRepository) FindByID(ctx context.Context, id string) (videos.Video, error) {
	v, err := scanVideo(r.db.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return videos.Video{}, videos.ErrNotFound
		}
		return videos.Video{}, fmt.Errorf("find video: %w", err)
	}
	return v, nil
}

// FindByIDs returns the videos that exist, in the order requested.
func (r *VideoRepository) FindByIDs(ctx context.Context, ids []string) ([]videos.Video, error) {
	if len(ids) == 0 {
		return []videos.Video{}, nil
	}
	rows, err := r.db.Query(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("find videos: %w", err)
	}
	found, err := collectVideos(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]videos.Video, len(found))
	for _, v := range found {
		byID[v.ID] = v
	}
	out := make([]videos.Video, 0, len(ids))
	for _, id := range ids {
		if v, ok := byID[id]; ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func (r *VideoRepository) Save(ctx context.Context, video videos.Video) (videos.Video, error) {
	const upsert = `
        INSERT INTO videos (id, title, description, file_path, thumbnail, file_size, duration, width, height, fps,
                            bitrate, category, upload_time, uploader_id, uploader_name, view_count, is_active)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
        ON CONFLICT (id) DO UPDATE SET
            title         = EXCLUDED.title,
            description   = EXCLUDED.description,
            file_path     = EXCLUDED.file_path,
            thumbnail     = EXCLUDED.thumbnail,
            file_size     = EXCLUDED.file_size,
            duration      = EXCLUDED.duration,
            width         = EXCLUDED.width,
            height        = EXCLUDED.height,
            fps           = EXCLUDED.fps,
            bitrate       = EXCLUDED.bitrate,
            category      = EXCLUDED.category,
            uploader_id   = EXCLUDED.uploader_id,
            uploader_name = EXCLUDED.uploader_name,
            is_active     = EXCLUDED.is_active
        RETURNING upload_time, view_count
    `
	if video.ID == "" {
		video.ID = uuid.NewString()
	}
	uploaded := video.UploadTime
	if uploaded.IsZero() {
		uploaded = time.Now().UTC()
	}

	err := r.db.QueryRow(ctx, upsert,
		video.ID,
		video.Title,
		video.Description,
		video.FilePath,
		video.Thumbnail,
		video.FileSize,
		video.Duration,
		video.Width,
		video.Height,
		video.FPS,
		video.Bitrate,
		string(video.Category),
		uploaded,
		nullable(video.UploaderID),
		video.UploaderName,
		video.ViewCount,
		video.IsActive,
	).Scan(&video.UploadTime, &video.ViewCount)
	if err != nil {
		return videos.Video{}, fmt.Errorf("save video: %w", err)
	}
	return video, nil
}

// whereClause builds the filter predicate and its positional arguments.
func whereClause(f videos.ListFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.IsActive != nil {
		conds = append(conds, "is_active = "+arg(*f.IsActive))
	}
	if f.Category != "" {
		conds = append(conds, "category = "+arg(string(f.Category)))
	}
	if f.UploaderID != "" {
		conds = append(conds, "uploader_id = "+arg(f.UploaderID))
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		p := arg("%" + escapeLike(q) + "%")
		search := "(title ILIKE " + p + " OR description ILIKE " + p
		if f.SearchUploader {
			search += " OR uploader_name ILIKE " + p
		}
		conds = append(conds, search+")")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func orderClause(o videos.Ordering) string {
	if o.Field == "" {
		o = videos.DefaultOrdering
	}
	col, ok := orderColumns[o.Field]
	if !ok {
		col = orderColumns[videos.DefaultOrdering.Field]
	}
	dir := "ASC"
	if o.Desc {
		dir = "DESC"
	}
	return " ORDER BY " + col + " " + dir + ", id"
}

func (r *VideoRepository) List(ctx context.Context, f videos.ListFilter) ([]videos.Video, int, error) {
	where, args := whereClause(f)

	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM videos`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count videos: %w", err)
	}

	query := `SELECT ` + videoColumns + ` FROM videos` + where + orderClause(f.Ordering)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list videos: %w", err)
	}
	list, err := collectVideos(rows)
	if err != nil {
		return nil, 0, err
	}
	return list, int(total), nil
}

func (r *VideoRepository) IncrementViews(ctx context.Context, id string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `UPDATE videos SET view_count = view_count + 1 WHERE id = $1 RETURNING view_count`, id).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, videos.ErrNotFound
		}
		return 0, fmt.Errorf("increment views: %w", err)
	}
	return n, nil
}

// SetActive changes the active flag and returns how many videos changed.
func (r *VideoRepository) SetActive(ctx context.Context, ids []string, active bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `UPDATE videos SET is_active = $2 WHERE id = ANY($1) AND is_active <> $2`, ids, active)
	if err != nil {
		return 0, fmt.Errorf("set active: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SetCategory recategorises active videos only.
func (r *VideoRepository) SetCategory(ctx context.Context, ids []string, category videos.Category) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `UPDATE videos SET category = $2 WHERE id = ANY($1) AND is_active`, ids, string(category))
	if err != nil {
		return 0, fmt.Errorf("set category: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *VideoRepository) Stats(ctx context.Context, since time.Time) (videos.Stats, error) {
	const query = `
        SELECT COUNT(*),
               COUNT(*) FILTER (WHERE upload_time >= $1),
               COALESCE(SUM(view_count), 0)::BIGINT,
               COALESCE(SUM(file_size), 0)::BIGINT
          FROM videos
         WHERE is_active
    `
	var total, recent int64
	var s videos.Stats
	if err := r.db.QueryRow(ctx, query, since).Scan(&total, &recent, &s.TotalViews, &s.TotalSize); err != nil {
		return videos.Stats{}, fmt.Errorf("video stats: %w", err)
	}
	s.Total = int(total)
	s.UploadedSince = int(recent)
	return s, nil
}

var _ videos.Repository = (*VideoRepository)(nil)
