package videos

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	ErrNotImplemented = errors.New("videos repository: not implemented")
	ErrNotFound       = errors.New("video not found")
	ErrValidation     = errors.New("invalid video data")
)

const (
	maxTitleLength = 200
	minTitleLength = 2
)

// Category groups videos in the library.
type Category string

const (
	CategoryDaoistClassic Category = "daoist_classic"
	CategoryMeditation    Category = "meditation"
	CategoryRitual        Category = "ritual"
	CategoryTeaching      Category = "teaching"
	CategoryChanting      Category = "chanting"
	CategoryOther         Category = "other"
)

var categoryOrder = []Category{
	CategoryDaoistClassic,
	CategoryMeditation,
	CategoryRitual,
	CategoryTeaching,
	CategoryChanting,
	CategoryOther,
}

var categoryLabels = map[Category]string{
	CategoryDaoistClassic: "Daoist classics",
	CategoryMeditation:    "Meditation",
	CategoryRitual:        "Ritual",
	CategoryTeaching:      "Teaching",
	CategoryChanting:      "Chanting",
	CategoryOther:         "Other",
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := categoryLabels[c]
	return ok
}

// Label returns the display name of the category.
func (c Category) Label() string {
	return categoryLabels[c]
}

// CategoryOption is a value/label pair for category pickers.
type CategoryOption struct {
	Value Category `json:"value"`
	Label string   `json:"label"`
}

// Categories lists every category in display order.
func Categories() []CategoryOption {
	out := make([]CategoryOption, 0, len(categoryOrder))
	for _, c := range categoryOrder {
		out = append(out, CategoryOption{Value: c, Label: c.Label()})
	}
	return out
}

// Video is a catalogue entry. FilePath and Thumbnail are media store keys.
type Video struct {
	ID           string
	Title        string
	Description  string
	FilePath     string
	Thumbnail    string
	FileSize     int64
	Duration     float64 // seconds
	Width        int
	Height       int
	FPS          float64
	Bitrate      int64
	Category     Category
	UploadTime   time.Time
	UploaderID   string
	UploaderName string
	ViewCount    int64
	IsActive     bool
}

// FileName returns the base name of the stored file.
func (v Video) FileName() string {
	if v.FilePath == "" {
		return ""
	}
	return path.Base(v.FilePath)
}

// FileExtension returns the lower-cased extension of the stored file.
func (v Video) FileExtension() string {
	return strings.ToLower(path.Ext(v.FilePath))
}

// Ordering selects the sort column of a listing.
type Ordering struct {
	Field string
	Desc  bool
}

// DefaultOrdering lists the newest uploads first.
var DefaultOrdering = Ordering{Field: "upload_time", Desc: true}

// ParseOrdering parses values like "-view_count". Empty input yields the
// default ordering; fields outside allowed are rejected.
func ParseOrdering(raw string, allowed ...string) (Ordering, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultOrdering, nil
	}
	o := Ordering{Field: raw}
	if strings.HasPrefix(raw, "-") {
		o = Ordering{Field: raw[1:], Desc: true}
	}
	for _, f := range allowed {
		if f == o.Field {
			return o, nil
		}
	}
	return Ordering{}, fmt.Errorf("%w: unsupported ordering %q", ErrValidation, raw)
}

// Public and admin ordering fields.
var (
	PublicOrderFields = []string{"upload_time", "view_count", "title"}
	AdminOrderFields  = []string{"upload_time", "view_count", "title", "file_size"}
)

// ListFilter narrows a listing. IsActive nil means any state.
type ListFilter struct {
	Search string
	// SearchUploader extends Search to the uploader's username.
	SearchUploader bool
	Category       Category
	UploaderID     string
	// IncludeInactive lists soft-deleted videos too when IsActive is nil.
	IncludeInactive bool
	IsActive        *bool
	Ordering        Ordering
	Offset          int
	Limit           int
}

// Page is one page of a listing plus the total number of matches.
type Page struct {
	Items []Video
	Total int
}

// Stats summarises the catalogue.
type Stats struct {
	Total         int
	UploadedSince int
	TotalViews    int64
	TotalSize     int64
}

// AvgViews returns the mean view count of active videos.
func (s Stats) AvgViews() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.TotalViews) / float64(s.Total)
}

// Repository abstracts video persistence.
type Repository interface {
	FindByID(ctx context.Context, id string) (Video, error)
	FindByIDs(ctx context.Context, ids []string) ([]Video, error)
	Save(ctx context.Context, video Video) (Video, error)
	List(ctx context.Context, filter ListFilter) ([]Video, int, error)
	IncrementViews(ctx context.Context, id string) (int64, error)
	SetActive(ctx context.Context, ids []string, active bool) (int, error)
	SetCategory(ctx context.Context, ids []string, category Category) (int, error)
	Stats(ctx context.Context, since time.Time) (Stats, error)
}

// NullRepository returns ErrNotImplemented for all operations.
type NullRepository struct{}

func (NullRepository) FindByID(context.Context, string) (Video, error) {
	return Video{}, ErrNotImplemented
}
func (NullRepository) FindByIDs(context.Context, []string) ([]Video, error) {
	return nil, ErrNotImplemented
}
func (NullRepository) Save(context.Context, Video) (Video, error) { return Video{}, ErrNotImplemented }
func (NullRepository) List(context.Context, ListFilter) ([]Video, int, error) {
	return nil, 0, ErrNotImplemented
}
func (NullRepository) IncrementViews(context.Context, string) (int64, error) {
	return 0, ErrNotImplemented
}
func (NullRepository) SetActive(context.Context, []string, bool) (int, error) {
	return 0, ErrNotImplemented
}
func (NullRepository) SetCategory(context.Context, []string, Category) (int, error) {
	return 0, ErrNotImplemented
}
func (NullRepository) Stats(context.Context, time.Time) (Stats, error) {
	return Stats{}, ErrNotImplemented
}

// NormalizeTitle trims and validates a title.
func NormalizeTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	n := utf8.RuneCountInString(title)
	if n == 0 {
		return "", fmt.Errorf("%w: title is required", ErrValidation)
	}
	if n < minTitleLength {
		return "", fmt.Errorf("%w: title must be at least %d characters", ErrValidation, minTitleLength)
	}
	if n > maxTitleLength {
		return "", fmt.Errorf("%w: title must be at most %d characters", ErrValidation, maxTitleLength)
	}
	return title, nil
}

// ParseCategory validates a category, defaulting empty input to other.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.TrimSpace(raw))
	if c == "" {
		return CategoryOther, nil
	}
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrValidation, raw)
	}
	return c, nil
}
