package validate

import (
	"fmt"
	"unicode/utf8"
)

// Field limits shared by handlers and the /api/limits endpoint. Lengths are
// counted in characters, matching char_length in the schema.
const (
	MinTitleLength       = 3
	MaxTitleLength       = 100
	MaxDescriptionLength = 5000
	MaxCategoryLength    = 50
	MaxTags              = 10
	MaxTagLength         = 30
	MaxCommentBodyLength = 5000
	MaxThumbnailBytes    = 10 << 20
)

func checkLen(value string, max int, field string) string {
	if utf8.RuneCountInString(value) > max {
		return fmt.Sprintf("%s must be %d characters or fewer", field, max)
	}
	return ""
}

func Title(s string) string {
	if n := utf8.RuneCountInString(s); n < MinTitleLength || n > MaxTitleLength {
		return fmt.Sprintf("title must be between %d and %d characters", MinTitleLength, MaxTitleLength)
	}
	return ""
}

func Description(s string) string { return checkLen(s, MaxDescriptionLength, "description") }
func Category(s string) string    { return checkLen(s, MaxCategoryLength, "category") }
func Tag(s string) string         { return checkLen(s, MaxTagLength, "tag") }

func CommentBody(s string) string {
	if s == "" {
		return "comment body is required"
	}
	return checkLen(s, MaxCommentBodyLength, "comment")
}

func Tags(tags []string) string {
	if len(tags) > MaxTags {
		return fmt.Sprintf("at most %d tags are allowed", MaxTags)
	}
	return ""
}

func Visibility(s string) string {
	switch s {
	case "public", "private", "unlisted":
		return ""
	}
	return "visibility must be one of public, private, unlisted"
}

// ThumbnailContentType returns the file extension for an accepted image type.
func ThumbnailContentType(contentType string) (ext string, msg string) {
	switch contentType {
	case "image/jpeg":
		return ".jpg", ""
	case "image/png":
		return ".png", ""
	case "image/webp":
		return ".webp", ""
	}
	return "", "thumbnail must be a JPEG, PNG or WebP image"
}

func ThumbnailSize(size int64) string {
	if size <= 0 {
		return "thumbnail size must be positive"
	}
	if size > MaxThumbnailBytes {
		return fmt.Sprintf("thumbnail must be %d MiB or smaller", MaxThumbnailBytes>>20)
	}
	return ""
}

// FieldLimits returns a map of field names to max lengths for the /api/limits endpoint.
func FieldLimits() map[string]int {
	return map[string]int{
		"titleMin":       MinTitleLength,
		"title":          MaxTitleLength,
		"description":    MaxDescriptionLength,
		"category":       MaxCategoryLength,
		"tags":           MaxTags,
		"tag":            MaxTagLength,
		"commentBody":    MaxCommentBodyLength,
		"thumbnailBytes": MaxThumbnailBytes,
	}
}
