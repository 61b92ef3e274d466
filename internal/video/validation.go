package video

import (
	"strings"

	"github.com/vidrelay/vidrelay/internal/validate"
)

const defaultCategory = "uncategorized"

// ValidationError names the first input field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

type UploadMetadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Visibility  string   `json:"visibility"`
}

type ThumbnailDescriptor struct {
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// prepareUpload trims and checks metadata and returns the normalized copy plus
// the thumbnail file extension.
func prepareUpload(meta UploadMetadata, thumb ThumbnailDescriptor) (UploadMetadata, string, error) {
	meta.Title = strings.TrimSpace(meta.Title)
	meta.Description = strings.TrimSpace(meta.Description)
	meta.Category = strings.ToLower(strings.TrimSpace(meta.Category))
	meta.Visibility = strings.ToLower(strings.TrimSpace(meta.Visibility))
	if meta.Category == "" {
		meta.Category = defaultCategory
	}
	if meta.Visibility == "" {
		meta.Visibility = string(VisibilityPublic)
	}

	if msg := validate.Title(meta.Title); msg != "" {
		return meta, "", &ValidationError{Field: "title", Message: msg}
	}
	if msg := validate.Description(meta.Description); msg != "" {
		return meta, "", &ValidationError{Field: "description", Message: msg}
	}
	if msg := validate.Category(meta.Category); msg != "" {
		return meta, "", &ValidationError{Field: "category", Message: msg}
	}
	if msg := validate.Visibility(meta.Visibility); msg != "" {
		return meta, "", &ValidationError{Field: "visibility", Message: msg}
	}

	tags, err := normalizeTags(meta.Tags)
	if err != nil {
		return meta, "", err
	}
	meta.Tags = tags

	ext, msg := validate.ThumbnailContentType(thumb.ContentType)
	if msg != "" {
		return meta, "", &ValidationError{Field: "thumbnail.contentType", Message: msg}
	}
	if msg := validate.ThumbnailSize(thumb.Size); msg != "" {
		return meta, "", &ValidationError{Field: "thumbnail.size", Message: msg}
	}
	return meta, ext, nil
}

// normalizeTags trims, drops empties and removes case-insensitive duplicates,
// keeping first-seen order.
func normalizeTags(raw []string) ([]string, error) {
	tags := make([]string, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		if msg := validate.Tag(t); msg != "" {
			return nil, &ValidationError{Field: "tags", Message: msg}
		}
		seen[key] = true
		tags = append(tags, t)
	}
	if msg := validate.Tags(tags); msg != "" {
		return nil, &ValidationError{Field: "tags", Message: msg}
	}
	return tags, nil
}
