package resource

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category says how a file is delivered to the client.
type Category int

const (
	// Unsupported files are refused with 415.
	Unsupported Category = iota
	// Inline files are rendered by the browser (HTML).
	Inline
	// Download files are sent as application/octet-stream attachments.
	Download
)

var categories = map[string]Category{
	".html": Inline,
	".htm":  Inline,
	".txt":  Download,
	".png":  Download,
	".jpg":  Download,
	".jpeg": Download,
	".gif":  Download,
	".json": Download,
}

// CategoryOf classifies a file name by its extension.
func CategoryOf(name string) Category {
	return categories[strings.ToLower(path.Ext(name))]
}

// GenerateName returns a unique upload file name such as
// upload_20250102_150405_<uuid>.json.
func GenerateName() string {
	return "upload_" + time.Now().UTC().Format("20060102_150405") + "_" + uuid.NewString() + ".json"
}
