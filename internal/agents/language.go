package agents

import (
	"path/filepath"
	"strings"
)

// DetectLanguage maps a file path to a language tag by extension. Unknown
// extensions return "" and the payload's language field stays off the wire.
func DetectLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return "python"
	case ".go":
		return "go"
	case ".js":
		return "javascript"
	case ".ts":
		return "typescript"
	case ".md":
		return "markdown"
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".html":
		return "html"
	case ".css":
		return "css"
	case ".sh":
		return "shell"
	case ".sql":
		return "sql"
	case ".rs":
		return "rust"
	default:
		return ""
	}
}
