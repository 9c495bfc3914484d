package fileserve

import (
	"mime"
	"path/filepath"
	"strings"
)

// Extension tables driving file-type classification. Clients use the type
// to pick a viewer, so the buckets match what the web UI can render.
var (
	videoExtensions = set(".mp4", ".avi", ".mov", ".mkv", ".webm", ".flv", ".m4v")
	imageExtensions = set(".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tiff", ".avif", ".heic", ".heif")
	svgExtensions   = set(".svg")
	pdfExtensions   = set(".pdf")
	wordExtensions  = set(".docx", ".doc", ".docm", ".dotx", ".dotm", ".odt", ".rtf")
	excelExtensions = set(".xlsx", ".xls", ".xlsm", ".xlsb", ".ods", ".csv", ".tsv")
	mdExtensions    = set(".md", ".markdown", ".mdown", ".mkd", ".mkdn", ".mdx")
	htmlExtensions  = set(".html", ".htm")
	codeExtensions  = set(
		".py", ".js", ".mjs", ".cjs", ".ts", ".tsx", ".jsx", ".java", ".go",
		".rs", ".rb", ".php", ".cs", ".cpp", ".cxx", ".cc", ".c", ".h",
		".hpp", ".lua", ".sql", ".sh", ".bash", ".zsh", ".ps1", ".bat",
		".cmd", ".yaml", ".yml", ".json", ".toml", ".ini", ".cfg", ".conf",
		".xml", ".css", ".scss", ".sass", ".less", ".vue", ".svelte",
	)
	textExtensions = set(".txt", ".log", ".text", ".rst", ".asc", ".readme", ".license")

	codeBasenames = set("dockerfile", "makefile", ".env", ".gitignore")
)

func set(members ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(members))
	for _, member := range members {
		m[member] = struct{}{}
	}
	return m
}

func has(m map[string]struct{}, key string) bool {
	_, ok := m[key]
	return ok
}

// FileType classifies a filename into a viewer bucket.
func FileType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.ToLower(filepath.Base(filename))
	switch {
	case has(videoExtensions, ext):
		return "video"
	case has(svgExtensions, ext):
		return "svg"
	case has(imageExtensions, ext):
		return "image"
	case has(pdfExtensions, ext):
		return "pdf"
	case has(wordExtensions, ext):
		return "word"
	case has(excelExtensions, ext):
		return "excel"
	case has(mdExtensions, ext):
		return "markdown"
	case has(htmlExtensions, ext):
		return "html"
	case has(codeExtensions, ext), has(codeBasenames, base):
		return "code"
	case has(textExtensions, ext):
		return "text"
	default:
		return "other"
	}
}

// MimeType resolves the Content-Type served for a file. Code and text
// render inline as plain text regardless of what the extension registry
// says; everything else falls back to the platform MIME database.
func MimeType(filename, fileType string) string {
	if fileType == "" {
		fileType = FileType(filename)
	}
	switch fileType {
	case "code", "text", "markdown":
		return "text/plain; charset=utf-8"
	case "html":
		return "text/html; charset=utf-8"
	case "svg":
		return "image/svg+xml"
	}
	if guessed := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); guessed != "" {
		return guessed
	}
	return "application/octet-stream"
}
