// Package fileserve walks a share's directory tree for listing, search,
// and streaming. All client paths pass through pathsafe so nothing outside
// the share root is ever reachable.
package fileserve

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/0xHecker/omni-stream/pkg/pathsafe"
)

// Listing limits.
const (
	DefaultMaxEntries = 300
	MaxEntriesCap     = 5000
	SearchResultsCap  = 1000
)

// Item is one directory entry in a listing or search response.
type Item struct {
	Name       string `json:"name"`
	IsDir      bool   `json:"is_dir"`
	Path       string `json:"path"`
	ParentPath string `json:"parent_path"`
	Type       string `json:"type"`
}

// ListResult is the payload for a single directory level.
type ListResult struct {
	CurrentPath string  `json:"current_path"`
	ParentPath  *string `json:"parent_path"`
	Items       []Item  `json:"items"`
	Truncated   bool    `json:"truncated"`
	Limit       int     `json:"limit"`
}

// SearchResult is the payload for a substring search.
type SearchResult struct {
	Query     string `json:"query"`
	BasePath  string `json:"base_path"`
	Recursive bool   `json:"recursive"`
	Items     []Item `json:"items"`
	Truncated bool   `json:"truncated"`
}

func entryItem(root, path string, isDir bool) Item {
	itemType := "directory"
	if !isDir {
		itemType = FileType(filepath.Base(path))
	}
	return Item{
		Name:       filepath.Base(path),
		IsDir:      isDir,
		Path:       pathsafe.ToClientPath(path, root),
		ParentPath: pathsafe.ToClientPath(filepath.Dir(path), root),
		Type:       itemType,
	}
}

func clampLimit(maxEntries int) int {
	if maxEntries < 1 {
		return 1
	}
	if maxEntries > MaxEntriesCap {
		return MaxEntriesCap
	}
	return maxEntries
}

type rankedItem struct {
	dirRank  int
	casefold string
	name     string
	item     Item
}

func rankLess(a, b rankedItem) bool {
	if a.dirRank != b.dirRank {
		return a.dirRank < b.dirRank
	}
	if a.casefold != b.casefold {
		return a.casefold < b.casefold
	}
	return a.name < b.name
}

// List returns one directory level sorted directories-first then
// case-insensitively by name, truncated at the limit.
func List(root, dir string, maxEntries int) (*ListResult, error) {
	limit := clampLimit(maxEntries)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	ranked := make([]rankedItem, 0, len(entries))
	for _, entry := range entries {
		isDir := entry.IsDir()
		dirRank := 1
		if isDir {
			dirRank = 0
		}
		ranked = append(ranked, rankedItem{
			dirRank:  dirRank,
			casefold: strings.ToLower(entry.Name()),
			name:     entry.Name(),
			item:     entryItem(root, filepath.Join(dir, entry.Name()), isDir),
		})
	}
	sort.Slice(ranked, func(i, j int) bool { return rankLess(ranked[i], ranked[j]) })

	truncated := len(ranked) > limit
	if truncated {
		ranked = ranked[:limit]
	}

	items := make([]Item, 0, len(ranked))
	for _, r := range ranked {
		items = append(items, r.item)
	}

	result := &ListResult{
		CurrentPath: pathsafe.ToClientPath(dir, root),
		Items:       items,
		Truncated:   truncated,
		Limit:       limit,
	}
	if result.CurrentPath != "" {
		parent := pathsafe.ToClientPath(filepath.Dir(dir), root)
		result.ParentPath = &parent
	}
	return result, nil
}

// Search scans for entries whose name or share-relative path contains the
// query, case-insensitively. Recursive searches walk subdirectories in
// sorted order so truncation is deterministic; unreadable directories are
// skipped. Results come back directories-first sorted by path.
func Search(root, start, query string, recursive bool, maxResults int) (*SearchResult, error) {
	result := &SearchResult{
		Query:     query,
		BasePath:  pathsafe.ToClientPath(start, root),
		Recursive: recursive,
		Items:     []Item{},
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return result, nil
	}

	limit := maxResults
	if limit < 1 {
		limit = 1
	}
	if limit > SearchResultsCap {
		limit = SearchResultsCap
	}

	match := func(path string, isDir bool) bool {
		clientPath := pathsafe.ToClientPath(path, root)
		name := strings.ToLower(filepath.Base(path))
		if !strings.Contains(name, needle) && !strings.Contains(strings.ToLower(clientPath), needle) {
			return false
		}
		result.Items = append(result.Items, entryItem(root, path, isDir))
		if len(result.Items) >= limit {
			result.Truncated = true
			return true
		}
		return false
	}

	if recursive {
		walkSearch(start, match)
	} else {
		entries, err := os.ReadDir(start)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if match(filepath.Join(start, entry.Name()), entry.IsDir()) {
				break
			}
		}
	}

	sort.Slice(result.Items, func(i, j int) bool {
		a, b := result.Items[i], result.Items[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return strings.ToLower(a.Path) < strings.ToLower(b.Path)
	})
	return result, nil
}

// walkSearch does a top-down walk matching directories in each level
// before files. Returns true once the match callback signals saturation.
func walkSearch(dir string, match func(path string, isDir bool) bool) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// Unreadable subtrees are skipped, not fatal.
		return false
	}
	sort.Slice(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	var subdirs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if match(path, true) {
			return true
		}
		subdirs = append(subdirs, path)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if match(filepath.Join(dir, entry.Name()), false) {
			return true
		}
	}
	for _, sub := range subdirs {
		if walkSearch(sub, match) {
			return true
		}
	}
	return false
}
