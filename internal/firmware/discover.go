package firmware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DiscoverImage locates the newest firmware image for the given board
// identity under dir/<boardID>/. Images are *.hex files; "newest" is the
// lexicographically greatest name, matching version-tagged filenames.
func DiscoverImage(dir, boardID string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w %q: firmware image dir not configured", ErrNoImage, boardID)
	}

	boardDir := filepath.Join(dir, boardID)
	entries, err := os.ReadDir(boardDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w %q: no image dir at %s", ErrNoImage, boardID, boardDir)
		}

		return "", fmt.Errorf("list firmware images in %q: %w", boardDir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".hex") {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return "", fmt.Errorf("%w %q: no *.hex images in %s", ErrNoImage, boardID, boardDir)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	return filepath.Join(boardDir, names[0]), nil
}
