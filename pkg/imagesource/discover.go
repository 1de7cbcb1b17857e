package imagesource

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultExtensions are the file suffixes Discover accepts when none are given
var DefaultExtensions = []string{".fits", ".fit", ".fts"}

// timestampRE matches the 6-digit acquisition counter preceding the extension
var timestampRE = regexp.MustCompile(`(\d{6})\.[^./\\]+$`)

// Discover lists the image files in dir whose extension is one of exts
// (case-insensitive), sorted lexically. Sub-directories are ignored.
func Discover(dir string, exts ...string) ([]string, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, want := range exts {
			if ext == strings.ToLower(want) {
				files = append(files, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

// Timestamp extracts the 6-digit token preceding the extension of path.
// ok is false when the filename does not carry one.
func Timestamp(path string) (ts float64, ok bool) {
	m := timestampRE.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return float64(n), true
}
