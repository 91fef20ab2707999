package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"
)

// expandSources resolves wildcard arguments and drops directories.
func expandSources(args []string, modifier pathutil.PathModifier, logger log.Logger) ([]string, error) {
	var expanded []string
	for _, arg := range args {
		if !strings.Contains(arg, "*") {
			expanded = append(expanded, arg)
			continue
		}

		base, pattern := doublestar.SplitPattern(arg)
		absBase, err := modifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %s: %w", arg, err)
		}
		if len(matches) == 0 {
			logger.Warnf("No match for pattern: %s", arg)
			continue
		}
		for _, match := range matches {
			expanded = append(expanded, filepath.Join(base, match))
		}
	}

	var sources []string
	for _, path := range expanded {
		absPath, err := modifier.AbsPath(path)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", path, err)
		}
		if info.IsDir() {
			logger.Debugf("Skipping directory %s", path)
			continue
		}
		sources = append(sources, absPath)
	}

	return sources, nil
}

func detectMimeType(path string, logger log.Logger) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		logger.Debugf("Failed to detect MIME type of %s: %s", path, err)
		return ""
	}
	return mt.String()
}
