package sitesync

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/micahrl/sitesync/internal/publish"
)

const archiveSuffix = ".zip"

// Target is where one staged archive is published.
type Target struct {
	// Key is the decoded staging key, such as zip/app1/release.zip.
	Key string
	// Prefix is the destination prefix, such as app1/release.
	Prefix string
	// Distribution is the first segment of Prefix.
	Distribution string
}

// PurgePrefix is the listing prefix for everything under the destination.
func (t Target) PurgePrefix() string { return t.Prefix + "/" }

// DecodeKey undoes the form encoding S3 applies to keys in notifications.
func DecodeKey(raw string) (string, error) {
	key, err := url.QueryUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: decoding key %q: %w", ErrInvalidEvent, raw, err)
	}
	return key, nil
}

// Staged reports whether key names an archive in the staging prefix.
func Staged(key string) bool {
	return strings.HasPrefix(key, publish.StagingPrefix) &&
		strings.HasSuffix(key, archiveSuffix) &&
		len(key) > len(publish.StagingPrefix)+len(archiveSuffix)
}

// ParseTarget derives the destination of a staged key.
func ParseTarget(key string) (Target, error) {
	prefix := strings.TrimSuffix(strings.TrimPrefix(key, publish.StagingPrefix), archiveSuffix)
	if prefix == "" {
		return Target{}, fmt.Errorf("%w: %q has an empty destination prefix", ErrInvalidKey, key)
	}
	if strings.Contains(prefix, "..") {
		return Target{}, fmt.Errorf("%w: %q escapes the bucket root", ErrInvalidKey, key)
	}
	segments := strings.Split(prefix, "/")
	for _, s := range segments {
		if s == "" || s == "." {
			return Target{}, fmt.Errorf("%w: %q has an empty path segment", ErrInvalidKey, key)
		}
	}
	return Target{Key: key, Prefix: prefix, Distribution: segments[0]}, nil
}
