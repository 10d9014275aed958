package batch

import (
	"path"
	"strings"

	"github.com/Tutortoise/plate-privacy-service/models"
)

// SanitizePath normalizes an archive entry name to a relative slash-separated path and
// rejects names that could escape the extraction root.
func SanitizePath(name string) (string, error) {
	p := strings.ReplaceAll(name, "\\", "/")

	if p == "" || strings.HasPrefix(p, "/") || hasDriveLetter(p) {
		return "", models.Wrap(models.ErrUnsafePath, nil, "absolute path %q", name)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", models.Wrap(models.ErrUnsafePath, nil, "parent segment in %q", name)
		}
	}

	clean := path.Clean(p)
	if clean == "." || clean == "" {
		return "", models.Wrap(models.ErrUnsafePath, nil, "empty path %q", name)
	}
	return clean, nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
