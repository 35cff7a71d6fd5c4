package crawler

import (
	"net/url"
	"path"
	"strings"
)

// NormalizeIdentity canonicalizes a raw link into the identity key used by the
// manifest. Relative references are resolved against base. Only the scheme
// and host are lowercased; path, query and fragment keep their casing because
// the remote paths are case-sensitive. A single trailing slash is stripped
// from the path. The function never fails: unparsable input is returned
// trimmed so it still yields a stable key.
func NormalizeIdentity(raw, base string) string {
	raw = strings.TrimSpace(raw)
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if b, berr := url.Parse(strings.TrimSpace(base)); berr == nil && base != "" {
		ref = b.ResolveReference(ref)
	}

	ref.Scheme = strings.ToLower(ref.Scheme)
	ref.Host = strings.ToLower(ref.Host)
	if strings.HasSuffix(ref.Path, "/") {
		ref.Path = strings.TrimSuffix(ref.Path, "/")
		ref.RawPath = strings.TrimSuffix(ref.RawPath, "/")
	}
	return ref.String()
}

// FilenameFromIdentity returns the artifact's base name as published, with
// percent-escapes decoded. It returns "" when the path has no final segment.
func FilenameFromIdentity(identity string) string {
	u, err := url.Parse(identity)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return ""
	}
	return name
}
