package command

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/distribution/reference"

	"github.com/lhoestq/hfjobs/internal/apperrors"
)

// spacePrefixes are the URL shorthands accepted in place of a docker image.
var spacePrefixes = []string{
	"https://huggingface.co/spaces/",
	"https://hf.co/spaces/",
	"huggingface.co/spaces/",
	"hf.co/spaces/",
}

var timeoutRe = regexp.MustCompile(`^([0-9]+)([smhd]?)$`)

// ParseTimeout converts a duration string like "30", "45s", "2h" or "1d"
// into seconds. The unit suffix is optional and defaults to seconds.
func ParseTimeout(s string) (int64, error) {
	m := timeoutRe.FindStringSubmatch(s)
	if m == nil {
		return 0, apperrors.Usage("timeout", fmt.Sprintf("invalid duration %q, expected <number>[s|m|h|d]", s))
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, apperrors.Usage("timeout", fmt.Sprintf("invalid duration %q: %v", s, err))
	}
	switch m[2] {
	case "m":
		n *= 60
	case "h":
		n *= 3600
	case "d":
		n *= 86400
	}
	return n, nil
}

// ParseAssignments turns repeated KEY=VALUE flags into a map. Values may be
// wrapped in single or double quotes, which are stripped.
func ParseAssignments(field string, pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, apperrors.Usage(field, fmt.Sprintf("invalid assignment %q, expected KEY=VALUE", p))
		}
		out[key] = trimQuotes(value)
	}
	return out, nil
}

// LoadEnvFile reads KEY=VALUE lines into dst, skipping blanks and # comments.
func LoadEnvFile(field, path string, dst map[string]string) error {
	f, err := os.Open(path)
	if err != nil {
		return apperrors.Usage(field, fmt.Sprintf("cannot read %s: %v", path, err))
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "=")
		if !ok || key == "" {
			return apperrors.Usage(field, fmt.Sprintf("%s:%d: expected KEY=VALUE", path, line))
		}
		dst[strings.TrimSpace(key)] = trimQuotes(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return apperrors.Usage(field, fmt.Sprintf("cannot read %s: %v", path, err))
	}
	return nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// ResolveImage classifies the IMAGE argument: a Space URL shorthand yields a
// space id, anything else must be a well-formed docker image reference.
func ResolveImage(arg string) (image, spaceID string, err error) {
	for _, prefix := range spacePrefixes {
		if strings.HasPrefix(arg, prefix) {
			id := strings.TrimPrefix(arg, prefix)
			if id == "" {
				return "", "", apperrors.Usage("image", "empty space id")
			}
			return "", id, nil
		}
	}
	if _, err := reference.ParseNormalizedNamed(arg); err != nil {
		return "", "", apperrors.Usage("image", fmt.Sprintf("invalid image reference %q: %v", arg, err))
	}
	return arg, "", nil
}
