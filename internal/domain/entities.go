package domain

import (
	"regexp"
	"strings"
)

var (
	hashtagRe = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_&])#([\p{L}\p{N}_]{1,100})`)
	mentionRe = regexp.MustCompile(`(?:^|[^\p{L}\p{N}_.])@([A-Za-z0-9_]{1,64})`)
)

// ExtractHashtags returns the lower-cased, de-duplicated hashtags in content,
// in order of first appearance.
func ExtractHashtags(content string) []string {
	return extract(hashtagRe, content)
}

// ExtractMentions returns the lower-cased, de-duplicated @usernames.
func ExtractMentions(content string) []string {
	return extract(mentionRe, content)
}

func extract(re *regexp.Regexp, content string) []string {
	matches := re.FindAllStringSubmatch(content, -1)
	out := make([]string, 0, len(matches))
	seen := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		v := strings.ToLower(m[1])
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
