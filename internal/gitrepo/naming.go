package gitrepo

import (
	"crypto/rand"
	"regexp"
	"strings"
	"unicode"
)

// SanitizeForBranch converts a workspace name into a valid git branch name
// component. It lowercases, replaces non-alphanumeric runs with a single
// hyphen, trims edge hyphens and truncates to maxLen.
func SanitizeForBranch(name string, maxLen int) string {
	if name == "" {
		return ""
	}

	result := strings.ToLower(name)

	var sb strings.Builder
	for _, r := range result {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result = sb.String()

	re := regexp.MustCompile(`-+`)
	result = re.ReplaceAllString(result, "-")
	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		result = result[:maxLen]
		result = strings.TrimRight(result, "-")
	}

	return result
}

const branchSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// SmallSuffix returns a short random suffix, capped at 8 characters.
func SmallSuffix(maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if maxLen > 8 {
		maxLen = 8
	}
	buf := make([]byte, maxLen)
	if _, err := rand.Read(buf); err != nil {
		return strings.Repeat("x", maxLen)
	}
	for i := range buf {
		buf[i] = branchSuffixAlphabet[int(buf[i])%len(branchSuffixAlphabet)]
	}
	return string(buf)
}
