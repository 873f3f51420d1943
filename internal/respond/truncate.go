package respond

import (
	"fmt"
	"strings"
)

// DefaultMaxOutputChars bounds a single console output message.
const DefaultMaxOutputChars = 2800

const truncateBanner = "Output truncated. Showing the last %d characters. " +
	"You should try again and use computer.ai.summarize(output) over the output, " +
	"or break it down into smaller steps.\n\n"

const scrollbarHint = " Run `get_last_output()[0:%d]` to see the first page.\n\n"

// Truncate bounds data to the final maxChars characters, prepending a banner
// that names the bound. Safe to call repeatedly on a string that only grows:
// an existing banner is stripped before the window is re-derived, so banners
// never compound.
func Truncate(data string, maxChars int, addScrollbars bool) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxOutputChars
	}

	banner := fmt.Sprintf(truncateBanner, maxChars)
	if addScrollbars {
		banner = strings.TrimSpace(banner) + fmt.Sprintf(scrollbarHint, maxChars)
	}

	rederive := false
	if strings.HasPrefix(data, banner) {
		data = data[len(banner):]
		rederive = true
	}

	runes := []rune(data)
	if len(runes) > maxChars || rederive {
		if len(runes) > maxChars {
			runes = runes[len(runes)-maxChars:]
		}
		return banner + string(runes)
	}
	return data
}
