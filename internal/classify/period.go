package classify

import (
	"regexp"

	"github.com/JakeFAU/oflc-harvester/internal/crawler"
)

var (
	fiscalYearPattern = regexp.MustCompile(`(?i)fy[\s_-]*(\d{4}|\d{2})(?:[^0-9]|$)`)
	bareYearPattern   = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)\d{2})(?:[^0-9]|$)`)
)

// ExtractPeriod returns the fiscal or calendar year a filename refers to.
// A fiscal-year token (FY22, FY 2023, fy_24, PERMFY22) wins over a bare
// four-digit year; two-digit fiscal years are read as 20xx. Filenames without
// either yield crawler.PeriodUnknown.
func ExtractPeriod(filename string) string {
	if m := fiscalYearPattern.FindStringSubmatch(filename); m != nil {
		if len(m[1]) == 2 {
			return "20" + m[1]
		}
		return m[1]
	}
	if m := bareYearPattern.FindStringSubmatch(filename); m != nil {
		return m[1]
	}
	return crawler.PeriodUnknown
}
