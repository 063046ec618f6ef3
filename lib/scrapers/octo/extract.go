package octo

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"octotelematics-backend/lib/htmlutil"
	"octotelematics-backend/lib/timezone"

	"github.com/PuerkitoBio/goquery"
)

const kmMarker = "KM TOTALI PERCORSI"
const dateLabel = "AL:"

var ErrMissingStats = errors.New("statistics container not found")
var ErrKmNotFound = errors.New("total km row not found")
var ErrDateNotFound = errors.New("last update date not found")

var digitRun = regexp.MustCompile(`\d+`)

func findStatsContainer(doc *goquery.Document) (*goquery.Selection, error) {
	sel := doc.Find("div#statPage2")
	if sel.Length() == 0 {
		return nil, ErrMissingStats
	}
	return sel.First(), nil
}

// ExtractTotalKm scans the centered rows of the statistics container
// for the cumulative distance marker. The value is the trailing digit
// run of the row text, e.g. "KM TOTALI PERCORSI 123456 KM" -> 123456.
func ExtractTotalKm(stats *goquery.Selection) (int64, error) {
	var km int64
	found := false

	stats.Find(`tr[align="center"]`).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		text := htmlutil.CleanText(row.Text())
		if !strings.Contains(text, kmMarker) {
			return true
		}
		runs := digitRun.FindAllString(text, -1)
		if len(runs) == 0 {
			return true
		}
		parsed, err := strconv.ParseInt(runs[len(runs)-1], 10, 64)
		if err != nil {
			return true
		}
		km = parsed
		found = true
		return false
	})

	if !found {
		return 0, ErrKmNotFound
	}
	return km, nil
}

// ExtractLastUpdated finds the "AL:" label cell marking the end bound
// of the usage period; the cell right after it holds a DD/MM/YYYY
// date, which is reformatted to YYYY-MM-DD.
func ExtractLastUpdated(stats *goquery.Selection) (string, error) {
	var out string
	var parseErr error

	stats.Find("table").EachWithBreak(func(_ int, table *goquery.Selection) bool {
		cells := table.Find("td.inputMask")
		for i := 0; i < cells.Length(); i++ {
			label := htmlutil.CleanText(htmlutil.GetText(cells.Get(i)))
			if label != dateLabel || i+1 >= cells.Length() {
				continue
			}

			raw := htmlutil.CleanText(htmlutil.GetText(cells.Get(i + 1)))
			parsed, err := time.ParseInLocation("02/01/2006", raw, timezone.Location)
			if err != nil {
				// another table may still carry a wellformed date
				parseErr = fmt.Errorf("%w: bad date text %q", ErrDateNotFound, raw)
				continue
			}

			out = parsed.Format("2006-01-02")
			return false
		}
		return true
	})

	if out == "" {
		if parseErr != nil {
			return "", parseErr
		}
		return "", ErrDateNotFound
	}
	return out, nil
}
