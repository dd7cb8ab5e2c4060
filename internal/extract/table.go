package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/netzbureau/tariffscout/internal/crawler"
)

// minTableVocabularyHits is the number of distinct vocabulary terms a table
// must contain before it is treated as the tariff data table.
const minTableVocabularyHits = 2

// germanNumberPattern matches German-formatted decimals ("5,84", "1.234,56")
// and plain integers. Dotted dates like "01.01.2025" do not match because
// thousands groups must be exactly three digits.
var germanNumberPattern = regexp.MustCompile(`^-?\d{1,3}(\.\d{3})*(,\d+)?$|^-?\d+(,\d+)?$`)

// TableExtractor pulls tariff records out of HTML artifacts. It locates the
// table whose content carries the data type's vocabulary, reads the header
// row into column names and converts each following row into one record.
type TableExtractor struct {
	logger *zap.Logger
}

// NewTableExtractor returns an extractor for HTML artifacts.
func NewTableExtractor(logger *zap.Logger) *TableExtractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TableExtractor{logger: logger.Named("extract.table")}
}

// Extract reads the spooled artifact and returns one record per data row of
// the best-matching table. Cell values that parse as German decimals become
// float64, everything else stays a string, so time windows such as
// "06:00 - 22:00 Uhr" survive untouched.
func (e *TableExtractor) Extract(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	body, err := os.ReadFile(req.FilePath)
	if err != nil {
		return Result{}, fmt.Errorf("read artifact: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}

	table, hits := bestTable(doc, crawler.TableVocabulary(req.DataType))
	if table == nil {
		return Result{}, fmt.Errorf("no table matched the %s vocabulary (best %d of %d required hits)",
			req.DataType, hits, minTableVocabularyHits)
	}

	var result Result
	rows := table.Find("tr")
	if rows.Length() < 2 {
		result.Warnings = append(result.Warnings, "matched table has a header but no data rows")
		return result, nil
	}

	columns := headerColumns(rows.First())
	mismatched := 0
	rows.Slice(1, rows.Length()).Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		// All-th rows after the first are header continuations, e.g. a
		// second row carrying unit labels.
		if cells.Length() > 0 && row.Find("td").Length() == 0 {
			return
		}
		if cells.Length() != len(columns) {
			mismatched++
		}
		rec := make(map[string]any, len(columns))
		empty := true
		cells.Each(func(i int, cell *goquery.Selection) {
			text := normalizeSpace(cell.Text())
			name := fmt.Sprintf("column_%d", i+1)
			if i < len(columns) {
				name = columns[i]
			}
			if v, ok := parseGermanNumber(text); ok {
				rec[name] = v
			} else {
				rec[name] = text
			}
			if text != "" {
				empty = false
			}
		})
		if !empty {
			result.Records = append(result.Records, rec)
		}
	})
	if mismatched > 0 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("%d rows did not match the header width", mismatched))
	}

	if page, err := crawler.ParseHTML("", body); err == nil && req.TargetYear > 0 {
		if !containsYear(page.Years(), req.TargetYear) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("document does not mention target year %d", req.TargetYear))
		} else if vf := page.ValidFromYear(); vf > 0 && vf != req.TargetYear {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("validity phrase names %d, expected %d", vf, req.TargetYear))
		}
	}

	e.logger.Debug("extracted table records",
		zap.String("data_type", string(req.DataType)),
		zap.Int("records", len(result.Records)),
		zap.Int("vocabulary_hits", hits))
	return result, nil
}

// bestTable returns the table with the most vocabulary hits, or nil when no
// table reaches the qualifying threshold. Later tables win ties so nested
// data tables beat their layout wrappers.
func bestTable(doc *goquery.Document, vocabulary []string) (*goquery.Selection, int) {
	var best *goquery.Selection
	bestHits := 0
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		text := strings.ToLower(normalizeSpace(table.Text()))
		hits := 0
		for _, term := range vocabulary {
			if strings.Contains(text, strings.ToLower(term)) {
				hits++
			}
		}
		if hits >= bestHits && hits > 0 {
			best = table
			bestHits = hits
		}
	})
	if bestHits < minTableVocabularyHits {
		return nil, bestHits
	}
	return best, bestHits
}

// headerColumns reads the first row into normalized column names. Cells that
// normalize to nothing get positional names so records stay addressable.
func headerColumns(row *goquery.Selection) []string {
	var columns []string
	row.Find("th, td").Each(func(i int, cell *goquery.Selection) {
		name := normalizeColumn(cell.Text())
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		columns = append(columns, name)
	})
	return columns
}

// normalizeColumn turns a header cell into a snake_case record key,
// e.g. "Leistungspreis [€/kW]" becomes "leistungspreis".
func normalizeColumn(s string) string {
	s = strings.ToLower(normalizeSpace(s))
	// Drop bracketed unit annotations.
	if i := strings.IndexAny(s, "([<"); i > 0 {
		s = strings.TrimSpace(s[:i])
	}
	var b strings.Builder
	pendingSep := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			pendingSep = false
			continue
		}
		pendingSep = true
	}
	return b.String()
}

func parseGermanNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if !germanNumberPattern.MatchString(s) {
		return 0, false
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	return v, err == nil
}

func containsYear(years []int, year int) bool {
	for _, y := range years {
		if y == year {
			return true
		}
	}
	return false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
