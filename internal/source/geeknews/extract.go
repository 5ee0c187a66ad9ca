package geeknews

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"upvote_sync/internal/domain"
)

const (
	rowSelector         = "div.topic_row"
	voteSpanSelector    = `.vote span[id^="vote"]`
	titleSelector       = ".topictitle h1"
	descriptionSelector = ".topicdesc"

	rowIDPrefix  = "topic_row"
	voteIDPrefix = "vote"
)

// Extractor turns a listing page into records.
type Extractor struct {
	logger *slog.Logger
}

func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger.With("source", SourceID)}
}

// Extract returns the page's records in document order. Rows without a
// resolvable topic id, and rows that fail to parse, are skipped.
func (e *Extractor) Extract(markup string) []domain.Record {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		e.logger.Warn("failed to parse page markup", "error", err)
		return nil
	}

	var records []domain.Record
	doc.Find(rowSelector).Each(func(i int, row *goquery.Selection) {
		record, ok, err := extractRow(row)
		if err != nil {
			e.logger.Debug("skipping row", "index", i, "error", err)
			return
		}
		if !ok {
			return
		}
		records = append(records, record)
	})

	return records
}

func extractRow(row *goquery.Selection) (record domain.Record, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", domain.ErrParse, r)
		}
	}()

	id, err := resolveTopicID(row)
	if err != nil {
		return domain.Record{}, false, err
	}
	if id == 0 {
		return domain.Record{}, false, nil
	}

	// A present but empty title stays empty; only a missing one gets the default.
	title := domain.DefaultTitle
	if h1 := row.Find(titleSelector).First(); h1.Length() > 0 {
		title = strings.TrimSpace(h1.Text())
	}
	description := strings.TrimSpace(row.Find(descriptionSelector).First().Text())

	return domain.Record{ID: id, Title: title, Description: description}, true, nil
}

// resolveTopicID prefers the row's own id attribute and falls back to the
// vote control nested inside it. A matching prefix with a non-numeric suffix
// is a parse error and the row is not looked at further.
func resolveTopicID(row *goquery.Selection) (int64, error) {
	id, err := suffixID(row.AttrOr("id", ""), rowIDPrefix)
	if err != nil || id > 0 {
		return id, err
	}

	vote := row.Find(voteSpanSelector).First()
	if vote.Length() == 0 {
		return 0, nil
	}
	return suffixID(vote.AttrOr("id", ""), voteIDPrefix)
}

// suffixID returns the number after prefix. A missing prefix or a
// non-positive number yields 0.
func suffixID(attr, prefix string) (int64, error) {
	rest, found := strings.CutPrefix(attr, prefix)
	if !found {
		return 0, nil
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q: %w", domain.ErrParse, attr, err)
	}
	if id <= 0 {
		return 0, nil
	}
	return id, nil
}
