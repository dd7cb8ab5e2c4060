package crawler

import (
	"strconv"
	"strings"
)

// Scoring weights for URL/link heuristics. Content-based confidence for
// HTML pages lives in the verifier; ranking between the two scales is
// bridged by Config.HTMLContentWeight.
const (
	scoreBonusPDF        = 20.0
	scoreBonusXLSX       = 15.0
	scoreBonusDoc        = 5.0
	scoreKeywordURL      = 15.0
	scoreKeywordLinkText = 5.0
	scoreYearInURL       = 25.0
	scoreYearInLinkText  = 10.0
)

// LinkScore is the scorer output for a single URL/link-text pair.
type LinkScore struct {
	Score         float64
	KeywordsFound []string
	HasTargetYear bool
	FileType      FileType
}

// ScoreLink rates how likely a link points at the wanted tariff document.
// The model is additive and monotonic: positive keywords count once each,
// negative keywords always apply, and the target year is worth more in the
// URL than in the link text.
func ScoreLink(rawURL string, linkText string, dataType DataType, targetYear int) LinkScore {
	profile := profileFor(dataType)
	lowerURL := strings.ToLower(rawURL)
	lowerText := strings.ToLower(linkText)

	result := LinkScore{FileType: FileTypeForURL(rawURL)}

	switch result.FileType {
	case FileTypePDF:
		result.Score += scoreBonusPDF
	case FileTypeXLSX, FileTypeXLS:
		result.Score += scoreBonusXLSX
	case FileTypeDoc:
		result.Score += scoreBonusDoc
	}

	seen := make(map[string]struct{}, len(profile.positive))
	for _, kw := range profile.positive {
		if _, dup := seen[kw]; dup {
			continue
		}
		switch {
		case strings.Contains(lowerURL, kw):
			result.Score += scoreKeywordURL
			seen[kw] = struct{}{}
			result.KeywordsFound = append(result.KeywordsFound, kw)
		case strings.Contains(lowerText, kw):
			result.Score += scoreKeywordLinkText
			seen[kw] = struct{}{}
			result.KeywordsFound = append(result.KeywordsFound, kw)
		}
	}

	for _, neg := range negativeKeywords {
		if strings.Contains(lowerURL, neg.token) || strings.Contains(lowerText, neg.token) {
			result.Score += neg.penalty
		}
	}

	if targetYear > 0 {
		year := strconv.Itoa(targetYear)
		switch {
		case strings.Contains(lowerURL, year):
			result.Score += scoreYearInURL
			result.HasTargetYear = true
		case strings.Contains(lowerText, year):
			result.Score += scoreYearInLinkText
			result.HasTargetYear = true
		}
	}

	return result
}

// Document builds an immutable DiscoveredDocument from a scored link.
func (s LinkScore) Document(normalizedURL, foundOnPage, linkText string, external bool) DiscoveredDocument {
	return DiscoveredDocument{
		URL:           normalizedURL,
		Score:         s.Score,
		FileType:      s.FileType,
		FoundOnPage:   foundOnPage,
		LinkText:      strings.TrimSpace(linkText),
		KeywordsFound: append([]string(nil), s.KeywordsFound...),
		HasTargetYear: s.HasTargetYear,
		IsExternal:    external,
	}
}
