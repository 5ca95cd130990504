package sparse

import (
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/token/porter"
	"github.com/blevesearch/bleve/v2/analysis/token/stop"
	unicodetok "github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
)

// Analyzer turns text into index terms: unicode word segmentation,
// lowercasing, English stop word removal and optional Porter stemming.
// Terms keep only letters and digits.
type Analyzer struct {
	analyzer *analysis.DefaultAnalyzer
}

// NewAnalyzer builds the bleve filter chain.
func NewAnalyzer(stemming bool) *Analyzer {
	stopWords := analysis.NewTokenMap()
	// The embedded list is well formed; LoadBytes only fails on I/O.
	_ = stopWords.LoadBytes(en.EnglishStopWords)

	filters := []analysis.TokenFilter{
		lowercase.NewLowerCaseFilter(),
		stop.NewStopTokensFilter(stopWords),
	}
	if stemming {
		filters = append(filters, porter.NewPorterStemmer())
	}

	return &Analyzer{
		analyzer: &analysis.DefaultAnalyzer{
			Tokenizer:    unicodetok.NewUnicodeTokenizer(),
			TokenFilters: filters,
		},
	}
}

// Tokens analyzes text. Blank text yields no tokens.
func (a *Analyzer) Tokens(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	stream := a.analyzer.Analyze([]byte(text))
	tokens := make([]string, 0, len(stream))
	for _, tok := range stream {
		if term := alphanumeric(string(tok.Term)); term != "" {
			tokens = append(tokens, term)
		}
	}
	return tokens
}

func alphanumeric(term string) string {
	clean := true
	for _, r := range term {
		if !isAlnum(r) {
			clean = false
			break
		}
	}
	if clean {
		return term
	}
	return strings.Map(func(r rune) rune {
		if isAlnum(r) {
			return r
		}
		return -1
	}, term)
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
