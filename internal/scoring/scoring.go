// Package scoring derives band scores (2-9) for a spoken response from its
// transcript and speaking time.
package scoring

import (
	"math"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Band limits shared by every component score.
const (
	MinBand = 2
	MaxBand = 9
)

// Metrics is the result of scoring one transcript.
type Metrics struct {
	Fluency       int `json:"fluency"`
	Pronunciation int `json:"pronunciation"`
	Grammar       int `json:"grammar"`
	Vocabulary    int `json:"vocabulary"`
	Overall       int `json:"overall"`

	WordCount           int     `json:"wordCount"`
	WordsPerMinute      float64 `json:"wordsPerMinute"`
	SpeakingTime        float64 `json:"speakingTime"`
	VocabularyDiversity float64 `json:"vocabularyDiversity"`
	SophisticationRatio float64 `json:"sophisticationRatio"`
	ComplexityRatio     float64 `json:"complexityRatio"`
}

// tier is one row of a descending threshold table. Both thresholds must hold.
type tier struct {
	primary   float64
	secondary float64
	band      int
}

var fluencyTiers = []tier{
	{150, 50, 9},
	{120, 40, 8},
	{100, 30, 7},
	{80, 20, 6},
	{60, 15, 5},
	{40, 10, 4},
	{20, 5, 3},
}

var vocabularyTiers = []tier{
	{0.9, 0.3, 9},
	{0.8, 0.2, 8},
	{0.7, 0.15, 7},
	{0.6, 0.1, 6},
	{0.5, 0.05, 5},
	{0.4, 0, 4},
	{0.3, 0, 3},
}

var grammarTiers = []tier{
	{12, 0.7, 9},
	{10, 0.6, 8},
	{8, 0.5, 7},
	{6, 0.4, 6},
	{5, 0.3, 5},
	{4, 0, 4},
	{3, 0, 3},
}

var overallTiers = []tier{
	{8.5, 0, 9},
	{7.5, 0, 8},
	{6.5, 0, 7},
	{5.5, 0, 6},
	{4.5, 0, 5},
	{3.5, 0, 4},
	{2.5, 0, 3},
}

var sophisticatedWords = map[string]struct{}{
	"nevertheless": {},
	"furthermore":  {},
	"consequently": {},
	"subsequently": {},
	"moreover":     {},
	"therefore":    {},
	"however":      {},
	"although":     {},
	"despite":      {},
	"regarding":    {},
	"concerning":   {},
	"significant":  {},
	"essential":    {},
	"crucial":      {},
	"fundamental":  {},
}

var connectives = []string{"and", "but", "because", "although", "however", "therefore"}

var sentenceDelimiters = regexp.MustCompile(`[.!?]+`)

// Score computes the metrics for transcript spoken over durationSeconds.
// It is total: empty transcripts and zero, negative or NaN durations fall
// through to the lowest tiers.
func Score(transcript string, durationSeconds float64) Metrics {
	if !(durationSeconds > 0) {
		durationSeconds = 0
	}

	words := strings.Fields(transcript)
	wordCount := len(words)

	var wpm float64
	if durationSeconds > 0 {
		wpm = float64(wordCount) / durationSeconds * 60
	}

	diversity, sophistication := lexicalRatios(words)
	avgSentenceLength, complexity := sentenceStats(transcript, wordCount)

	m := Metrics{
		Fluency:       bandFor(fluencyTiers, wpm, float64(wordCount)),
		Vocabulary:    bandFor(vocabularyTiers, diversity, sophistication),
		Grammar:       bandFor(grammarTiers, avgSentenceLength, complexity),
		Pronunciation: pronunciationBand(durationSeconds, wordCount, sophistication),

		WordCount:           wordCount,
		WordsPerMinute:      math.Round(wpm),
		SpeakingTime:        durationSeconds,
		VocabularyDiversity: round2(diversity),
		SophisticationRatio: round2(sophistication),
		ComplexityRatio:     round2(complexity),
	}

	mean := float64(m.Fluency+m.Pronunciation+m.Grammar+m.Vocabulary) / 4
	m.Overall = bandFor(overallTiers, mean, 0)
	return m
}

func bandFor(tiers []tier, primary, secondary float64) int {
	for _, t := range tiers {
		if primary >= t.primary && secondary >= t.secondary {
			return t.band
		}
	}
	return MinBand
}

func lexicalRatios(words []string) (diversity, sophistication float64) {
	if len(words) == 0 {
		return 0, 0
	}

	unique := make(map[string]struct{}, len(words))
	sophisticated := 0
	for _, w := range words {
		lower := strings.ToLower(w)
		unique[lower] = struct{}{}

		if utf8.RuneCountInString(w) > 6 {
			sophisticated++
			continue
		}
		if _, ok := sophisticatedWords[lower]; ok {
			sophisticated++
		}
	}

	n := float64(len(words))
	return float64(len(unique)) / n, float64(sophisticated) / n
}

func sentenceStats(transcript string, wordCount int) (avgLength, complexity float64) {
	var sentences []string
	for _, s := range sentenceDelimiters.Split(transcript, -1) {
		if strings.TrimSpace(s) != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) == 0 {
		return 0, 0
	}

	complexCount := 0
	for _, s := range sentences {
		if isComplex(s) {
			complexCount++
		}
	}

	n := float64(len(sentences))
	return float64(wordCount) / n, float64(complexCount) / n
}

func isComplex(sentence string) bool {
	if strings.Contains(sentence, ",") {
		return true
	}
	lower := strings.ToLower(sentence)
	for _, c := range connectives {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

func pronunciationBand(durationSeconds float64, wordCount int, sophistication float64) int {
	score := 6

	switch {
	case durationSeconds >= 30 && wordCount >= 50:
		score += 2
	case durationSeconds >= 20 && wordCount >= 30:
		score++
	case durationSeconds < 10 || wordCount < 10:
		score--
	}

	if sophistication >= 0.2 {
		score++
	}

	return min(MaxBand, max(MinBand, score))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
