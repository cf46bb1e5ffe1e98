package nn

import (
	"fmt"
	"sort"
)

// Expression is the name of a facial expression, as emitted by the expression classifier
type Expression string

const (
	Happy     Expression = "happy"
	Sad       Expression = "sad"
	Angry     Expression = "angry"
	Fearful   Expression = "fearful"
	Disgusted Expression = "disgusted"
	Surprised Expression = "surprised"
	Neutral   Expression = "neutral"
)

// Vocabulary is the canonical order of the expressions that our classifier knows about.
// Ties between equal scores are broken by this order (earliest wins).
// SYNC-EXPRESSION-ORDER
var Vocabulary = []Expression{Happy, Sad, Angry, Fearful, Disgusted, Surprised, Neutral}

var vocabularyRank = func() map[Expression]int {
	r := map[Expression]int{}
	for i, e := range Vocabulary {
		r[e] = i
	}
	return r
}()

// IsKnown returns true if the expression is part of Vocabulary
func (e Expression) IsKnown() bool {
	_, ok := vocabularyRank[e]
	return ok
}

// ExpressionScores maps an expression name to a confidence in [0,1]
type ExpressionScores map[Expression]float32

// Ordered returns the expressions in canonical order: the vocabulary first, and then any
// labels outside of the vocabulary in lexicographic order.
func (s ExpressionScores) Ordered() []Expression {
	out := make([]Expression, 0, len(s))
	var extra []Expression
	for _, e := range Vocabulary {
		if _, ok := s[e]; ok {
			out = append(out, e)
		}
	}
	for e := range s {
		if !e.IsKnown() {
			extra = append(extra, e)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(out, extra...)
}

// Detection is one face, and the distribution of expressions on it
type Detection struct {
	Box         Rect             `json:"box"`
	Expressions ExpressionScores `json:"expressions"`
}

// Classification is the dominant expression of a detection
type Classification struct {
	Label Expression
	Score float32
}

// Classify returns the expression with the highest score.
// If several expressions share the highest score, the one that comes first in
// ExpressionScores.Ordered() wins, so the result never depends on map iteration order.
// Returns false if there are no scores.
func Classify(scores ExpressionScores) (Classification, bool) {
	best := Classification{}
	found := false
	for _, e := range scores.Ordered() {
		v := scores[e]
		if !found || v > best.Score {
			best = Classification{Label: e, Score: v}
			found = true
		}
	}
	return best, found
}

// Caption is the text that we draw next to the box, eg "happy (82.0%)"
func (c Classification) Caption() string {
	return fmt.Sprintf("%v (%.1f%%)", c.Label, c.Score*100)
}
