package recovery

import (
	"strings"

	"github.com/docutag/contentgen/models"
)

// WordsPerMinute is the reading speed behind readTime
const WordsPerMinute = 200

// PostProcess recomputes readTime from the content field, overwriting any model-supplied
// value. Content without a string content field is returned untouched.
func PostProcess(content models.RecoveredContent) models.RecoveredContent {
	body, ok := content["content"].(string)
	if !ok {
		return content
	}
	content["readTime"] = ReadTime(body)
	return content
}

// ReadTime returns whole minutes to read text, never less than one
func ReadTime(text string) int {
	words := len(strings.Fields(text))
	minutes := (words + WordsPerMinute - 1) / WordsPerMinute
	if minutes < 1 {
		return 1
	}
	return minutes
}
