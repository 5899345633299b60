package market

import "errors"

var (
	errSlugRequired    = errors.New("market: slug is required")
	errQuestionRequired = errors.New("market: question is required")
	errYesOddsRange    = errors.New("market: yes_odds must be in [0,1]")
)
