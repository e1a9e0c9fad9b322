package models

// Event is a named grouping of related markets, e.g. one election with a
// market per candidate.
type Event struct {
	ID      string
	Title   string
	Slug    string
	URL     string
	Markets []*Market
}

// SearchMarkets returns the subset of the event's markets whose title or
// description contains the query, case-insensitively.
func (e *Event) SearchMarkets(query string) []*Market {
	if query == "" {
		return e.Markets
	}
	var out []*Market
	for _, m := range e.Markets {
		if m.MatchesText(query, SearchInBoth) {
			out = append(out, m)
		}
	}
	return out
}
