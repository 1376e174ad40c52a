package kb

// Dimension names the side of a pair a grouping is keyed by.
type Dimension int

const (
	ByAttribute Dimension = iota
	ByURL
)

func (d Dimension) String() string {
	if d == ByURL {
		return "url"
	}
	return "attribute"
}

// Pair associates an attribute value (e.g. a header name) with a URL.
type Pair struct {
	Attribute string
	URL       string
}

// GroupByMinKey drops duplicate pairs and groups them by whichever side has
// fewer distinct values, so a report needs as few headings as possible. Ties
// group by attribute. Values keep first-seen order within a group.
func GroupByMinKey(pairs []Pair) (map[string][]string, Dimension) {
	unique := make([]Pair, 0, len(pairs))
	seen := make(map[Pair]bool, len(pairs))
	attrs := make(map[string]bool)
	urls := make(map[string]bool)
	for _, p := range pairs {
		if seen[p] {
			continue
		}
		seen[p] = true
		unique = append(unique, p)
		attrs[p.Attribute] = true
		urls[p.URL] = true
	}

	dim := ByAttribute
	if len(urls) < len(attrs) {
		dim = ByURL
	}

	grouped := make(map[string][]string)
	for _, p := range unique {
		if dim == ByAttribute {
			grouped[p.Attribute] = append(grouped[p.Attribute], p.URL)
		} else {
			grouped[p.URL] = append(grouped[p.URL], p.Attribute)
		}
	}
	return grouped, dim
}
