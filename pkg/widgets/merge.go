package widgets

// Outcome says what Upsert did with an incoming directive.
type Outcome int

const (
	// OutcomeAppended means the directive was added at the tail.
	OutcomeAppended Outcome = iota
	// OutcomeMerged means the props were folded into an entry with the same widgetId.
	OutcomeMerged
	// OutcomeDuplicate means an entry with the same type and title already exists
	// and the directive was discarded.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeMerged:
		return "merged"
	case OutcomeDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Upsert folds d into seq and returns the resulting sequence.
//
// The rules are evaluated in order:
//  1. an entry with the same non-empty widgetId gets its props merged key by key,
//     incoming values winning; nothing else about the entry changes.
//  2. if d carries a title prop, an entry with the same type and title makes d a
//     duplicate, which is dropped.
//  3. otherwise d is appended.
//
// seq may be modified in place.
func Upsert(seq []Directive, d Directive) ([]Directive, Outcome) {
	if idx := IndexByID(seq, d.WidgetID); idx >= 0 {
		seq[idx].Props = seq[idx].Props.Merge(d.Props)
		return seq, OutcomeMerged
	}

	if title, ok := d.Props.Title(); ok {
		for _, existing := range seq {
			if existing.Type != d.Type {
				continue
			}
			if other, ok := existing.Props.Title(); ok && other.Equal(title) {
				return seq, OutcomeDuplicate
			}
		}
	}

	if d.Props == nil {
		d.Props = Props{}
	}
	return append(seq, d), OutcomeAppended
}

// IndexByID returns the position of the entry with the given widgetId, or -1.
// An empty id never matches.
func IndexByID(seq []Directive, widgetID string) int {
	if widgetID == "" {
		return -1
	}
	for i := range seq {
		if seq[i].WidgetID == widgetID {
			return i
		}
	}
	return -1
}
