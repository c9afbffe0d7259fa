package conversation

import "sort"

// Catalogue is the full set of stored conversations. Its order carries no
// meaning; use SortedByRecency for display.
type Catalogue []Conversation

func (c Catalogue) Find(id string) (Conversation, bool) {
	for _, conv := range c {
		if conv.ID == id {
			return conv, true
		}
	}
	return Conversation{}, false
}

func (c Catalogue) IndexOf(id string) int {
	for i, conv := range c {
		if conv.ID == id {
			return i
		}
	}
	return -1
}

// Upsert returns a new catalogue with conv replacing the entry with the same id,
// or appended when there is none.
func (c Catalogue) Upsert(conv Conversation) Catalogue {
	ret := make(Catalogue, len(c), len(c)+1)
	copy(ret, c)
	if idx := ret.IndexOf(conv.ID); idx >= 0 {
		ret[idx] = conv
		return ret
	}
	return append(ret, conv)
}

// Without returns a new catalogue without the conversation id, and whether it was present.
func (c Catalogue) Without(id string) (Catalogue, bool) {
	ret := make(Catalogue, 0, len(c))
	found := false
	for _, conv := range c {
		if conv.ID == id {
			found = true
			continue
		}
		ret = append(ret, conv)
	}
	return ret, found
}

// SortedByRecency returns a copy ordered by CreatedAt, newest first.
// Ties keep their stored order.
func (c Catalogue) SortedByRecency() Catalogue {
	ret := make(Catalogue, len(c))
	copy(ret, c)
	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].CreatedAt.After(ret[j].CreatedAt)
	})
	return ret
}

// Summary is the presentation view of a catalogue entry.
type Summary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedAt string `json:"createdAt"`
	Messages  int    `json:"messages"`
}

func (c Catalogue) Summaries() []Summary {
	ret := make([]Summary, 0, len(c))
	for _, conv := range c.SortedByRecency() {
		ret = append(ret, Summary{
			ID:        conv.ID,
			Title:     conv.Title,
			CreatedAt: conv.CreatedAt.Format("2006-01-02 15:04:05"),
			Messages:  len(conv.VisibleMessages()),
		})
	}
	return ret
}
