package protocol

import "sort"

// SortConversations orders conversations pinned first, then most recently
// updated first. Equal timestamps fall back to id so the order is stable
// across replicas.
func SortConversations(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		return ConversationLess(list[i], list[j])
	})
}

func ConversationLess(a, b Conversation) bool {
	if a.IsPinned != b.IsPinned {
		return a.IsPinned
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID < b.ID
}

// Ordered reports whether list already satisfies the ordering invariant.
func Ordered(list []Conversation) bool {
	for i := 1; i < len(list); i++ {
		if ConversationLess(list[i], list[i-1]) {
			return false
		}
	}
	return true
}

// CloneConversation deep-copies the parts of c that are shared by pointer
// or slice.
func CloneConversation(c Conversation) Conversation {
	if c.LastMessage != nil {
		last := *c.LastMessage
		c.LastMessage = &last
	}
	if c.Labels != nil {
		c.Labels = append([]Label(nil), c.Labels...)
	}
	return c
}
