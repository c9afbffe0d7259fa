package events

import (
	"github.com/go-go-golems/murmur/pkg/history"
)

// CatalogueNotifier forwards repository changes to sink as catalogue-changed events.
func CatalogueNotifier(sink EventSink) history.Listener {
	return func(change history.Change) {
		ev := NewCatalogueChangedEvent(NewMetadata(change.ConversationID), string(change.Type))
		Publish([]EventSink{sink}, ev)
	}
}
