package history

import (
	"bytes"
	"encoding/json"

	"github.com/go-go-golems/murmur/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CurrentVersion is the schema version written by this build.
// Version 0 is the unversioned bare JSON array of conversations.
const CurrentVersion = 1

type document struct {
	Version       int                       `json:"version"`
	Conversations []conversation.Conversation `json:"conversations"`
}

func encodeCatalogue(cat conversation.Catalogue) ([]byte, error) {
	doc := document{
		Version:       CurrentVersion,
		Conversations: cat,
	}
	if doc.Conversations == nil {
		doc.Conversations = []conversation.Conversation{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal catalogue")
	}
	return b, nil
}

// decodeCatalogue parses a stored catalogue and normalizes it: duplicate ids keep
// their first occurrence, entries that fail validation are dropped, and stale
// streaming flags left behind by a crash are cleared.
func decodeCatalogue(data []byte) (conversation.Catalogue, int, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return conversation.Catalogue{}, CurrentVersion, nil
	}

	var doc document
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &doc.Conversations); err != nil {
			return nil, 0, errors.Wrap(err, "failed to unmarshal legacy catalogue")
		}
		doc.Version = 0
	} else {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, 0, errors.Wrap(err, "failed to unmarshal catalogue")
		}
		if doc.Version > CurrentVersion {
			log.Warn().
				Int("version", doc.Version).
				Int("supported_version", CurrentVersion).
				Msg("Catalogue was written by a newer version, reading known fields only")
		}
	}

	seen := map[string]bool{}
	ret := make(conversation.Catalogue, 0, len(doc.Conversations))
	for _, c := range doc.Conversations {
		if seen[c.ID] {
			log.Warn().Str("conversation_id", c.ID).Msg("Dropping duplicate conversation id from catalogue")
			continue
		}
		if idx := c.StreamingIndex(); idx >= 0 {
			c.Messages[idx].IsStreaming = false
		}
		if err := c.Validate(); err != nil {
			log.Warn().Err(err).Str("conversation_id", c.ID).Msg("Dropping invalid conversation from catalogue")
			continue
		}
		seen[c.ID] = true
		ret = append(ret, c)
	}
	return ret, doc.Version, nil
}
