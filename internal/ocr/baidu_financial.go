package ocr

import (
	"encoding/json"
	"fmt"
)

// financialNotesPayload is the part of Baidu's multiple_invoice response we read.
// Field values stay raw so one malformed field cannot fail the whole payload.
type financialNotesPayload struct {
	WordsResult []struct {
		Type   string                     `json:"type"`
		Result map[string]json.RawMessage `json:"result"`
	} `json:"words_result"`
}

type wordEntry struct {
	Word *string `json:"word"`
}

// NormalizeFinancialNotes flattens a Baidu "Financial Notes" payload.
//
// Only the first words_result entry is consulted. Each field keeps the word of
// its first entry; empty or malformed fields are left out.
func NormalizeFinancialNotes(raw []byte) (Record, error) {
	var payload financialNotesPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decoding financial notes payload: %w", err)
	}

	if len(payload.WordsResult) == 0 {
		return Unknown(), nil
	}
	first := payload.WordsResult[0]

	record := Record{TypeKey: first.Type}
	for field, value := range first.Result {
		if field == TypeKey {
			continue
		}
		var words []wordEntry
		if err := json.Unmarshal(value, &words); err != nil {
			continue
		}
		if len(words) == 0 || words[0].Word == nil {
			continue
		}
		record[field] = *words[0].Word
	}

	return record, nil
}
