// Package audit writes Process Decision Records (PDRs): one row per dispatch,
// partner grant, partner release or worker restart.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"unicode/utf8"

	"github.com/fentz26/courier/internal/models"
)

// maxDetails bounds the free-text part of a record.
const maxDetails = 512

// Sink persists records. *store.Store satisfies it.
type Sink interface {
	WritePDR(action, inputsHash, outcome, subjectID, details string) (*models.PDREntry, error)
}

// PDRWriter fingerprints decision inputs and hands records to a Sink.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a writer over sink.
func NewPDRWriter(sink Sink) *PDRWriter {
	return &PDRWriter{sink: sink}
}

// Record writes one decision. subjectID names the item, order, partner or
// worker the decision was about.
func (w *PDRWriter) Record(action string, inputs interface{}, outcome, subjectID, details string) (*models.PDREntry, error) {
	return w.sink.WritePDR(action, fingerprint(inputs), outcome, subjectID, truncate(details, maxDetails))
}

// truncate shortens s to at most n bytes, ending in "...", without splitting
// a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// fingerprint is the hex sha256 of the JSON encoding of inputs, so identical
// decisions share a hash.
func fingerprint(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
