package rag

import (
	"fmt"
	"strings"

	"github.com/MapleHealthAI/maple-mvp/engine/domain"
)

// promptExcerptLimit bounds how much of each retrieved record is quoted in
// the system prompt. Looser than the display limit: the model sees more than
// the citation list shows.
const promptExcerptLimit = 500

const basePrompt = `You are Maple, a clinical assistant that answers questions about patients
using their previously ingested documents. Always prioritize patient safety
and privacy. Be clear about the limits of AI-generated medical information
and remind users to consult healthcare professionals for medical decisions.`

const patientSpecificClause = `This is a PATIENT-SPECIFIC question. Use ONLY records belonging to the
specified patient; never reference another patient's data. If no relevant
records are provided, state clearly that no records are available.`

const generalClause = `This is a general question. You may draw on general medical knowledge in
addition to any provided records; no patient-specific restrictions apply.`

// buildSystemPrompt assembles the generation system prompt from retrieved
// matches. When patientID is set, the privacy clause is included and an
// empty retrieval instructs the model to say no records exist.
func buildSystemPrompt(matches []domain.RetrievalMatch, patientID string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")
	if patientID != "" {
		b.WriteString(patientSpecificClause)
	} else {
		b.WriteString(generalClause)
	}

	if len(matches) == 0 {
		if patientID != "" {
			b.WriteString("\n\nNo records were found for this patient. Tell the user that no records are available for their question.")
		}
		return b.String()
	}

	b.WriteString("\n\nRelevant records:\n")
	for i, m := range matches {
		fmt.Fprintf(&b, "\nRecord %d [%s] (score: %.3f):\n%s\n", i+1, m.RecordID, m.Score, truncate(m.Content, promptExcerptLimit))
	}
	if patientID != "" {
		b.WriteString("\nUse ONLY the records above to answer.")
	} else {
		b.WriteString("\nUse the records above together with general medical knowledge.")
	}
	return b.String()
}
