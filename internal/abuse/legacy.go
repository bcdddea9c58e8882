package abuse

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
)

// Records imported from the old portal carry only a free-text reason. The
// keyword tables below classify them; new cancellations must be tagged.
var legacyKeywords = []struct {
	category appointment.CancellationCategory
	words    []string
}{
	{appointment.CategoryNoShow, []string{
		"nao compareceu", "nao comparecimento", "nao veio", "faltou",
		"ausente", "ausencia", "no-show", "no show",
	}},
	{appointment.CategoryStaffAction, []string{
		"cancelado pelo atendente", "pela equipe", "pelo posto", "administrativo",
		"indisponibilidade do posto", "staff",
	}},
	{appointment.CategoryCitizenRequest, []string{
		"a pedido", "pedido do cidadao", "solicitacao do cidadao", "cidadao solicitou",
		"desistencia", "desistiu",
	}},
}

// InferCategory classifies a legacy free-text cancellation reason.
func InferCategory(reason string) appointment.CancellationCategory {
	folded := foldText(reason)
	if folded == "" {
		return appointment.CategoryOther
	}
	for _, group := range legacyKeywords {
		for _, w := range group.words {
			if strings.Contains(folded, w) {
				return group.category
			}
		}
	}
	return appointment.CategoryOther
}

// TagLegacyCancellations returns copies of appts where every untagged
// cancellation entry carries an inferred cancellationCategory. Run once when
// importing records from the old portal.
func TagLegacyCancellations(appts []appointment.Appointment) []appointment.Appointment {
	out := make([]appointment.Appointment, len(appts))
	for i, a := range appts {
		c := a.Clone()
		for j, ch := range c.StatusHistory {
			if ch.To != appointment.StatusCancelled {
				continue
			}
			if appointment.CancellationCategory(ch.Metadata[appointment.MetaCancellationCategory]).Valid() {
				continue
			}
			if ch.Metadata == nil {
				ch.Metadata = make(map[string]string)
			}
			ch.Metadata[appointment.MetaCancellationCategory] = string(InferCategory(ch.Reason))
			c.StatusHistory[j] = ch
		}
		out[i] = c
	}
	return out
}

// foldText lowercases s and strips diacritics, so "Não compareceu" matches
// "nao compareceu".
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.TrimSpace(folded))
}
