package notify

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hackgods/rg-appointment-portal/internal/appointment"
	"github.com/hackgods/rg-appointment-portal/internal/reminder"
)

const (
	SubjectReminder = "Lembrete: atendimento para emissão da Carteira de Identidade"
	SubjectReady    = "Sua Carteira de Identidade está pronta para retirada"

	DefaultReminderTemplate = "Olá {{name}}, lembramos que seu atendimento para emissão da Carteira de Identidade é {{when}}, " +
		"{{date}} às {{time}}, no {{location}} ({{address}}). Como chegar: {{map_url}}"

	DefaultReadyTemplate = "Olá {{name}}, sua Carteira de Identidade está pronta para retirada no {{location}} " +
		"({{address}}). Compareça com um documento com foto. Como chegar: {{map_url}}"
)

// Render replaces every {{key}} placeholder with its value. Placeholders
// without a value are left untouched.
func Render(tmpl string, vars map[string]string) string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "{{"+k+"}}", vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

func baseVars(a appointment.Appointment, place reminder.Place) map[string]string {
	return map[string]string{
		"name":     a.CitizenName,
		"date":     displayDate(a.Date),
		"time":     a.Time,
		"location": place.Name,
		"address":  place.Address,
		"map_url":  place.MapURL,
	}
}

func reminderVars(a appointment.Appointment, place reminder.Place, offset reminder.OffsetInfo) map[string]string {
	vars := baseVars(a, place)
	vars["days"] = strconv.Itoa(offset.Days)
	vars["when"] = whenPhrase(offset.Days)
	return vars
}

func whenPhrase(days int) string {
	if days <= 1 {
		return "amanhã"
	}
	return fmt.Sprintf("em %d dias", days)
}

// displayDate renders YYYY-MM-DD as DD/MM/YYYY, leaving malformed dates as they are.
func displayDate(date string) string {
	t, err := time.Parse(appointment.DateLayout, date)
	if err != nil {
		return date
	}
	return t.Format("02/01/2006")
}
