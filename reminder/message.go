package reminder

import (
	"strings"
	"text/template"
)

var reminderTmpl = template.Must(template.New("reminder").Parse(
	`🔔 *Recordatorio de Pago* 🔔

El pago para *{{.Record.Organism}}* por un monto de *${{.Record.Amount.StringFixed 2}}* vence en {{.DaysRemaining}} días ({{.Record.PaymentDateReal}}).
*Estado:* {{.Record.Status.Label}}

Por favor tome sus previsiones.`))

// Text renders the reminder message.
func (r Reminder) Text() (string, error) {
	var b strings.Builder
	if err := reminderTmpl.Execute(&b, r); err != nil {
		return "", err
	}
	return b.String(), nil
}
