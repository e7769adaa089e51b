package payment

import (
	"strings"
	"text/template"

	"fiscalcontrol/auth"
)

var statusLabels = map[Status]string{
	StatusPendingReview: "Pendiente de revisión",
	StatusApproved:      "Aprobado",
	StatusRejected:      "Rechazado",
}

// Label returns the Spanish label used in outgoing messages.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

var transitionTmpl = template.Must(template.New("transition").Parse(
	`*Actualización de Pago*

*Organismo:* {{.Record.Organism}}
*Monto:* ${{.Record.Amount.StringFixed 2}}
*Fecha:* {{.Record.PaymentDateReal}}
*Estado:* {{.Record.Status.Label}}
*Revisado por:* {{.Actor.Name}}

_Enviado desde el Sistema de Gestión Administrativa._`))

// TransitionText renders the notice sent after an approve or reject.
func TransitionText(rec Record, actor auth.Actor) (string, error) {
	if actor.Name == "" {
		actor.Name = string(actor.Role)
	}
	var b strings.Builder
	err := transitionTmpl.Execute(&b, struct {
		Record Record
		Actor  auth.Actor
	}{rec, actor})
	return b.String(), err
}
