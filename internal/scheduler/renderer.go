package scheduler

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/segurapp/backoffice/internal/domain"
)

// Renderer builds the operator-facing reminder text for a notification.
// Amounts are formatted for the Spanish locale the back office operates in.
type Renderer struct {
	printer *message.Printer
}

// NewRenderer creates a renderer.
func NewRenderer() *Renderer {
	return &Renderer{printer: message.NewPrinter(language.Spanish)}
}

// Render returns the message text for the notification.
func (r *Renderer) Render(n *domain.ScheduledNotification) string {
	var b strings.Builder

	switch n.Type {
	case domain.NotificationTypeContact:
		b.WriteString("📞 Recordatorio de contacto\n")
	case domain.NotificationTypeRenewal:
		b.WriteString("📋 Recordatorio de vencimiento\n")
	case domain.NotificationTypePayment:
		b.WriteString("💰 Recordatorio de pago\n")
	default:
		b.WriteString("🔔 Recordatorio\n")
	}

	fmt.Fprintf(&b, "Póliza: %s\n", n.PolicyNumber)
	fmt.Fprintf(&b, "Expediente: %s\n", n.CaseNumber)

	if n.Payload.ClientName != "" {
		fmt.Fprintf(&b, "Cliente: %s\n", n.Payload.ClientName)
	}
	if n.Payload.VehiclePlate != "" {
		vehicle := n.Payload.VehiclePlate
		if n.Payload.VehicleModel != "" {
			vehicle += " (" + n.Payload.VehicleModel + ")"
		}
		fmt.Fprintf(&b, "Vehículo: %s\n", vehicle)
	}
	if n.Payload.Premium > 0 {
		fmt.Fprintf(&b, "Prima: $ %s\n", r.formatAmount(n.Payload.Premium))
	}
	if n.Payload.Note != "" {
		fmt.Fprintf(&b, "Nota: %s\n", n.Payload.Note)
	}

	fmt.Fprintf(&b, "Programado: %s", n.ScheduledDate.Format(dateTimeLayout))

	return b.String()
}

const dateTimeLayout = "02/01/2006 15:04"

func (r *Renderer) formatAmount(amount float64) string {
	return r.printer.Sprint(number.Decimal(amount,
		number.MinFractionDigits(2),
		number.MaxFractionDigits(2),
	))
}
