package notification

import (
	"bytes"
	"text/template"

	"git.famapp.in/fampay-inc/checkoutbus/pkg/common"
	"github.com/pkg/errors"
)

const receiptSubject = "Checkout receipt"

var receiptTemplate = template.Must(template.New("receipt").Parse(
	`Sending receipt for list [{{.ListID}}] to user [{{.UserEmail}}]
List: {{.ListName}}
Total items: {{.TotalItems}}
Total spent: R$ {{printf "%.2f" .TotalGasto}}
Completed at: {{.CompletedAt}}
`))

type receiptData struct {
	ListID      string
	ListName    string
	UserEmail   string
	TotalItems  int
	TotalGasto  float64
	CompletedAt string
}

// RenderReceipt renders the receipt body. The event must carry every field
// ValidateReceipt requires.
func RenderReceipt(event *common.CheckoutEvent) (string, error) {
	if err := event.ValidateReceipt(); err != nil {
		return "", err
	}

	data := receiptData{
		ListID:      event.ListID,
		ListName:    event.ListName,
		UserEmail:   event.UserEmail,
		TotalItems:  event.Items(),
		TotalGasto:  event.Spent(),
		CompletedAt: event.CompletedAt.String(),
	}

	var buf bytes.Buffer
	if err := receiptTemplate.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "failed to render receipt")
	}
	return buf.String(), nil
}
