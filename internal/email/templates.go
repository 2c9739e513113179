package email

import (
	"bytes"
	"errors"
	"fmt"
	"text/template"
)

const (
	TemplateOrderPaid      = "order_paid"
	TemplateOrderCancelled = "order_cancelled"
	TemplateOrderCompleted = "order_completed"
)

var ErrUnknownTemplate = errors.New("unknown email template")

type message struct {
	subject *template.Template
	body    *template.Template
}

// Renderer turns a template name and its data into an email subject and body.
type Renderer struct {
	templates map[string]message
}

func NewRenderer() *Renderer {
	r := &Renderer{templates: make(map[string]message)}

	r.add(TemplateOrderPaid,
		"Payment received for order {{.order_id}}",
		`Hi,

We received your payment of ${{.total}} for order {{.order_id}}.
Payment reference: {{.payment_id}}

Your order is now queued for processing. We'll let you know when it's delivered.
`)
	r.add(TemplateOrderCancelled,
		"Order {{.order_id}} was cancelled",
		`Hi,

Your order {{.order_id}} for ${{.total}} was cancelled.
If you were charged, the payment will be reversed by the payment provider.
`)
	r.add(TemplateOrderCompleted,
		"Order {{.order_id}} is complete",
		`Hi,

Your order {{.order_id}} has been delivered. Thanks for shopping with us!
`)

	return r
}

func (r *Renderer) add(name, subject, body string) {
	r.templates[name] = message{
		subject: template.Must(template.New(name + ".subject").Option("missingkey=zero").Parse(subject)),
		body:    template.Must(template.New(name + ".body").Option("missingkey=zero").Parse(body)),
	}
}

func (r *Renderer) Render(name string, data map[string]string) (subject, body string, err error) {
	msg, ok := r.templates[name]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}

	var buf bytes.Buffer
	if err := msg.subject.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s subject: %w", name, err)
	}
	subject = buf.String()

	buf.Reset()
	if err := msg.body.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", name, err)
	}

	return subject, buf.String(), nil
}
