package tools

import (
	"context"
	"log/slog"
)

type SendEmailDTO struct {
	ToEmail string `json:"to_email" jsonschema:"description=Recipient email address"`
	Subject string `json:"subject" jsonschema:"description=Email subject"`
	Body    string `json:"body" jsonschema:"description=Email body"`
}

type SendEmailParams struct {
	DTO SendEmailDTO `json:"dto" jsonschema:"description=Details of the email to send"`
}

type CalendarEventDTO struct {
	Email string `json:"email" jsonschema:"description=Email address of the calendar owner"`
	Title string `json:"title" jsonschema:"description=Title of the event"`
}

type CalendarEventParams struct {
	DTO CalendarEventDTO `json:"dto" jsonschema:"description=Details of the calendar event"`
}

// Builtins returns a registry with the stub tools available to speakers.
// The handlers only log and acknowledge; no mail or calendar entry is created.
func Builtins(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(Typed("send_email", "Send an email to an address",
		func(_ context.Context, p SendEmailParams) (map[string]any, error) {
			r.logger.Info("send_email requested", slog.String("to", p.DTO.ToEmail), slog.String("subject", p.DTO.Subject))
			return map[string]any{"result": true}, nil
		}))
	r.Register(Typed("create_google_calendar_event", "Register an event on a Google Calendar",
		func(_ context.Context, p CalendarEventParams) (map[string]any, error) {
			r.logger.Info("calendar event requested", slog.String("email", p.DTO.Email), slog.String("title", p.DTO.Title))
			return map[string]any{"result": true}, nil
		}))
	return r
}
