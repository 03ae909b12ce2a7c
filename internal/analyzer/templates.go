package analyzer

import (
	"github.com/kingrea/employee/internal/capability"
	"github.com/kingrea/employee/internal/plan"
)

// Template is the static work breakdown for one task type.
type Template struct {
	Checklist      []string
	ExecutionSteps []string
}

var templates = map[plan.Type]Template{
	plan.TypeEmail: {
		Checklist: []string{
			"Review email content and recipient",
			"Verify sensitivity check passed",
			"Review draft for accuracy",
			"Send email and confirm delivery",
			"Log completion and update contacts",
		},
		ExecutionSteps: []string{
			"Parse email metadata for recipient and subject",
			"Check sensitivity (financial, new contact, confidential)",
			"If sensitive: wait in Pending_Approval for a decision",
			"If approved: send through the mail capability",
			"Add recipient to contacts if new",
			"Archive the record in Done",
		},
	},
	plan.TypeLinkedInPost: {
		Checklist: []string{
			"Review post copy and hashtags",
			"Verify content follows the company handbook",
			"Confirm no confidential or client information is disclosed",
			"Publish to LinkedIn",
			"Monitor for engagement",
		},
		ExecutionSteps: []string{
			"Wait in Pending_Approval for a decision",
			"Open LinkedIn through the browser capability",
			"Publish the approved copy",
			"Archive the record in Done",
		},
	},
	plan.TypeLinkedInMessage: {
		Checklist: []string{
			"Review LinkedIn notification or message",
			"Check for keywords (opportunity, lead, interest, hire)",
			"Review response draft",
			"Send reply on LinkedIn",
			"Log conversation",
		},
		ExecutionSteps: []string{
			"Parse LinkedIn content for sender and thread",
			"Check sensitivity of the drafted reply",
			"Send the reply through the browser capability",
			"Archive the record in Done",
		},
	},
	plan.TypeWhatsApp: {
		Checklist: []string{
			"Review WhatsApp message",
			"Determine response needed",
			"Review response draft",
			"Send via messaging capability",
			"Log conversation",
		},
		ExecutionSteps: []string{
			"Parse message for sender and thread",
			"Check sensitivity of the drafted reply",
			"Send the reply through the messaging capability",
			"Archive the record in Done",
		},
	},
	plan.TypePayment: {
		Checklist: []string{
			"Verify payee and amount against the source document",
			"Confirm budget and authorization",
			"Obtain human approval",
			"Submit payment",
			"Record confirmation reference",
		},
		ExecutionSteps: []string{
			"Extract payee, amount and reference",
			"Wait in Pending_Approval for a decision",
			"Submit through the payment capability",
			"Archive the record in Done with the confirmation",
		},
	},
	plan.TypeCalendar: {
		Checklist: []string{
			"Review meeting or event details",
			"Check availability",
			"Create calendar event",
			"Send invitations",
			"Set reminders",
		},
		ExecutionSteps: []string{
			"Parse date, time and attendees",
			"Create the event through the calendar capability",
			"Archive the record in Done",
		},
	},
	plan.TypeFileOperation: {
		Checklist: []string{
			"Review dropped file content",
			"Determine file type and purpose",
			"Process file according to type",
			"Move file to appropriate location",
			"Log processing completion",
		},
		ExecutionSteps: []string{
			"Read file content and metadata",
			"Determine file type (document, image, data)",
			"Process through the file capability",
			"Archive the record in Done",
		},
	},
	plan.TypeGeneral: {
		Checklist: []string{
			"Review task requirements",
			"Identify required tools and resources",
			"Execute task steps",
			"Verify completion",
			"Log results",
		},
		ExecutionSteps: []string{
			"Read and understand task requirements",
			"Break down into subtasks",
			"Execute through the general capability",
			"Archive the record in Done",
		},
	},
}

// TemplateFor returns a copy of the template for t, falling back to general.
func TemplateFor(t plan.Type) Template {
	tpl, ok := templates[t]
	if !ok {
		tpl = templates[plan.TypeGeneral]
	}
	return Template{
		Checklist:      append([]string(nil), tpl.Checklist...),
		ExecutionSteps: append([]string(nil), tpl.ExecutionSteps...),
	}
}

// CapabilitiesFor returns the capabilities a task type needs.
func CapabilitiesFor(t plan.Type) []string {
	name, ok := capability.ForType(t)
	if !ok {
		return nil
	}
	return []string{name}
}
